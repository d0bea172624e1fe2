package cdp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashLen is the size in bytes of a chunk content hash (SHA-256).
const HashLen = sha256.Size

// HexHashLen is the length of a hash rendered as lowercase hex in URL paths.
const HexHashLen = 2 * HashLen

// Hash is the content address of a chunk. It is the raw SHA-256 digest of
// the chunk's uncompressed bytes.
//
// In URL paths a Hash is lowercase hex; inside JSON bodies it is the
// standard base64 encoding of the raw digest.
type Hash [HashLen]byte

// Sum returns the content hash of data.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Base64 returns the standard base64 form of the hash used in JSON bodies.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// HashLengthError reports a hex hash with the wrong number of characters.
type HashLengthError struct {
	Got int
}

func (e *HashLengthError) Error() string {
	return fmt.Sprintf("hash has length %d instead of %d", e.Got, HexHashLen)
}

// ParseHex parses a 64-character lowercase hex hash. Uppercase digits are
// rejected: URL paths only ever carry the canonical form.
func ParseHex(s string) (Hash, error) {
	var h Hash
	if len(s) != HexHashLen {
		return h, &HashLengthError{Got: len(s)}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return h, fmt.Errorf("invalid character %q at offset %d in hash", c, i)
		}
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("decoding hex hash: %w", err)
	}
	return h, nil
}

// ParseBase64 parses a base64 encoded hash as found in JSON bodies.
func ParseBase64(s string) (Hash, error) {
	var h Hash
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decoding base64 hash: %w", err)
	}
	if len(raw) != HashLen {
		return h, fmt.Errorf("decoded hash has length %d instead of %d", len(raw), HashLen)
	}
	copy(h[:], raw)
	return h, nil
}

// MarshalJSON encodes the hash as a base64 JSON string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Base64())
}

// UnmarshalJSON decodes a base64 JSON string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hash must be a string: %w", err)
	}
	parsed, err := ParseBase64(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashList is an ordered sequence of hashes. A nil list marshals as an
// empty JSON array so clients always see a "hash_list" array.
type HashList []Hash

// MarshalJSON encodes the list, rendering nil as [].
func (l HashList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Hash(l))
}

// Unique returns the hashes of l with later repeats removed, keeping the
// order of first occurrence.
func (l HashList) Unique() HashList {
	seen := make(map[Hash]struct{}, len(l))
	out := make(HashList, 0, len(l))
	for _, h := range l {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
