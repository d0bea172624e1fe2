package encryption

import (
	"bytes"
	"fmt"

	"cdp-go/internal/cdp"
)

// testHeader marks data sealed by TestSealer.
var testHeader = []byte("CDPSEAL\x00")

// TestSealer is a deterministic, reversible sealer for tests. It prepends a
// fixed header, so sealed bytes differ from the plain bytes without any
// cryptography.
type TestSealer struct{}

func NewTestSealer() *TestSealer {
	return &TestSealer{}
}

func (TestSealer) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(plain))
	return append(append(out, testHeader...), plain...), nil
}

func (TestSealer) Open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, testHeader) {
		return nil, fmt.Errorf("invalid test seal header")
	}
	return bytes.Clone(sealed[len(testHeader):]), nil
}

var _ cdp.Sealer = (*TestSealer)(nil)
