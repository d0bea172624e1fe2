package cdp

// Sealer encrypts chunk bytes before they reach storage and decrypts them
// on the way back. Hashes are always computed on the plain bytes, so
// sealing does not affect deduplication.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}
