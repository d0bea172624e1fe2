package encryption

import (
	"bytes"
	"testing"
)

func TestTestSealer(t *testing.T) {
	t.Parallel()

	s := NewTestSealer()
	for _, input := range [][]byte{[]byte("hello"), {}, {0x00, 0xff}} {
		sealed, err := s.Seal(input)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if bytes.Equal(sealed, input) {
			t.Errorf("Seal(%q) returned the input unchanged", input)
		}
		plain, err := s.Open(sealed)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if !bytes.Equal(plain, input) {
			t.Errorf("Open(Seal(%q)) = %q", input, plain)
		}
	}

	if _, err := s.Open([]byte("plain")); err == nil {
		t.Error("Open() without header should return error")
	}
}
