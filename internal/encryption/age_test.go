package encryption

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"cdp-go/internal/config"
)

func newTestAgeKeys(t *testing.T) (*AgeKeys, config.EncryptionConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "cdp.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "cdp.key"),
	}
	return NewAgeKeys(cfg), cfg
}

func TestAgeKeys_Setup(t *testing.T) {
	t.Parallel()
	k, _ := newTestAgeKeys(t)

	if k.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
	if err := k.Setup("test-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !k.IsConfigured() {
		t.Error("IsConfigured() = false after Setup, want true")
	}
	if err := k.Setup("other"); !errors.Is(err, ErrKeysExist) {
		t.Errorf("second Setup() error = %v, want ErrKeysExist", err)
	}
}

func TestAgeSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	k, _ := newTestAgeKeys(t)
	if err := k.Setup("pass"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	s, err := k.Unlock("pass")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(tt.input)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(sealed, tt.input) {
				t.Error("sealed output contains the plaintext")
			}

			plain, err := s.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(plain, tt.input) {
				t.Errorf("round trip returned %d bytes, want %d", len(plain), len(tt.input))
			}
		})
	}
}

func TestAgeKeys_UnlockErrors(t *testing.T) {
	t.Parallel()

	t.Run("before setup", func(t *testing.T) {
		k, _ := newTestAgeKeys(t)
		if _, err := k.Unlock("pass"); err == nil {
			t.Error("Unlock() before Setup should return error")
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		k, _ := newTestAgeKeys(t)
		if err := k.Setup("correct"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if _, err := k.Unlock("wrong"); err == nil {
			t.Error("Unlock() with wrong passphrase should return error")
		}
	})
}

func TestAgeSealer_OpenRejectsGarbage(t *testing.T) {
	t.Parallel()

	k, _ := newTestAgeKeys(t)
	if err := k.Setup("pass"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	s, err := k.Unlock("pass")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if _, err := s.Open([]byte("not age data")); err == nil {
		t.Error("Open() of garbage should return error")
	}
}
