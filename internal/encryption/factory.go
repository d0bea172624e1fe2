package encryption

import (
	"fmt"

	"cdp-go/internal/cdp"
	"cdp-go/internal/config"
)

// NewSealerFromConfig returns the sealer selected by cfg.Type, or nil when
// chunks are stored in the clear. The passphrase is only read for "age".
func NewSealerFromConfig(cfg config.EncryptionConfig, passphrase func() (string, error)) (cdp.Sealer, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "test":
		return NewTestSealer(), nil
	case "age":
		keys := NewAgeKeys(cfg)
		if !keys.IsConfigured() {
			return nil, fmt.Errorf("age keys not found at %s (run \"cdp keys init\")", cfg.PrivateKeyPath)
		}
		p, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		sealer, err := keys.Unlock(p)
		if err != nil {
			return nil, err
		}
		return sealer, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
