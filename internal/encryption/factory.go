package encryption

import (
	"fmt"

	"dwarf-go/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return FakeEncryptor{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
