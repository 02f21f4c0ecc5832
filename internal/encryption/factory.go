package encryption

import (
	"fmt"
	"path/filepath"

	"scribe/internal/config"
	"scribe/internal/scribe"
)

// NewEncryptorFromConfig creates the Encryptor that protects vault images.
// Age key paths left empty in cfg default to the standard key files in
// keysDir.
func NewEncryptorFromConfig(cfg config.EncryptionConfig, keysDir string) (scribe.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		cfg = withDefaultKeyPaths(cfg, keysDir)
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption needs key paths or a keys directory")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

func withDefaultKeyPaths(cfg config.EncryptionConfig, keysDir string) config.EncryptionConfig {
	if keysDir == "" {
		return cfg
	}
	if cfg.PublicKeyPath == "" {
		cfg.PublicKeyPath = filepath.Join(keysDir, config.PublicKeyFile)
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(keysDir, config.PrivateKeyFile)
	}
	return cfg
}
