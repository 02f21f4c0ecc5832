package vault

import (
	"context"
	"fmt"

	"scribe/internal/config"
	"scribe/internal/scribe"
)

// NewVaultFromConfig creates the image vault selected by the vault config
// type. It returns nil, nil when offloading is disabled. enc is required
// when cfg.Encrypt is set.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig, enc scribe.Encryptor) (scribe.ImageVault, error) {
	var base scribe.ImageVault
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		base = NewMemoryVault()
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_root to be set")
		}
		fsv, err := NewFileSystemVault(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		base = fsv
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		base = NewS3Vault(client, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}

	if !cfg.Encrypt {
		return base, nil
	}
	if enc == nil {
		return nil, fmt.Errorf("encrypted vault requires an encryptor")
	}
	return NewEncryptedVault(base, enc), nil
}
