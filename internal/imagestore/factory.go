// Package imagestore holds image payloads for the image service.
package imagestore

import (
	"context"
	"fmt"

	"dwarf-go/internal/config"
	"dwarf-go/internal/dwarf"
)

// NewImageStoreFromConfig creates an ImageStore based on the configured
// type. Filesystem payloads live directly in imagesDir.
func NewImageStoreFromConfig(ctx context.Context, cfg config.ImageStoreConfig, imagesDir string, logger dwarf.Logger) (dwarf.ImageStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.CacheDir), nil
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			CacheDir:  cfg.CacheDir,
		}, logger)
	case "filesystem", "":
		if imagesDir == "" {
			return nil, fmt.Errorf("filesystem image store requires images_dir to be set")
		}
		return NewFilesystemStore(imagesDir)
	default:
		return nil, fmt.Errorf("unknown image store type: %s", cfg.Type)
	}
}
