package filestore

import (
	"context"
	"fmt"

	"bulk-transfer-engine/internal/config"
)

// FromConfig builds the store selected by ARTIFACT_BACKEND.
func FromConfig(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case "", "local":
		return NewLocalStore(cfg.ArtifactLocalDir), nil
	case "s3":
		st, err := NewS3Store(ctx, S3Config{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}
