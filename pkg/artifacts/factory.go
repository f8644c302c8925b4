package artifacts

import (
	"context"
	"fmt"
)

// StoreType represents the type of mirror backend.
type StoreType string

const (
	StoreTypeNone StoreType = ""
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// Config selects a mirror backend. Type "" disables mirroring.
type Config struct {
	Type     StoreType `yaml:"type" json:"type"`
	Dir      string    `yaml:"dir" json:"dir"`
	Bucket   string    `yaml:"bucket" json:"bucket"`
	Prefix   string    `yaml:"prefix" json:"prefix"`
	Region   string    `yaml:"region" json:"region"`
	Endpoint string    `yaml:"endpoint" json:"endpoint"`
}

// NewStore builds the mirror described by cfg. It returns (nil, nil) when
// mirroring is disabled.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeNone:
		return nil, nil
	case StoreTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("mirror.dir is required for fs mirror")
		}
		fs, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("mirror.bucket is required for s3 mirror")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		s3s, err := NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s3s, nil
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported mirror type: %s", cfg.Type)
	}
}
