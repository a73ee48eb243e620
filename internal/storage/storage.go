// Package storage resolves models from a storage root, a local directory or
// an S3 bucket, into a local working directory.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
)

// ModelConfigFile is the model configuration file name.
const ModelConfigFile = "config.json"

// Provider fetches models from a storage.
type Provider interface {
	// Fetch makes the model available locally and returns its directory.
	// Remote or packed models are written under destDir.
	Fetch(ctx context.Context, model, destDir string) (string, error)
	// Exists reports whether the storage holds the model.
	Exists(ctx context.Context, model string) (bool, error)
	// Name describes the storage.
	Name() string
}

// Model is a fetched model.
type Model struct {
	Name string
	Path string
	// Digest identifies the model version from its configuration content.
	Digest digest.Digest
	Config config.Config
}

// NewProvider returns the provider for a storage URI: s3://bucket/prefix for
// S3, a path or file:// URI otherwise.
func NewProvider(ctx context.Context, storageURI string, s3opts *S3Options, logger *zap.Logger) (Provider, error) {
	switch {
	case strings.HasPrefix(storageURI, "s3://"):
		bucket, prefix, err := ParseS3URI(storageURI)
		if err != nil {
			return nil, err
		}
		opts := DefaultS3Options()
		if s3opts != nil {
			opts = *s3opts
		}
		opts.Bucket, opts.Prefix = bucket, prefix
		return NewS3Provider(ctx, &opts, logger)
	case storageURI == "":
		return nil, nmterrors.NewConfigValidationError("model_storage", storageURI, "model storage is required")
	default:
		return NewLocalProvider(strings.TrimPrefix(storageURI, "file://"), logger), nil
	}
}

// Load fetches a model and reads its configuration. ${MODEL_DIR} in the
// configuration is replaced by the local model directory.
func Load(ctx context.Context, provider Provider, model, workDir string, logger *zap.Logger) (*Model, error) {
	if logger == nil {
		logger = logging.L()
	}
	if model == "" {
		return nil, nmterrors.NewConfigValidationError("model", model, "model name is required")
	}

	path, err := provider.Fetch(ctx, model, workDir)
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(path, ModelConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nmterrors.NewModelConfigMissingError(configPath)
		}
		return nil, nmterrors.NewStorageReadError(configPath, err.Error())
	}
	cfg, err := config.ParseJSON(data)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Name:   model,
		Path:   path,
		Digest: digest.FromBytes(data),
		Config: config.ResolvePaths(cfg, path),
	}
	logger.Info("model_loaded",
		logging.Model(model),
		logging.Path(path),
		zap.String("digest", m.Digest.String()),
		zap.String("storage", provider.Name()),
	)
	return m, nil
}
