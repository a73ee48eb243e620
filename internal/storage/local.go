package storage

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
)

// LocalProvider serves models from a local directory, typically a mounted
// volume. A model is either a directory or a <model>.tar.gz file.
type LocalProvider struct {
	root   string
	logger *zap.Logger
}

// NewLocalProvider creates a provider rooted at root.
func NewLocalProvider(root string, logger *zap.Logger) *LocalProvider {
	if logger == nil {
		logger = logging.L()
	}
	return &LocalProvider{
		root:   root,
		logger: logger.With(zap.String("component", "local_storage")),
	}
}

// Name implements Provider.
func (p *LocalProvider) Name() string {
	return p.root
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Exists implements Provider.
func (p *LocalProvider) Exists(_ context.Context, model string) (bool, error) {
	return isDir(filepath.Join(p.root, model)) || isFile(filepath.Join(p.root, model+PackedModelSuffix)), nil
}

// Fetch implements Provider. Model directories are used in place; packed
// models are extracted into destDir/<model>.
func (p *LocalProvider) Fetch(ctx context.Context, model, destDir string) (string, error) {
	dir := filepath.Join(p.root, model)
	if isDir(dir) {
		p.logger.Debug("using_model_directory", logging.Model(model), logging.Path(dir))
		return dir, nil
	}

	packed := dir + PackedModelSuffix
	if !isFile(packed) {
		return "", nmterrors.NewModelNotFoundError(model, p.root)
	}
	f, err := os.Open(packed)
	if err != nil {
		return "", nmterrors.NewStorageReadError(packed, err.Error())
	}
	defer f.Close()

	target := filepath.Join(destDir, model)
	if err := os.RemoveAll(target); err != nil {
		return "", nmterrors.NewStorageWriteError(target, err.Error())
	}
	p.logger.Info("extracting_model", logging.Model(model), logging.Path(packed), zap.String("dest", target))
	if err := UnTGZ(ctx, target, f); err != nil {
		return "", err
	}
	return modelRoot(target), nil
}
