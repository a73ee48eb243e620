// Package cmd provides the CLI commands for nmtwizard.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/storage"
)

// RootOptions holds the flags shared by all commands.
type RootOptions struct {
	Model        string
	ModelStorage string
	// ConfigPath is an extra JSON or YAML configuration merged over the model configuration.
	ConfigPath string
	WorkDir    string
	Verbose    bool
	LogDir     string
	S3         storage.S3Options
}

// DefaultRootOptions returns the default root options.
func DefaultRootOptions() *RootOptions {
	return &RootOptions{
		S3: storage.DefaultS3Options(),
	}
}

// NewRootCmd creates the nmtwizard command tree.
func NewRootCmd() *cobra.Command {
	opts := DefaultRootOptions()

	cmd := &cobra.Command{
		Use:   "nmtwizard",
		Short: "Serve and preprocess neural machine translation models",
		Long: `nmtwizard wraps a translation model server:
  - Fetches models from a local directory or S3
  - Runs the model preprocessing and postprocessing pipelines
  - Serves translations over HTTP, batching calls to the model server
  - Preprocesses training corpora and builds vocabularies`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logging.Close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Model, "model", opts.Model, "model name in the model storage")
	flags.StringVar(&opts.ModelStorage, "model_storage", opts.ModelStorage, "model storage: a directory, file:// or s3://bucket/prefix URI")
	flags.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "extra configuration file merged over the model configuration")
	flags.StringVar(&opts.WorkDir, "workdir", opts.WorkDir, "directory receiving fetched models (default a temporary directory)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", opts.Verbose, "enable debug logs")
	flags.StringVar(&opts.LogDir, "log_dir", opts.LogDir, "directory for rotated JSONL log files (disabled when empty)")
	flags.StringVar(&opts.S3.URL, "s3_endpoint", opts.S3.URL, "S3 endpoint URL")
	flags.StringVar(&opts.S3.Region, "s3_region", opts.S3.Region, "S3 region")
	flags.BoolVar(&opts.S3.PathStyle, "s3_path_style", opts.S3.PathStyle, "use path-style S3 addressing")

	cmd.AddCommand(
		newServeCmd(opts),
		newTranslateCmd(opts),
		newPreprocessCmd(opts),
		newBuildVocabCmd(opts),
		newDescribeCmd(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *RootOptions) setupLogging() error {
	logCfg := logging.DefaultConfig()
	logCfg.ConsoleFormat = "plain"
	logCfg.EnableFile = o.LogDir != ""
	if o.LogDir != "" {
		logCfg.LogDir = o.LogDir
	}
	if o.Verbose {
		logCfg.Level = "debug"
	}
	if err := logging.Setup(logCfg); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	return nil
}

// workDir returns the work directory and a cleanup function. A temporary
// directory is created and removed on cleanup when --workdir is not set.
func (o *RootOptions) workDir() (string, func(), error) {
	if o.WorkDir != "" {
		if err := os.MkdirAll(o.WorkDir, 0755); err != nil {
			return "", nil, nmterrors.NewStorageWriteError(o.WorkDir, err.Error())
		}
		return o.WorkDir, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "nmtwizard-")
	if err != nil {
		return "", nil, nmterrors.NewStorageWriteError(os.TempDir(), err.Error())
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func (o *RootOptions) extraConfig() (config.Config, error) {
	if o.ConfigPath == "" {
		return nil, nil
	}
	return config.Load(o.ConfigPath)
}

func (o *RootOptions) provider(ctx context.Context, logger *zap.Logger) (storage.Provider, error) {
	if o.Model == "" {
		return nil, nmterrors.NewConfigValidationError("model", o.Model, "--model is required")
	}
	if o.ModelStorage == "" {
		return nil, nmterrors.NewConfigValidationError("model_storage", o.ModelStorage, "--model_storage is required")
	}
	s3opts := o.S3
	return storage.NewProvider(ctx, o.ModelStorage, &s3opts, logger)
}

// loadConfig returns the model configuration merged with --config, or the
// --config file alone when no model is given.
func (o *RootOptions) loadConfig(ctx context.Context, workDir string, logger *zap.Logger) (config.Config, error) {
	extra, err := o.extraConfig()
	if err != nil {
		return nil, err
	}
	if o.Model == "" {
		if extra == nil {
			return nil, nmterrors.NewConfigValidationError("config", o.ConfigPath, "either --model or --config is required")
		}
		return extra, nil
	}

	provider, err := o.provider(ctx, logger)
	if err != nil {
		return nil, err
	}
	m, err := storage.Load(ctx, provider, o.Model, workDir, logger)
	if err != nil {
		return nil, err
	}
	if extra != nil {
		return m.Config.Merge(extra), nil
	}
	return m.Config, nil
}
