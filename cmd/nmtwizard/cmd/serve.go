package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nmtwizard/internal/backend"
	"nmtwizard/internal/cache"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/server"
	"nmtwizard/internal/service"
)

// BackendOptions selects the model server used by serve and translate.
type BackendOptions struct {
	Kind    string
	Address string
	// ModelName is the served model name. It defaults to --model.
	ModelName string
	// Command launches the model server before serving when set.
	Command      string
	Timeout      time.Duration
	ReadyTimeout time.Duration
}

// DefaultBackendOptions returns the default backend options.
func DefaultBackendOptions() *BackendOptions {
	d := backend.DefaultConfig()
	return &BackendOptions{
		Kind:         string(d.Kind),
		Address:      d.Address,
		Timeout:      d.Timeout,
		ReadyTimeout: backend.DefaultLauncherOptions().ReadyTimeout,
	}
}

func (b *BackendOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&b.Kind, "backend", b.Kind, "model server protocol: rest, grpc or echo")
	cmd.Flags().StringVar(&b.Address, "backend_addr", b.Address, "model server address, a URL for rest and host:port for grpc")
	cmd.Flags().StringVar(&b.ModelName, "backend_model", b.ModelName, "served model name (default --model)")
	cmd.Flags().StringVar(&b.Command, "backend_cmd", b.Command, "command launching the model server")
	cmd.Flags().DurationVar(&b.Timeout, "backend_timeout", b.Timeout, "model server call timeout")
	cmd.Flags().DurationVar(&b.ReadyTimeout, "backend_ready_timeout", b.ReadyTimeout, "time to wait for a launched model server")
}

// open creates the translator. With a command, the model server is launched
// first and stopped by the returned cleanup.
func (b *BackendOptions) open(ctx context.Context, model string, logger *zap.Logger) (backend.Translator, func(), error) {
	cfg := &backend.Config{
		Kind:      backend.Kind(b.Kind),
		Address:   b.Address,
		ModelName: b.ModelName,
		Timeout:   b.Timeout,
		Logger:    logger,
	}
	if cfg.ModelName == "" {
		cfg.ModelName = model
	}
	tr, err := backend.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if b.Command == "" {
		return tr, func() { _ = tr.Close() }, nil
	}

	lopts := backend.DefaultLauncherOptions()
	lopts.Command = strings.Fields(b.Command)
	lopts.ReadyTimeout = b.ReadyTimeout
	launcher, err := backend.NewLauncher(lopts, tr.Ready, logger)
	if err != nil {
		_ = tr.Close()
		return nil, nil, err
	}
	if err := launcher.Start(ctx); err != nil {
		_ = tr.Close()
		return nil, nil, err
	}
	return tr, func() {
		_ = tr.Close()
		if err := launcher.Stop(); err != nil {
			logger.Warn("backend_stop_failed", zap.Error(err))
		}
	}, nil
}

// openService loads the model and returns a service with its cleanup.
func openService(ctx context.Context, root *RootOptions, bopts *BackendOptions, sopts *service.Options, cacheDir string, logger *zap.Logger) (*service.Service, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	workDir, removeWorkDir, err := root.workDir()
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, removeWorkDir)

	provider, err := root.provider(ctx, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	extra, err := root.extraConfig()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var c *cache.Cache
	if cacheDir != "" {
		c, err = cache.Open(cacheDir, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { _ = c.Close() })
	}

	tr, closeBackend, err := bopts.open(ctx, root.Model, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, closeBackend)

	sopts.Model = root.Model
	sopts.WorkDir = workDir
	sopts.ExtraConfig = extra
	sopts.Logger = logger
	svc, err := service.New(ctx, sopts, provider, tr, c)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
}

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	Host           string
	Port           int
	Backend        *BackendOptions
	MaxBatchSize   int
	Timeout        time.Duration
	MaxConcurrency int
	CacheDir       string
}

// DefaultServeOptions returns the default serve options.
func DefaultServeOptions() *ServeOptions {
	srv := server.DefaultOptions()
	svc := service.DefaultOptions()
	return &ServeOptions{
		Host:           srv.Host,
		Port:           srv.Port,
		Backend:        DefaultBackendOptions(),
		MaxBatchSize:   svc.MaxBatchSize,
		Timeout:        svc.Timeout,
		MaxConcurrency: svc.MaxConcurrency,
	}
}

// RunServe loads the model and serves it until ctx is cancelled.
func RunServe(ctx context.Context, root *RootOptions, opts *ServeOptions) error {
	logger := logging.L().With(zap.String("command", "serve"), logging.Model(root.Model))

	sopts := service.DefaultOptions()
	sopts.MaxBatchSize = opts.MaxBatchSize
	sopts.Timeout = opts.Timeout
	sopts.MaxConcurrency = opts.MaxConcurrency

	svc, cleanup, err := openService(ctx, root, opts.Backend, sopts, opts.CacheDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srvOpts := server.DefaultOptions()
	srvOpts.Host = opts.Host
	srvOpts.Port = opts.Port
	srvOpts.Logger = logger
	return server.Run(ctx, svc, srvOpts)
}

func newServeCmd(root *RootOptions) *cobra.Command {
	opts := DefaultServeOptions()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the model over HTTP",
		Long: `Load the model and serve translations over HTTP.

Examples:
  nmtwizard --model ende --model_storage /models serve
  nmtwizard --model ende --model_storage s3://models/nmt serve --backend grpc --backend_addr localhost:9000
  nmtwizard --model ende --model_storage /models serve --backend_cmd "tensorflow_model_server --rest_api_port=8501 --model_base_path=/models/ende"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return RunServe(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", opts.Host, "listen host")
	cmd.Flags().IntVar(&opts.Port, "port", opts.Port, "listen port")
	cmd.Flags().IntVar(&opts.MaxBatchSize, "max_batch_size", opts.MaxBatchSize, "maximum examples per model server call")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", opts.Timeout, "default request timeout (0 disables it)")
	cmd.Flags().IntVar(&opts.MaxConcurrency, "max_concurrency", opts.MaxConcurrency, "maximum concurrent model server calls")
	cmd.Flags().StringVar(&opts.CacheDir, "cache_dir", opts.CacheDir, "directory of the translation cache (disabled when empty)")
	opts.Backend.addFlags(cmd)
	return cmd
}
