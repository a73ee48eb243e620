package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nmtwizard/internal/batch"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/ingestion"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
	"nmtwizard/internal/parser"
	"nmtwizard/internal/service"
)

// Output formats of the translate command.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// TranslateOptions holds options for the translate command.
type TranslateOptions struct {
	Path         string
	Follow       bool
	Output       string
	Format       string
	BatchSize    int
	BatchTimeout time.Duration
	BufferSize   int
	Timeout      time.Duration
	CacheDir     string
	Backend      *BackendOptions
}

// DefaultTranslateOptions returns the default translate options.
func DefaultTranslateOptions() *TranslateOptions {
	return &TranslateOptions{
		Path:         "-",
		Format:       FormatText,
		BatchSize:    service.DefaultMaxBatchSize,
		BatchTimeout: time.Second,
		BufferSize:   1024,
		Backend:      DefaultBackendOptions(),
	}
}

// Validate validates the options.
func (o *TranslateOptions) Validate() error {
	if o.Format != FormatText && o.Format != FormatJSON {
		return nmterrors.NewConfigValidationError("format", o.Format, "must be text or json")
	}
	if o.Follow && o.Path == "-" {
		return nmterrors.NewConfigValidationError("follow", o.Follow, "cannot follow stdin")
	}
	return nil
}

// Translator is the part of the service used by the translate command.
type Translator interface {
	Translate(ctx context.Context, req *service.Request) (*service.Response, error)
}

// TranslateRunner streams input lines through a translation service.
type TranslateRunner struct {
	options *TranslateOptions
	logger  *zap.Logger
	parser  *parser.Registry
	svc     Translator
	out     *bufio.Writer
	failed  atomic.Int64
}

// NewTranslateRunner creates a runner writing results to out.
func NewTranslateRunner(opts *TranslateOptions, svc Translator, out io.Writer) (*TranslateRunner, error) {
	if opts == nil {
		opts = DefaultTranslateOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &TranslateRunner{
		options: opts,
		logger:  logging.L().With(zap.String("command", "translate"), logging.Path(opts.Path)),
		parser:  parser.NewRegistry(),
		svc:     svc,
		out:     bufio.NewWriter(out),
	}, nil
}

// Run reads the input until EOF, or until ctx ends in follow mode.
func (r *TranslateRunner) Run(ctx context.Context) error {
	source, err := r.createSource()
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	processor, err := batch.NewProcessor(&batch.Config{
		MaxBatchSize: r.options.BatchSize,
		MaxWaitTime:  r.options.BatchTimeout,
		BufferSize:   r.options.BufferSize,
		FlushTimeout: 5 * time.Minute,
		Logger:       r.logger,
	}, batch.BatchHandlerFunc(r.handleBatch))
	if err != nil {
		return err
	}

	lineCh := make(chan *models.InputLine, r.options.BufferSize)
	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- source.Read(ctx, lineCh)
		close(lineCh)
	}()

	start := time.Now()
	for line := range lineCh {
		if err := processor.Add(line); err != nil {
			r.logger.Warn("failed_to_add_line", zap.Int("line", line.Line), zap.Error(err))
		}
	}

	readErr := <-readErrCh
	if err := processor.Close(); err != nil {
		r.logger.Error("batch_processor_close_error", zap.Error(err))
	}

	metrics := processor.GetMetrics()
	r.logger.Info("translation_complete",
		zap.Int64("lines", metrics.TotalLines),
		zap.Int64("translated", metrics.TotalProcessed),
		zap.Int64("failed", metrics.TotalDropped),
		zap.Int64("batches", metrics.TotalBatches),
		logging.Duration(time.Since(start)),
	)

	if readErr != nil && ctx.Err() == nil {
		return readErr
	}
	if failed := r.failed.Load(); failed > 0 {
		return fmt.Errorf("%d lines failed to translate", failed)
	}
	return nil
}

func (r *TranslateRunner) createSource() (ingestion.Source, error) {
	if r.options.Path == "-" {
		return ingestion.NewStdinSource(r.logger), nil
	}
	if _, err := os.Stat(r.options.Path); err != nil {
		return nil, nmterrors.NewCorpusReadError(r.options.Path, err)
	}
	return ingestion.NewFileSource(r.options.Path, r.options.Follow, r.logger), nil
}

// handleBatch translates a batch and writes one result per line. Failed
// lines are written with their error so that outputs stay aligned.
func (r *TranslateRunner) handleBatch(ctx context.Context, lines []*models.InputLine) (int, error) {
	req := &service.Request{Src: make([]models.Example, len(lines))}
	for i, line := range lines {
		req.Src[i] = *r.parser.Parse(line)
	}
	if r.options.Timeout > 0 {
		req.Options = map[string]any{"timeout": r.options.Timeout.Seconds()}
	}

	resp, err := r.svc.Translate(ctx, req)
	results := make([]models.TranslationResult, len(lines))
	for i, line := range lines {
		results[i] = models.TranslationResult{Source: req.Src[i].Text, Line: line.Line}
		if err != nil {
			results[i].Error = err.Error()
		} else {
			results[i].Translations = resp.Tgt[i]
		}
	}
	if werr := r.write(results); werr != nil {
		return 0, werr
	}
	if err != nil {
		r.failed.Add(int64(len(lines)))
		return 0, err
	}
	return len(lines), nil
}

func (r *TranslateRunner) write(results []models.TranslationResult) error {
	for _, res := range results {
		if r.options.Format == FormatJSON {
			data, err := json.Marshal(res)
			if err != nil {
				return err
			}
			if _, err := r.out.Write(append(data, '\n')); err != nil {
				return err
			}
			continue
		}
		text := ""
		if len(res.Translations) > 0 {
			text = res.Translations[0].Text
		}
		if _, err := r.out.WriteString(text + "\n"); err != nil {
			return err
		}
	}
	return r.out.Flush()
}

// RunTranslate loads the model and translates the input.
func RunTranslate(ctx context.Context, root *RootOptions, opts *TranslateOptions, stdout io.Writer) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	logger := logging.L().With(zap.String("command", "translate"), logging.Model(root.Model))

	sopts := service.DefaultOptions()
	sopts.MaxBatchSize = opts.BatchSize
	svc, cleanup, err := openService(ctx, root, opts.Backend, sopts, opts.CacheDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	out := stdout
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return nmterrors.NewStorageWriteError(opts.Output, err.Error())
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	runner, err := NewTranslateRunner(opts, svc, out)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func newTranslateCmd(root *RootOptions) *cobra.Command {
	opts := DefaultTranslateOptions()

	cmd := &cobra.Command{
		Use:   "translate [path|-]",
		Short: "Translate a file or stdin",
		Long: `Translate input lines with the model.
Lines are JSON objects ({"text", "target_prefix", "options"}), tab separated
source and target prefix, or plain text.

Examples:
  nmtwizard --model ende --model_storage /models translate input.txt
  cat input.txt | nmtwizard --model ende --model_storage /models translate -
  nmtwizard --model ende --model_storage /models translate input.txt --follow --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Path = args[0]
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return RunTranslate(ctx, root, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Follow, "follow", opts.Follow, "follow the file for new lines (like tail -f)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", opts.Output, "output file (default stdout)")
	cmd.Flags().StringVar(&opts.Format, "format", opts.Format, "output format: text or json")
	cmd.Flags().IntVar(&opts.BatchSize, "batch_size", opts.BatchSize, "number of lines per translation batch")
	cmd.Flags().DurationVar(&opts.BatchTimeout, "batch_timeout", opts.BatchTimeout, "max time before flushing a partial batch")
	cmd.Flags().IntVar(&opts.BufferSize, "buffer_size", opts.BufferSize, "input line buffer size")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", opts.Timeout, "per batch translation timeout (0 disables it)")
	cmd.Flags().StringVar(&opts.CacheDir, "cache_dir", opts.CacheDir, "directory of the translation cache (disabled when empty)")
	opts.Backend.addFlags(cmd)
	return cmd
}
