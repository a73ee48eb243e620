// Package service runs translation requests through preprocessing, the
// translation backend and postprocessing for a loaded model.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"nmtwizard/internal/backend"
	"nmtwizard/internal/cache"
	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
	"nmtwizard/internal/preprocess"
	"nmtwizard/internal/storage"
)

const (
	// DefaultMaxBatchSize is the number of examples sent in one backend call.
	DefaultMaxBatchSize = 32

	// Request options consumed by the service. Other options go to the backend.
	optionMaxBatchSize = "max_batch_size"
	optionTimeout      = "timeout"
)

// Status values.
const (
	StatusReady    = "ready"
	StatusUnloaded = "unloaded"
)

// Options configures a Service.
type Options struct {
	// Model is the model name in the storage.
	Model string
	// WorkDir receives fetched and extracted models.
	WorkDir string
	// ExtraConfig is merged over the model configuration.
	ExtraConfig config.Config
	// MaxBatchSize bounds the examples per backend call.
	MaxBatchSize int
	// Timeout bounds each request when positive. Requests may override it.
	Timeout time.Duration
	// MaxConcurrency bounds concurrent backend calls across requests.
	MaxConcurrency int
	Logger         *zap.Logger
}

// DefaultOptions returns the default service options.
func DefaultOptions() *Options {
	return &Options{
		MaxBatchSize:   DefaultMaxBatchSize,
		MaxConcurrency: 4,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Model == "" {
		return nmterrors.NewConfigValidationError("model", o.Model, "model name is required")
	}
	if o.MaxBatchSize <= 0 {
		return nmterrors.NewConfigValidationError("max_batch_size", o.MaxBatchSize, "must be positive")
	}
	if o.MaxConcurrency <= 0 {
		return nmterrors.NewConfigValidationError("max_concurrency", o.MaxConcurrency, "must be positive")
	}
	if o.Timeout < 0 {
		return nmterrors.NewConfigValidationError("timeout", o.Timeout, "must be non-negative")
	}
	return nil
}

// Request is a translation request.
type Request struct {
	Src []models.Example `json:"src"`
	// Options holds max_batch_size, timeout (seconds) and backend options.
	Options map[string]any `json:"options,omitempty"`
}

// Response holds the hypotheses of each source example, in request order.
type Response struct {
	Tgt [][]models.Translation `json:"tgt"`
}

// Status describes the served model.
type Status struct {
	Status string       `json:"status"`
	Model  string       `json:"model"`
	Digest string       `json:"digest,omitempty"`
	Cache  *cache.Stats `json:"cache,omitempty"`
}

type loadedModel struct {
	model *storage.Model
	pre   *preprocess.InferenceProcessor
	post  *preprocess.InferenceProcessor
}

// Service translates requests with a loaded model.
type Service struct {
	opts       *Options
	provider   storage.Provider
	translator backend.Translator
	cache      *cache.Cache
	sem        *semaphore.Weighted
	logger     *zap.Logger

	mu     sync.RWMutex
	loaded *loadedModel
}

// New creates a service and loads the model. c may be nil to disable caching.
func New(ctx context.Context, opts *Options, provider storage.Provider, translator backend.Translator, c *cache.Cache) (*Service, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	s := &Service{
		opts:       opts,
		provider:   provider,
		translator: translator,
		cache:      c,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		logger:     logger.With(zap.String("component", "translation_service"), logging.Model(opts.Model)),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload fetches the model again and rebuilds its processors. The current
// model keeps serving until the new one is ready.
func (s *Service) Reload(ctx context.Context) error {
	start := time.Now()
	m, err := storage.Load(ctx, s.provider, s.opts.Model, s.opts.WorkDir, s.logger)
	if err != nil {
		return err
	}
	cfg := m.Config
	if len(s.opts.ExtraConfig) > 0 {
		cfg = cfg.Merge(s.opts.ExtraConfig)
		m.Config = cfg
	}
	pre, err := preprocess.NewInferenceProcessor(cfg, false, s.logger)
	if err != nil {
		return err
	}
	post, err := preprocess.NewInferenceProcessor(cfg, true, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.loaded = &loadedModel{model: m, pre: pre, post: post}
	s.mu.Unlock()

	s.logger.Info("model_ready",
		zap.String("digest", m.Digest.String()),
		logging.Duration(time.Since(start)),
	)
	return nil
}

// Unload releases the model. Translation requests fail until Reload.
func (s *Service) Unload() {
	s.mu.Lock()
	s.loaded = nil
	s.mu.Unlock()
	s.logger.Info("model_unloaded")
}

func (s *Service) current() *loadedModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Status returns the model status.
func (s *Service) Status() Status {
	st := Status{Status: StatusUnloaded, Model: s.opts.Model}
	if m := s.current(); m != nil {
		st.Status = StatusReady
		st.Digest = m.model.Digest.String()
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		st.Cache = &stats
	}
	return st
}

// Ready reports whether the model is loaded and the backend is ready.
func (s *Service) Ready(ctx context.Context) error {
	if s.current() == nil {
		return nmterrors.NewModelUnloadedError(s.opts.Model)
	}
	return s.translator.Ready(ctx)
}

type requestOptions struct {
	maxBatchSize int
	timeout      time.Duration
	backend      backend.Options
}

func (s *Service) parseOptions(raw map[string]any) (*requestOptions, error) {
	opts := &requestOptions{maxBatchSize: s.opts.MaxBatchSize, timeout: s.opts.Timeout}
	rest := make(map[string]any, len(raw))
	for k, v := range raw {
		rest[k] = v
	}
	if v, ok := rest[optionMaxBatchSize]; ok {
		n, isNum := config.AsNumber(v)
		if !isNum || n < 1 {
			return nil, nmterrors.NewRequestInvalidError("option 'max_batch_size' must be a positive integer")
		}
		opts.maxBatchSize = int(n)
		delete(rest, optionMaxBatchSize)
	}
	if v, ok := rest[optionTimeout]; ok {
		n, isNum := config.AsNumber(v)
		if !isNum || n <= 0 {
			return nil, nmterrors.NewRequestInvalidError("option 'timeout' must be a positive number of seconds")
		}
		opts.timeout = time.Duration(n * float64(time.Second))
		delete(rest, optionTimeout)
	}
	b, err := backend.ParseOptions(rest)
	if err != nil {
		return nil, err
	}
	opts.backend = b
	return opts, nil
}

// Translate preprocesses, translates and postprocesses the request examples.
func (s *Service) Translate(ctx context.Context, req *Request) (*Response, error) {
	m := s.current()
	if m == nil {
		return nil, nmterrors.NewModelUnloadedError(s.opts.Model)
	}
	if req == nil || len(req.Src) == 0 {
		return nil, nmterrors.NewRequestInvalidError("missing src field")
	}
	opts, err := s.parseOptions(req.Options)
	if err != nil {
		return nil, err
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.translate(ctx, m, req.Src, opts)
	if err != nil {
		if opts.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = nmterrors.NewRequestTimeoutError(opts.timeout.Seconds())
		}
		s.logger.Warn("translation_failed", logging.Count(len(req.Src)), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("translation_done", logging.Count(len(req.Src)), logging.Duration(time.Since(start)))
	return resp, nil
}

func (s *Service) translate(ctx context.Context, m *loadedModel, src []models.Example, opts *requestOptions) (*Response, error) {
	preprocessed, err := s.preprocess(ctx, m, src)
	if err != nil {
		return nil, err
	}
	inputs := make([]*backend.TranslationInput, len(preprocessed))
	for i, p := range preprocessed {
		inputs[i] = &backend.TranslationInput{Tokens: p.SourceTokens, TargetPrefix: p.TargetTokens}
	}
	hyps, err := s.translateInputs(ctx, m, inputs, opts)
	if err != nil {
		return nil, err
	}
	tgt, err := s.postprocess(ctx, m, src, preprocessed, hyps)
	if err != nil {
		return nil, err
	}
	return &Response{Tgt: tgt}, nil
}

func workerLimit(n int) int {
	return min(n, runtime.NumCPU())
}

func (s *Service) preprocess(ctx context.Context, m *loadedModel, src []models.Example) ([]*preprocess.Preprocessed, error) {
	out := make([]*preprocess.Preprocessed, len(src))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(len(src)))
	for i := range src {
		ex := src[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := m.pre.Preprocess(preprocess.Example{
				Source:   ex.Text,
				Target:   ex.TargetPrefix,
				Metadata: ex.Metadata,
				Config:   ex.Config,
				Options:  ex.Options,
			})
			if err != nil {
				return fmt.Errorf("example %d: %w", i, err)
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// translateInputs serves inputs from the cache and sends the others to the
// backend in chunks of at most maxBatchSize.
func (s *Service) translateInputs(ctx context.Context, m *loadedModel, inputs []*backend.TranslationInput, opts *requestOptions) ([][]backend.Hypothesis, error) {
	out := make([][]backend.Hypothesis, len(inputs))
	var pending []int
	for i, in := range inputs {
		if s.cache != nil {
			hyps, ok, err := s.cache.Get(cache.Key(m.model.Digest, in, opts.backend))
			if err != nil {
				s.logger.Warn("cache_read_failed", zap.Error(err))
			} else if ok {
				out[i] = hyps
				continue
			}
		}
		pending = append(pending, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for begin := 0; begin < len(pending); begin += opts.maxBatchSize {
		chunk := pending[begin:min(begin+opts.maxBatchSize, len(pending))]
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			batch := make([]*backend.TranslationInput, len(chunk))
			for j, idx := range chunk {
				batch[j] = inputs[idx]
			}
			results, err := s.translator.Translate(gctx, batch, opts.backend)
			if err != nil {
				return err
			}
			if len(results) != len(batch) {
				return nmterrors.NewBackendProtocolError(fmt.Sprintf("expected %d results, got %d", len(batch), len(results)))
			}
			for j, idx := range chunk {
				out[idx] = results[j]
				if s.cache != nil {
					if err := s.cache.Put(cache.Key(m.model.Digest, batch[j], opts.backend), results[j]); err != nil {
						s.logger.Warn("cache_write_failed", zap.Error(err))
					}
				}
			}
			s.logger.Debug("batch_translated", logging.BatchSize(len(batch)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) postprocess(ctx context.Context, m *loadedModel, src []models.Example, pre []*preprocess.Preprocessed, hyps [][]backend.Hypothesis) ([][]models.Translation, error) {
	out := make([][]models.Translation, len(src))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(len(src)))
	for i := range src {
		out[i] = make([]models.Translation, len(hyps[i]))
		for k := range hyps[i] {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				text, err := m.post.Postprocess(preprocess.Example{
					SourceTokens: pre[i].SourceTokens,
					TargetTokens: hyps[i][k].Tokens,
					Metadata:     pre[i].Metadata,
					Config:       src[i].Config,
					Options:      src[i].Options,
				})
				if err != nil {
					return fmt.Errorf("example %d: %w", i, err)
				}
				out[i][k] = models.Translation{Text: text, Score: hyps[i][k].Score}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
