// Package batch groups streamed input lines into translation batches.
//
// Lines are accumulated until either the batch size or the wait time is
// reached and are then handed to a BatchHandler. Batches are flushed one at a
// time, in arrival order, so handlers can write results sequentially.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

var (
	// ErrProcessorClosed is returned when operations are attempted on a closed processor.
	ErrProcessorClosed = errors.New("batch processor is closed")

	// ErrBatchFull is returned when the line buffer is at capacity.
	ErrBatchFull = errors.New("batch buffer is full")

	// ErrHandlerFailed is returned when the batch handler fails.
	ErrHandlerFailed = errors.New("batch handler failed")
)

// BatchHandler processes batches of input lines.
type BatchHandler interface {
	// HandleBatch processes a batch and returns the number of lines handled.
	HandleBatch(ctx context.Context, batch []*models.InputLine) (processed int, err error)
}

// BatchHandlerFunc is a function adapter for BatchHandler.
type BatchHandlerFunc func(ctx context.Context, batch []*models.InputLine) (int, error)

// HandleBatch implements BatchHandler.
func (f BatchHandlerFunc) HandleBatch(ctx context.Context, batch []*models.InputLine) (int, error) {
	return f(ctx, batch)
}

// Metrics holds batch processor statistics.
type Metrics struct {
	TotalLines     int64
	TotalBatches   int64
	TotalProcessed int64
	// TotalDropped counts lines rejected by a full buffer or a failed handler.
	TotalDropped int64

	LastFlushTime     time.Time
	LastFlushDuration time.Duration
	LastBatchSize     int
}

// Config holds batch processor configuration.
type Config struct {
	// MaxBatchSize is the number of lines that triggers a flush.
	MaxBatchSize int

	// MaxWaitTime is the maximum time a line waits before being flushed.
	MaxWaitTime time.Duration

	// BufferSize is the capacity of the incoming line buffer.
	BufferSize int

	// FlushTimeout bounds a single handler call.
	FlushTimeout time.Duration

	// DropOnFull drops new lines instead of blocking when the buffer is full.
	DropOnFull bool

	Logger *zap.Logger
}

// DefaultConfig returns the default batch processor configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize: 32,
		MaxWaitTime:  time.Second,
		BufferSize:   1024,
		FlushTimeout: 5 * time.Minute,
		Logger:       logging.L(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return nmterrors.NewConfigValidationError("MaxBatchSize", c.MaxBatchSize, "must be positive")
	}
	if c.MaxWaitTime <= 0 {
		return nmterrors.NewConfigValidationError("MaxWaitTime", c.MaxWaitTime, "must be positive")
	}
	if c.BufferSize <= 0 {
		return nmterrors.NewConfigValidationError("BufferSize", c.BufferSize, "must be positive")
	}
	if c.FlushTimeout <= 0 {
		return nmterrors.NewConfigValidationError("FlushTimeout", c.FlushTimeout, "must be positive")
	}
	return nil
}

// Processor accumulates input lines and flushes them to a handler when
// either the batch size or the time threshold is reached.
type Processor struct {
	config  *Config
	handler BatchHandler
	logger  *zap.Logger

	lineCh chan *models.InputLine
	sendMu sync.RWMutex

	batch   []*models.InputLine
	batchMu sync.Mutex
	// flushMu keeps handler calls sequential
	flushMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	totalLines     atomic.Int64
	totalBatches   atomic.Int64
	totalProcessed atomic.Int64
	totalDropped   atomic.Int64

	lastMu            sync.RWMutex
	lastFlushTime     time.Time
	lastFlushDuration time.Duration
	lastBatchSize     int
}

// NewProcessor creates a batch processor and starts its loop.
func NewProcessor(cfg *Config, handler BatchHandler) (*Processor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, nmterrors.NewConfigValidationError("handler", nil, "batch handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		config:  cfg,
		handler: handler,
		logger:  logger.With(zap.String("component", "batch_processor")),
		lineCh:  make(chan *models.InputLine, cfg.BufferSize),
		batch:   make([]*models.InputLine, 0, cfg.MaxBatchSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(1)
	go p.processLoop()

	p.logger.Info("batch_processor_started",
		logging.BatchSize(cfg.MaxBatchSize),
		zap.Duration("max_wait_time", cfg.MaxWaitTime),
		zap.Int("buffer_size", cfg.BufferSize),
	)
	return p, nil
}

// Add queues a line. It blocks when the buffer is full unless DropOnFull is
// set, in which case the line is dropped and ErrBatchFull returned.
func (p *Processor) Add(line *models.InputLine) error {
	if line == nil {
		return nil
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed.Load() {
		return ErrProcessorClosed
	}

	if p.config.DropOnFull {
		select {
		case p.lineCh <- line:
			p.totalLines.Add(1)
			return nil
		default:
			p.totalDropped.Add(1)
			p.logger.Warn("line_dropped_buffer_full",
				zap.String("source", line.Source),
				zap.Int("line", line.Line),
			)
			return ErrBatchFull
		}
	}

	select {
	case p.lineCh <- line:
		p.totalLines.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrProcessorClosed
	}
}

// AddBatch queues several lines.
func (p *Processor) AddBatch(lines []*models.InputLine) error {
	for _, line := range lines {
		if err := p.Add(line); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces an immediate flush of the lines accumulated so far.
func (p *Processor) Flush(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProcessorClosed
	}
	return p.flushCurrent(ctx)
}

// Close stops accepting lines, drains the buffer and flushes what remains.
func (p *Processor) Close() error {
	var closeErr error
	p.closeOnce.Do(func() {
		p.sendMu.Lock()
		p.closed.Store(true)
		close(p.lineCh)
		p.sendMu.Unlock()

		p.wg.Wait()
		p.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), p.config.FlushTimeout)
		defer cancel()
		if err := p.flushCurrent(ctx); err != nil {
			p.logger.Error("final_flush_failed", zap.Error(err))
			closeErr = err
		}

		m := p.GetMetrics()
		p.logger.Info("batch_processor_stopped",
			zap.Int64("total_lines", m.TotalLines),
			zap.Int64("total_batches", m.TotalBatches),
			zap.Int64("total_processed", m.TotalProcessed),
			zap.Int64("total_dropped", m.TotalDropped),
		)
	})
	return closeErr
}

// GetMetrics returns a snapshot of the current metrics.
func (p *Processor) GetMetrics() Metrics {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return Metrics{
		TotalLines:        p.totalLines.Load(),
		TotalBatches:      p.totalBatches.Load(),
		TotalProcessed:    p.totalProcessed.Load(),
		TotalDropped:      p.totalDropped.Load(),
		LastFlushTime:     p.lastFlushTime,
		LastFlushDuration: p.lastFlushDuration,
		LastBatchSize:     p.lastBatchSize,
	}
}

// processLoop consumes lines until the channel is closed.
func (p *Processor) processLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.MaxWaitTime)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-p.lineCh:
			if !ok {
				return
			}
			p.batchMu.Lock()
			p.batch = append(p.batch, line)
			full := len(p.batch) >= p.config.MaxBatchSize
			p.batchMu.Unlock()

			if full {
				ctx, cancel := context.WithTimeout(p.ctx, p.config.FlushTimeout)
				if err := p.flushCurrent(ctx); err != nil {
					p.logger.Error("batch_flush_failed", zap.Error(err))
				}
				cancel()
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, p.config.FlushTimeout)
			if err := p.flushCurrent(ctx); err != nil {
				p.logger.Error("periodic_flush_failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (p *Processor) flushCurrent(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.batchMu.Lock()
	batch := p.batch
	p.batch = make([]*models.InputLine, 0, p.config.MaxBatchSize)
	p.batchMu.Unlock()

	return p.flushBatch(ctx, batch)
}

// flushBatch hands a batch to the handler. Callers hold flushMu.
func (p *Processor) flushBatch(ctx context.Context, batch []*models.InputLine) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	p.logger.Debug("flushing_batch", logging.BatchSize(len(batch)))

	processed, err := p.handler.HandleBatch(ctx, batch)
	duration := time.Since(start)

	p.totalBatches.Add(1)
	p.totalProcessed.Add(int64(processed))

	p.lastMu.Lock()
	p.lastFlushTime = time.Now()
	p.lastFlushDuration = duration
	p.lastBatchSize = len(batch)
	p.lastMu.Unlock()

	if err != nil {
		dropped := len(batch) - processed
		p.totalDropped.Add(int64(dropped))
		p.logger.Error("batch_handler_failed",
			logging.BatchSize(len(batch)),
			zap.Int("processed", processed),
			zap.Int("dropped", dropped),
			logging.Duration(duration),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrHandlerFailed, err)
	}

	p.logger.Info("batch_flushed",
		logging.BatchSize(len(batch)),
		zap.Int("processed", processed),
		logging.Duration(duration),
	)
	return nil
}
