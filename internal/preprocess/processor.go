package preprocess

import (
	"context"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

// NumWorkersEnv names the environment variable holding the CPU count.
const NumWorkersEnv = "NB_CPU"

// Result is a processed batch.
type Result struct {
	Outputs []models.Output
	Meta    *models.BatchMeta
}

// Loader produces batches. Implementations must stop when ctx is done.
type Loader interface {
	Load(ctx context.Context, out chan<- *models.Batch) error
}

// LoaderFunc is a function adapter for Loader.
type LoaderFunc func(ctx context.Context, out chan<- *models.Batch) error

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, out chan<- *models.Batch) error {
	return f(ctx, out)
}

// Consumer receives processed batches in loading order.
type Consumer interface {
	Consume(ctx context.Context, result *Result) error
}

// ConsumerFunc is a function adapter for Consumer.
type ConsumerFunc func(ctx context.Context, result *Result) error

// Consume implements Consumer.
func (f ConsumerFunc) Consume(ctx context.Context, result *Result) error {
	return f(ctx, result)
}

// Finalizer is implemented by consumers that write their output once every
// batch has been consumed.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// Finalize calls c.Finalize when c implements Finalizer.
func Finalize(ctx context.Context, c Consumer) error {
	if f, ok := c.(Finalizer); ok {
		return f.Finalize(ctx)
	}
	return nil
}

// ProcessOptions configures a Process call.
type ProcessOptions struct {
	// ExitStep stops the preprocess operator list after this index.
	ExitStep *int
	// Options holds runtime options per operator name.
	Options map[string]any
	// Pipeline is reused while batch labels match its labels.
	Pipeline *Pipeline
}

// WorkersFromEnv returns the worker count from NB_CPU: the CPU count when
// above 1, otherwise 0 for sequential processing.
func WorkersFromEnv() int {
	n, err := strconv.Atoi(os.Getenv(NumWorkersEnv))
	if err != nil || n <= 1 {
		return 0
	}
	return n
}

// Processor runs a pipeline over the batches of a loader.
type Processor struct {
	cfg        config.Config
	pt         models.ProcessType
	numWorkers int
	shared     *SharedState
	logger     *zap.Logger
}

// NewProcessor creates a processor. A negative numWorkers reads the worker
// count from the environment.
func NewProcessor(cfg config.Config, pt models.ProcessType, numWorkers int, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = logging.L()
	}
	if numWorkers < 0 {
		numWorkers = WorkersFromEnv()
	}
	return &Processor{
		cfg:        cfg,
		pt:         pt,
		numWorkers: numWorkers,
		shared:     NewSharedState(cfg, pt, nil, logger),
		logger:     logger.With(zap.String("component", "processor"), zap.String("process_type", pt.String())),
	}
}

// Config returns the processor configuration.
func (p *Processor) Config() config.Config {
	return p.cfg
}

// ProcessType returns the processor process type.
func (p *Processor) ProcessType() models.ProcessType {
	return p.pt
}

// NumWorkers returns the worker count. Zero means sequential processing.
func (p *Processor) NumWorkers() int {
	return p.numWorkers
}

// BuildPipeline builds a pipeline for cfg sharing the processor objects.
func (p *Processor) BuildPipeline(cfg config.Config, labels []string, exitStep *int) (*Pipeline, error) {
	shared, err := p.shared.Get(labels)
	if err != nil {
		return nil, err
	}
	return NewPipeline(cfg, p.pt, PipelineOptions{
		ExitStep: exitStep,
		Labels:   labels,
		Shared:   shared,
		Logger:   p.logger,
	})
}

// processBatch rebuilds the pipeline when the batch labels differ from the
// pipeline labels, then applies it.
func (p *Processor) processBatch(pipeline *Pipeline, batch *models.Batch, opts ProcessOptions) (*Result, *Pipeline, error) {
	labels := models.NewLabels(batch.Meta.Labels...)
	if pipeline == nil || pipeline.LabelKey() != models.LabelKey(labels) {
		if len(labels) == 0 {
			p.logger.Info("building_default_pipeline")
		} else {
			p.logger.Info("building_pipeline", zap.Strings("labels", labels))
		}
		var err error
		if pipeline, err = p.BuildPipeline(p.cfg, labels, opts.ExitStep); err != nil {
			return nil, nil, err
		}
	}

	p.logger.Debug("processing_batch", logging.Count(batch.Len()), logging.Corpus(batch.Meta.BaseName))
	out, err := pipeline.Apply(batch, opts.Options)
	if err != nil {
		return nil, pipeline, err
	}
	outputs := make([]models.Output, 0, out.Len())
	for _, tu := range out.TUs {
		outputs = append(outputs, tu.Export(pipeline.ProcessType()))
	}
	return &Result{Outputs: outputs, Meta: out.Meta}, pipeline, nil
}

// Process loads batches, applies the pipeline and passes results to the
// consumer in loading order. With workers, at most twice the worker count of
// batches are in flight.
func (p *Processor) Process(ctx context.Context, loader Loader, consumer Consumer, opts ProcessOptions) error {
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan *models.Batch)

	g.Go(func() error {
		defer close(batches)
		return loader.Load(gctx, batches)
	})

	if p.numWorkers == 0 {
		p.logger.Info("processing_started")
		g.Go(func() error {
			pipeline := opts.Pipeline
			for batch := range batches {
				if batch.Meta == nil {
					batch.Meta = &models.BatchMeta{}
				}
				var (
					result *Result
					err    error
				)
				result, pipeline, err = p.processBatch(pipeline, batch, opts)
				if err != nil {
					return err
				}
				if err := consumer.Consume(gctx, result); err != nil {
					return err
				}
			}
			return nil
		})
		return g.Wait()
	}

	p.logger.Info("processing_started", zap.Int("workers", p.numWorkers))

	type outcome struct {
		result *Result
		err    error
	}
	type job struct {
		batch *models.Batch
		done  chan outcome
	}
	jobs := make(chan job)
	pending := make(chan chan outcome, 2*p.numWorkers)

	// Dispatcher: queues result slots in loading order before handing batches to workers.
	g.Go(func() error {
		defer close(jobs)
		defer close(pending)
		for batch := range batches {
			if batch.Meta == nil {
				batch.Meta = &models.BatchMeta{}
			}
			done := make(chan outcome, 1)
			select {
			case pending <- done:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- job{batch: batch, done: done}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < p.numWorkers; w++ {
		worker := w
		g.Go(func() error {
			pipeline := opts.Pipeline
			for j := range jobs {
				var (
					result *Result
					err    error
				)
				result, pipeline, err = p.processBatch(pipeline, j.batch, opts)
				if err != nil {
					err = nmterrors.NewWorkerFailedError(j.batch.Meta.BaseName, worker, err)
				}
				j.done <- outcome{result: result, err: err}
			}
			return nil
		})
	}

	g.Go(func() error {
		for done := range pending {
			var o outcome
			select {
			case o = <-done:
			case <-gctx.Done():
				return gctx.Err()
			}
			if o.err != nil {
				return o.err
			}
			if err := consumer.Consume(gctx, o.result); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}
