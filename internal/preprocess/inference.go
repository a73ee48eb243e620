package preprocess

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

var errEmptyOutput = errors.New("pipeline returned no translation unit")

// Example is one translation example processed at inference.
type Example struct {
	// Source and Target are the texts in preprocess. An empty Target means no target.
	Source string
	Target string
	// SourceTokens and TargetTokens are the tokens in postprocess.
	SourceTokens []string
	TargetTokens []string
	TargetName   string
	Metadata     any
	// Config is merged over the processor configuration for this example only.
	Config config.Config
	// Options holds runtime options per operator name.
	Options map[string]any
}

// Preprocessed is the result of preprocessing an example.
type Preprocessed struct {
	SourceTokens []string
	// TargetTokens is nil when the example has no target.
	TargetTokens []string
	Metadata     any
}

// InferenceProcessor preprocesses or postprocesses single examples and files
// at inference. It is safe for concurrent use.
type InferenceProcessor struct {
	*Processor
	postprocess bool
	pipeline    *Pipeline
	logger      *zap.Logger
}

// NewInferenceProcessor creates a processor and builds its default pipeline.
func NewInferenceProcessor(cfg config.Config, postprocess bool, logger *zap.Logger) (*InferenceProcessor, error) {
	if logger == nil {
		logger = logging.L()
	}
	pt := models.Inference
	if postprocess {
		pt = models.Postprocess
	}
	p := &InferenceProcessor{
		Processor:   NewProcessor(cfg, pt, 0, logger),
		postprocess: postprocess,
		logger:      logger.With(zap.String("component", "inference_processor"), zap.Bool("postprocess", postprocess)),
	}
	pipeline, err := p.BuildPipeline(cfg, nil, nil)
	if err != nil {
		return nil, err
	}
	p.pipeline = pipeline
	return p, nil
}

// Pipeline returns the default pipeline.
func (p *InferenceProcessor) Pipeline() *Pipeline {
	return p.pipeline
}

// pipelineFor returns the default pipeline, or a pipeline built for the
// example configuration override.
func (p *InferenceProcessor) pipelineFor(override config.Config) (*Pipeline, error) {
	if len(override) == 0 {
		return p.pipeline, nil
	}
	if config.IsV2(p.Config()) {
		return nil, nmterrors.NewRequestInvalidError("Configuration override is not supported for V2 configurations")
	}
	return NewPipeline(p.Config().Merge(override), p.ProcessType(), PipelineOptions{Logger: p.logger})
}

func (p *InferenceProcessor) run(ex Example) (*models.TranslationUnit, error) {
	pipeline, err := p.pipelineFor(ex.Config)
	if err != nil {
		return nil, err
	}
	start := pipeline.StartState()

	var tu *models.TranslationUnit
	if p.postprocess {
		tu = models.NewTokenizedTranslationUnit(ex.SourceTokens, ex.Metadata, start.SrcTokenizerFor())
		if ex.TargetTokens != nil {
			tu.AddTargetTokens(ex.TargetTokens, ex.TargetName, start.TgtTokenizerFor())
		}
	} else {
		tu = models.NewTranslationUnit(ex.Source, ex.Metadata, start.SrcTokenizerFor())
		if ex.Target != "" {
			tu.AddTarget(ex.Target, ex.TargetName, start.TgtTokenizerFor())
		}
	}

	out, err := pipeline.Apply(models.NewBatch([]*models.TranslationUnit{tu}, nil), ex.Options)
	if err != nil {
		return nil, err
	}
	if out.Len() == 0 {
		return nil, nmterrors.NewOperatorFailedError("pipeline", errEmptyOutput)
	}
	return out.TUs[0], nil
}

// Preprocess tokenizes an example.
func (p *InferenceProcessor) Preprocess(ex Example) (*Preprocessed, error) {
	if p.postprocess {
		return nil, nmterrors.NewRequestInvalidError("processor is configured for postprocessing")
	}
	tu, err := p.run(ex)
	if err != nil {
		return nil, err
	}
	res := &Preprocessed{SourceTokens: tu.Source().Tokens(), Metadata: tu.Metadata}
	if target := tu.MainTarget(); target != nil {
		res.TargetTokens = target.Tokens()
	}
	return res, nil
}

// Postprocess detokenizes the target tokens of an example.
func (p *InferenceProcessor) Postprocess(ex Example) (string, error) {
	if !p.postprocess {
		return "", nmterrors.NewRequestInvalidError("processor is configured for preprocessing")
	}
	tu, err := p.run(ex)
	if err != nil {
		return "", err
	}
	target := tu.MainTarget()
	if target == nil {
		return "", nil
	}
	return target.Detok(), nil
}

// ProcessFile processes a file with the default pipeline. Preprocess writes
// <source>.tok and postprocess writes <target>.detok, a ".gz" suffix being
// dropped first. It returns the output path and the metadata of each line.
func (p *InferenceProcessor) ProcessFile(ctx context.Context, source, target string, metadata []any) (string, []any, error) {
	prefix, suffix := source, "tok"
	if p.postprocess {
		if target == "" {
			return "", nil, nmterrors.NewRequestInvalidError("postprocessing a file requires a target file")
		}
		prefix, suffix = target, "detok"
	}
	outputPath := strings.TrimSuffix(prefix, ".gz") + "." + suffix

	writer, err := NewFileWriter(outputPath, p.postprocess)
	if err != nil {
		return "", nil, err
	}
	loader := NewFileLoader(source, target, metadata, p.pipeline.StartState(), DefaultBatchSize, p.postprocess)

	p.logger.Info("processing_file", logging.Path(source), zap.String("output", outputPath))
	if err := p.Process(ctx, loader, writer, ProcessOptions{Pipeline: p.pipeline}); err != nil {
		writer.Close()
		return "", nil, err
	}
	if err := writer.Close(); err != nil {
		return "", nil, err
	}
	return outputPath, writer.Metadata(), nil
}
