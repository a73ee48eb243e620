package preprocess

import (
	"time"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

// PipelineOptions configures pipeline construction.
type PipelineOptions struct {
	// ExitStep stops the preprocess operator list after this index. Nil keeps every operator.
	ExitStep *int
	// Labels select operator overrides.
	Labels []string
	// Shared holds shared objects per operator index, see SharedState.
	Shared map[int]map[string]any
	Logger *zap.Logger
}

// Step returns a pointer to i, for PipelineOptions.ExitStep.
func Step(i int) *int {
	return &i
}

// Pipeline applies a sequence of operators to batches.
type Pipeline struct {
	processType models.ProcessType
	labels      []string
	labelKey    string
	startState  State
	buildState  State
	ops         []Operator
	logger      *zap.Logger
}

// NewPipeline builds the pipeline for a configuration and process type.
//
// For postprocess the preprocess operators are reversed, the start and build
// states are swapped and the operators of the "postprocess" section are
// appended with PostprocessOnly set.
func NewPipeline(cfg config.Config, pt models.ProcessType, opts PipelineOptions) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	start := State{
		SrcVocabulary: cfg.VocabularyPath("source"),
		TgtVocabulary: cfg.VocabularyPath("target"),
	}
	p := &Pipeline{
		processType: pt,
		labels:      models.NewLabels(opts.Labels...),
		startState:  start,
		buildState:  start,
		logger:      logger.With(zap.String("component", "pipeline"), zap.String("process_type", pt.String())),
	}
	p.labelKey = models.LabelKey(p.labels)

	if err := p.addOps(cfg, cfg.Preprocess(), opts.ExitStep, opts.Shared); err != nil {
		return nil, err
	}

	if pt == models.Postprocess {
		for i, j := 0, len(p.ops)-1; i < j; i, j = i+1, j-1 {
			p.ops[i], p.ops[j] = p.ops[j], p.ops[i]
		}
		p.startState, p.buildState = p.buildState, p.startState
		p.buildState.PostprocessOnly = true
		if err := p.addOps(cfg, cfg.Postprocess(), nil, nil); err != nil {
			return nil, err
		}
	}

	p.logger.Debug("pipeline_built", logging.Count(len(p.ops)), zap.Strings("labels", p.labels))
	return p, nil
}

func (p *Pipeline) addOps(cfg config.Config, list []map[string]any, exitStep *int, shared map[int]map[string]any) error {
	infos, err := operatorInfos(list, p.processType, p.labels, exitStep, true)
	if err != nil {
		return err
	}
	for _, info := range infos {
		op, err := buildOperator(info, cfg, p.processType, &p.buildState, shared[info.index], p.logger)
		if err != nil {
			return err
		}
		if op != nil {
			p.ops = append(p.ops, op)
		}
	}
	return nil
}

// ProcessType returns the pipeline process type.
func (p *Pipeline) ProcessType() models.ProcessType {
	return p.processType
}

// Labels returns the label set the pipeline was built for.
func (p *Pipeline) Labels() []string {
	return p.labels
}

// LabelKey identifies the pipeline label set.
func (p *Pipeline) LabelKey() string {
	return p.labelKey
}

// StartState is the state of the input TUs, used by loaders to know how the
// input is tokenized.
func (p *Pipeline) StartState() State {
	return p.startState
}

// BuildState is the state after the last operator.
func (p *Pipeline) BuildState() State {
	return p.buildState
}

// Operators returns the operators in application order.
func (p *Pipeline) Operators() []Operator {
	return p.ops
}

// Apply runs every operator on the batch. options maps operator names to
// runtime options. Every TU is finalized at the end.
func (p *Pipeline) Apply(batch *models.Batch, options map[string]any) (*models.Batch, error) {
	if batch.Meta == nil {
		batch.Meta = &models.BatchMeta{}
	}
	profile := p.processType == models.Training

	for _, op := range p.ops {
		var opOptions map[string]any
		if raw, ok := options[op.Name()]; ok && raw != nil {
			if !op.AcceptOptions() {
				return nil, nmterrors.NewOptionsRejectedError(op.Name())
			}
			m, ok := config.AsMap(raw)
			if !ok {
				return nil, nmterrors.NewRequestInvalidError("options for operator " + op.Name() + " must be an object")
			}
			opOptions = m
		}

		start := time.Now()
		out, err := op.Apply(batch, opOptions)
		if err != nil {
			if nmterrors.GetErrorCode(err) != nmterrors.ErrCodeUnknown {
				return nil, err
			}
			return nil, nmterrors.NewOperatorFailedError(op.Name(), err)
		}
		batch = out
		if profile {
			batch.Meta.AddProfile(op.Name(), time.Since(start))
		}
	}

	for _, tu := range batch.TUs {
		tu.Finalize(p.processType)
	}
	return batch, nil
}
