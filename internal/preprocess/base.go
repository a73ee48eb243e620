package preprocess

import (
	"nmtwizard/internal/models"
)

// tuOperator applies per-TU functions. In preprocess a TU may be replaced by
// zero or more TUs; in postprocess the mapping is 1:1.
type tuOperator struct {
	name          string
	processType   models.ProcessType
	acceptOptions bool
	preprocessTU  func(tu *models.TranslationUnit, meta *models.BatchMeta, options map[string]any) ([]*models.TranslationUnit, error)
	postprocessTU func(tu *models.TranslationUnit, options map[string]any) (*models.TranslationUnit, error)
}

func (o *tuOperator) Name() string {
	return o.name
}

func (o *tuOperator) AcceptOptions() bool {
	return o.acceptOptions
}

func (o *tuOperator) Apply(batch *models.Batch, options map[string]any) (*models.Batch, error) {
	if o.processType == models.Postprocess {
		if o.postprocessTU == nil {
			return batch, nil
		}
		for i, tu := range batch.TUs {
			out, err := o.postprocessTU(tu, options)
			if err != nil {
				return nil, err
			}
			batch.TUs[i] = out
		}
		return batch, nil
	}

	if o.preprocessTU == nil {
		return batch, nil
	}
	tus := make([]*models.TranslationUnit, 0, len(batch.TUs))
	for _, tu := range batch.TUs {
		out, err := o.preprocessTU(tu, batch.Meta, options)
		if err != nil {
			return nil, err
		}
		tus = append(tus, out...)
	}
	batch.TUs = tus
	return batch, nil
}

// segmentProcess transforms one segment. A process may be called with nil
// params when only runtime options apply to a side.
type segmentProcess func(seg *models.Segment, options map[string]any) error

// sideProcessBuilder builds the process for one side from its configuration.
// params is nil when the side has no configuration.
type sideProcessBuilder func(params map[string]any, side string, state *State) (segmentProcess, error)

// newMonolingualOperator builds an operator applying independent source and
// target processes. In postprocess it only acts when built from the
// postprocess section, and then only on the target.
func newMonolingualOperator(ctx *BuildContext, build sideProcessBuilder, acceptOptions bool) (Operator, error) {
	var (
		source, target, optionsOnly segmentProcess
		err                         error
	)
	postprocessOnly := ctx.State.PostprocessOnly

	if postprocessOnly {
		if target, err = build(ctx.Params, "target", ctx.State); err != nil {
			return nil, err
		}
	} else {
		if sideParams, ok := sideConfig(ctx.Params, "source"); ok {
			if source, err = build(sideParams, "source", ctx.State); err != nil {
				return nil, err
			}
		}
		if sideParams, ok := sideConfig(ctx.Params, "target"); ok {
			if target, err = build(sideParams, "target", ctx.State); err != nil {
				return nil, err
			}
		}
	}
	if acceptOptions {
		if optionsOnly, err = build(nil, "source", ctx.State); err != nil {
			return nil, err
		}
	}

	pick := func(p segmentProcess, options map[string]any) segmentProcess {
		if p != nil {
			return p
		}
		if options != nil {
			return optionsOnly
		}
		return nil
	}

	op := &tuOperator{
		name:          ctx.Name,
		processType:   ctx.ProcessType,
		acceptOptions: acceptOptions,
	}
	op.preprocessTU = func(tu *models.TranslationUnit, _ *models.BatchMeta, options map[string]any) ([]*models.TranslationUnit, error) {
		// Runtime options only apply to the source in preprocess.
		if p := pick(source, options); p != nil {
			if err := p(tu.Source(), options); err != nil {
				return nil, err
			}
		}
		if target != nil {
			for _, seg := range tu.Targets() {
				if err := target(seg, nil); err != nil {
					return nil, err
				}
			}
		}
		return []*models.TranslationUnit{tu}, nil
	}
	op.postprocessTU = func(tu *models.TranslationUnit, options map[string]any) (*models.TranslationUnit, error) {
		if !postprocessOnly {
			return tu, nil
		}
		seg := tu.MainTarget()
		if seg == nil {
			return tu, nil
		}
		if p := pick(target, options); p != nil {
			if err := p(seg, options); err != nil {
				return nil, err
			}
		}
		return tu, nil
	}
	return op, nil
}

// sideConfig returns the configuration of side. A list is stored under
// "rules" and a boolean true is an empty configuration; false or a missing
// key disables the side.
func sideConfig(params map[string]any, side string) (map[string]any, bool) {
	switch v := params[side].(type) {
	case map[string]any:
		return v, true
	case []any:
		return map[string]any{"rules": v}, true
	case bool:
		if v {
			return map[string]any{}, true
		}
	}
	return nil, false
}

// filterCriterion reports whether a TU must be removed.
type filterCriterion func(tu *models.TranslationUnit) bool

// trainingOnly restricts an operator to training pipelines.
func trainingOnly(pt models.ProcessType) bool {
	return pt == models.Training
}

// newFilter builds an operator removing TUs that match any criterion. The
// number of removed TUs is added to the batch filter summary.
func newFilter(ctx *BuildContext, criteria []filterCriterion) Operator {
	return &filterOperator{
		tuOperator: tuOperator{
			name:        ctx.Name,
			processType: ctx.ProcessType,
			preprocessTU: func(tu *models.TranslationUnit, _ *models.BatchMeta, _ map[string]any) ([]*models.TranslationUnit, error) {
				for _, c := range criteria {
					if c(tu) {
						return nil, nil
					}
				}
				return []*models.TranslationUnit{tu}, nil
			},
		},
	}
}

type filterOperator struct {
	tuOperator
}

func (f *filterOperator) Apply(batch *models.Batch, options map[string]any) (*models.Batch, error) {
	before := batch.Len()
	out, err := f.tuOperator.Apply(batch, options)
	if err != nil {
		return nil, err
	}
	out.Meta.AddFiltered(f.name, before-out.Len())
	return out, nil
}
