package preprocess

import (
	"fmt"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/models"
	"nmtwizard/internal/tokenizer"
)

func init() {
	MustRegister("tokenization", Registration{
		Build:          buildTokenization,
		SharedBuilders: tokenizationSharedBuilders,
	})
}

// tokenizationSides are the operator keys holding tokenizer options.
var tokenizationSides = []string{"source", "target"}

func tokenizationSharedBuilders(params map[string]any, _ models.ProcessType) (map[string]SharedBuilder, error) {
	builders := make(map[string]SharedBuilder)
	for _, side := range tokenizationSides {
		sideParams, ok := config.AsMap(params[side])
		if !ok {
			continue
		}
		opts, err := tokenizer.FromParams(sideParams)
		if err != nil {
			return nil, err
		}
		builders[side] = SharedBuilder{
			Key: "tokenizer:" + opts.Key(),
			Build: func() (any, error) {
				return tokenizer.New(opts)
			},
		}
	}
	return builders, nil
}

// tokenizationOperator switches TU segments to the configured tokenizers in
// preprocess and back to the previous tokenizers in postprocess.
type tokenizationOperator struct {
	name        string
	processType models.ProcessType
	src, tgt    *tokenizer.Tokenizer
	prevSrc     *tokenizer.Tokenizer
	prevTgt     *tokenizer.Tokenizer
	setSrc      bool
	setTgt      bool
	addTokens   map[string][]string
	logger      *zap.Logger
}

func sideTokenizer(ctx *BuildContext, side string) (*tokenizer.Tokenizer, bool, error) {
	sideParams, ok := config.AsMap(ctx.Params[side])
	if !ok {
		return nil, false, nil
	}
	if shared, ok := ctx.Shared[side].(*tokenizer.Tokenizer); ok {
		return shared, true, nil
	}
	opts, err := tokenizer.FromParams(sideParams)
	if err != nil {
		return nil, false, nmterrors.NewOperatorConfigError(ctx.Name, fmt.Sprintf("invalid %s tokenization: %v", side, err))
	}
	tok, err := tokenizer.New(opts)
	if err != nil {
		return nil, false, err
	}
	return tok, true, nil
}

func buildTokenization(ctx *BuildContext) (Operator, error) {
	op := &tokenizationOperator{
		name:        ctx.Name,
		processType: ctx.ProcessType,
		prevSrc:     ctx.State.SrcTokenizer,
		prevTgt:     ctx.State.TgtTokenizer,
		addTokens:   make(map[string][]string),
		logger:      ctx.Logger,
	}

	var err error
	if op.src, op.setSrc, err = sideTokenizer(ctx, "source"); err != nil {
		return nil, err
	}
	if op.tgt, op.setTgt, err = sideTokenizer(ctx, "target"); err != nil {
		return nil, err
	}

	for _, side := range tokenizationSides {
		sideParams, _ := config.AsMap(ctx.Params[side])
		if path := config.String(sideParams, "vocabulary_path"); path != "" {
			if side == "source" {
				ctx.State.SrcVocabulary = path
			} else {
				ctx.State.TgtVocabulary = path
			}
		}
		if list, ok := sideParams["add_tokens"].([]any); ok {
			for _, t := range list {
				if s, ok := t.(string); ok {
					op.addTokens[side] = append(op.addTokens[side], s)
				}
			}
		}
	}

	if op.setSrc {
		ctx.State.SrcTokenizer = op.src
	}
	if op.setTgt {
		ctx.State.TgtTokenizer = op.tgt
	}
	return op, nil
}

func (o *tokenizationOperator) Name() string {
	return o.name
}

func (o *tokenizationOperator) AcceptOptions() bool {
	return false
}

func (o *tokenizationOperator) Apply(batch *models.Batch, _ map[string]any) (*models.Batch, error) {
	if o.processType == models.Postprocess {
		if o.setTgt {
			prev := asModelTokenizer(o.prevTgt)
			for _, tu := range batch.TUs {
				for _, seg := range tu.Targets() {
					seg.SetTokenizer(prev)
				}
			}
		}
		return batch, nil
	}

	src, tgt := asModelTokenizer(o.src), asModelTokenizer(o.tgt)
	for _, tu := range batch.TUs {
		if o.setSrc {
			tu.Source().SetTokenizer(src)
		}
		if o.setTgt {
			for _, seg := range tu.Targets() {
				seg.SetTokenizer(tgt)
			}
		}
	}
	if o.processType == models.Training {
		for side, tokens := range o.addTokens {
			batch.Meta.AddNewTokens(side, tokens...)
		}
	}
	return batch, nil
}
