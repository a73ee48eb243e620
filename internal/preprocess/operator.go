// Package preprocess implements the nmtwizard pre/postprocessing pipeline.
//
// A pipeline is an ordered list of operators built from the "preprocess" and
// "postprocess" sections of a model configuration. Operators transform
// batches of translation units; the same configuration produces a training,
// an inference or a postprocess pipeline depending on the process type.
package preprocess

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/models"
	"nmtwizard/internal/tokenizer"
)

// Operator transforms a batch of translation units.
type Operator interface {
	// Name returns the operator name, unique within a pipeline.
	Name() string
	// Apply runs the operator. options is nil unless runtime options were
	// sent for this operator.
	Apply(batch *models.Batch, options map[string]any) (*models.Batch, error)
	// AcceptOptions reports whether the operator takes runtime options.
	AcceptOptions() bool
}

// State is the pipeline state threaded through operator constructors.
type State struct {
	SrcTokenizer    *tokenizer.Tokenizer
	TgtTokenizer    *tokenizer.Tokenizer
	PostprocessOnly bool
	SrcVocabulary   string
	TgtVocabulary   string
}

// SrcTokenizerFor returns the source tokenizer as a models.Tokenizer, nil when unset.
func (s State) SrcTokenizerFor() models.Tokenizer {
	return asModelTokenizer(s.SrcTokenizer)
}

// TgtTokenizerFor returns the target tokenizer as a models.Tokenizer, nil when unset.
func (s State) TgtTokenizerFor() models.Tokenizer {
	return asModelTokenizer(s.TgtTokenizer)
}

func asModelTokenizer(t *tokenizer.Tokenizer) models.Tokenizer {
	if t == nil {
		return nil
	}
	return t
}

// BuildContext is passed to operator constructors.
type BuildContext struct {
	Name        string
	Type        string
	Index       int
	Params      map[string]any
	ProcessType models.ProcessType
	// State is the build state. Constructors may update it.
	State *State
	// Shared holds the shared objects built for this operator index.
	Shared map[string]any
	Logger *zap.Logger
}

// SharedBuilder builds an object shared across pipelines and workers.
// Objects with the same Key are built once per operator index.
type SharedBuilder struct {
	Key   string
	Build func() (any, error)
}

// Registration describes how to build an operator type.
type Registration struct {
	Build func(ctx *BuildContext) (Operator, error)
	// AppliesTo filters the process types. Nil means every type.
	AppliesTo func(pt models.ProcessType) bool
	// SharedBuilders returns the shared objects the operator needs, keyed by name.
	SharedBuilders func(params map[string]any, pt models.ProcessType) (map[string]SharedBuilder, error)
}

func (r Registration) appliesTo(pt models.ProcessType) bool {
	return r.AppliesTo == nil || r.AppliesTo(pt)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register adds an operator type to the registry.
func Register(name string, reg Registration) error {
	if reg.Build == nil {
		return nmterrors.NewOperatorConfigError(name, "registration has no Build function")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return nmterrors.NewOperatorConfigError(name,
			fmt.Sprintf("An operator with name '%s' is already registered", name))
	}
	registry[name] = reg
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(name string, reg Registration) {
	if err := Register(name, reg); err != nil {
		panic(err)
	}
}

// RegisteredOperators returns the sorted registered operator types.
func RegisteredOperators() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupOperator returns the registration of an operator type.
func LookupOperator(op string) (Registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[op]
	if !ok {
		return Registration{}, nmterrors.NewOperatorUnknownError(op)
	}
	return reg, nil
}

// OperatorType returns the "op" field of an operator configuration.
func OperatorType(cfg map[string]any) (string, error) {
	op, ok := cfg["op"].(string)
	if !ok || op == "" {
		return "", nmterrors.NewOperatorConfigError("",
			fmt.Sprintf("Missing 'op' field in operator configuration: %v", cfg))
	}
	return op, nil
}

// OperatorParams returns a copy of the operator configuration without the
// "op" and "overrides" fields. When exactly one label has an override, the
// override is merged into the parameters.
func OperatorParams(cfg map[string]any, opType string, labels []string) (map[string]any, error) {
	params := config.DeepCopy(cfg).(map[string]any)
	delete(params, "op")
	overrides, _ := config.AsMap(params["overrides"])
	delete(params, "overrides")

	if len(labels) == 0 || len(overrides) == 0 {
		return params, nil
	}
	var matched []string
	for _, label := range labels {
		if _, ok := overrides[label]; ok {
			matched = append(matched, label)
		}
	}
	switch len(matched) {
	case 0:
		return params, nil
	case 1:
		override, ok := config.AsMap(overrides[matched[0]])
		if !ok {
			return nil, nmterrors.NewOperatorConfigError(opType,
				fmt.Sprintf("override '%s' must be an object", matched[0]))
		}
		return config.Merge(params, override), nil
	default:
		return nil, nmterrors.NewOperatorConfigError(opType,
			fmt.Sprintf("One corpus requires different overrides (%v) for the same operator (%s).", matched, opType))
	}
}

// operatorInfo is a resolved operator configuration entry.
type operatorInfo struct {
	reg    Registration
	params map[string]any
	opType string
	index  int
}

// operatorInfos resolves an operator list for a process type. Operators after
// exitStep and operators that do not apply to pt are skipped, as well as
// disabled operators when ignoreDisabled is set.
func operatorInfos(list []map[string]any, pt models.ProcessType, labels []string, exitStep *int, ignoreDisabled bool) ([]operatorInfo, error) {
	var infos []operatorInfo
	for i, opConfig := range list {
		if exitStep != nil && i > *exitStep {
			break
		}
		if opConfig == nil {
			return nil, nmterrors.NewOperatorConfigError("",
				fmt.Sprintf("Operator configuration at index %d is not an object", i))
		}
		opType, err := OperatorType(opConfig)
		if err != nil {
			return nil, err
		}
		reg, err := LookupOperator(opType)
		if err != nil {
			return nil, err
		}
		if !reg.appliesTo(pt) {
			continue
		}
		params, err := OperatorParams(opConfig, opType, labels)
		if err != nil {
			return nil, err
		}
		if ignoreDisabled && config.Bool(params, "disabled") {
			continue
		}
		infos = append(infos, operatorInfo{reg: reg, params: params, opType: opType, index: i})
	}
	return infos, nil
}

// addLangInfo propagates the global language of side into the operator parameters.
func addLangInfo(params map[string]any, global config.Config, side string) {
	lang, ok := global[side].(string)
	if !ok {
		return
	}
	if sideParams, ok := config.AsMap(params[side]); ok {
		sideParams["lang"] = lang
		return
	}
	params[side+"_lang"] = lang
}

// buildOperator creates an operator instance from a resolved entry.
func buildOperator(info operatorInfo, global config.Config, pt models.ProcessType, state *State, shared map[string]any, logger *zap.Logger) (Operator, error) {
	addLangInfo(info.params, global, "source")
	addLangInfo(info.params, global, "target")

	name := fmt.Sprintf("%s_%d", info.opType, info.index)
	if n, ok := info.params["name"].(string); ok && n != "" {
		name = n
	}
	delete(info.params, "name")

	logger.Debug("building_operator", zap.String("operator", name), zap.String("type", info.opType))
	op, err := info.reg.Build(&BuildContext{
		Name:        name,
		Type:        info.opType,
		Index:       info.index,
		Params:      info.params,
		ProcessType: pt,
		State:       state,
		Shared:      shared,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}
