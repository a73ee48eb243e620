package preprocess

import (
	"fmt"
	"regexp"
	"strings"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/models"
)

func init() {
	MustRegister("substitute", Registration{Build: buildSubstitute})
	MustRegister("lowercase", Registration{Build: buildLowercase})
	MustRegister("noop", Registration{Build: buildNoop})
}

type substitution struct {
	pattern     *regexp.Regexp
	replacement string
}

// parseRules reads a list of {"pattern", "replacement"} objects.
func parseRules(op string, v any) ([]substitution, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, nmterrors.NewOperatorConfigError(op, "substitution rules must be a list")
	}
	rules := make([]substitution, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, nmterrors.NewOperatorConfigError(op, fmt.Sprintf("rule %d must be an object", i))
		}
		pattern, _ := m["pattern"].(string)
		if pattern == "" {
			return nil, nmterrors.NewOperatorConfigError(op, fmt.Sprintf("rule %d has no pattern", i))
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, nmterrors.NewOperatorConfigError(op, fmt.Sprintf("rule %d: %v", i, err))
		}
		replacement, _ := m["replacement"].(string)
		rules = append(rules, substitution{pattern: re, replacement: replacement})
	}
	return rules, nil
}

func applyRules(text string, rules []substitution) string {
	for _, r := range rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

func buildSubstitute(ctx *BuildContext) (Operator, error) {
	return newMonolingualOperator(ctx, func(params map[string]any, side string, _ *State) (segmentProcess, error) {
		var (
			rules []substitution
			err   error
		)
		if params != nil {
			raw, ok := params["rules"]
			if !ok {
				// Postprocess-only operators receive the whole configuration.
				if sideParams, ok := sideConfig(params, side); ok {
					raw = sideParams["rules"]
				}
			}
			if rules, err = parseRules(ctx.Name, raw); err != nil {
				return nil, err
			}
		}
		return func(seg *models.Segment, options map[string]any) error {
			extra, err := parseRules(ctx.Name, options["rules"])
			if err != nil {
				return err
			}
			if len(rules) == 0 && len(extra) == 0 {
				return nil
			}
			seg.SetDetok(applyRules(applyRules(seg.Detok(), rules), extra))
			return nil
		}, nil
	}, true)
}

func buildLowercase(ctx *BuildContext) (Operator, error) {
	return newMonolingualOperator(ctx, func(_ map[string]any, _ string, _ *State) (segmentProcess, error) {
		return func(seg *models.Segment, _ map[string]any) error {
			seg.SetDetok(strings.ToLower(seg.Detok()))
			return nil
		}, nil
	}, false)
}

// noopOperator passes batches through and accepts runtime options.
type noopOperator struct {
	name string
}

func buildNoop(ctx *BuildContext) (Operator, error) {
	return &noopOperator{name: ctx.Name}, nil
}

func (o *noopOperator) Name() string {
	return o.name
}

func (o *noopOperator) AcceptOptions() bool {
	return true
}

func (o *noopOperator) Apply(batch *models.Batch, _ map[string]any) (*models.Batch, error) {
	return batch, nil
}
