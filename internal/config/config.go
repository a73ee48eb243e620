// Package config loads and manipulates nmtwizard model configurations.
//
// A configuration is a free-form JSON or YAML document. The keys used by the
// preprocessing pipeline are:
//
//	source, target        language codes
//	preprocess            list of operator configurations (V2 layout)
//	postprocess           list of postprocess-only operator configurations
//	vocabulary            {"source": {"path": ...}, "target": {"path": ...}}
//	data                  sampling configuration (train_dir, sample, sample_dist, batch_size)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	nmterrors "nmtwizard/internal/errors"
)

// ModelDirVariable is replaced by the model directory in string values.
const ModelDirVariable = "${MODEL_DIR}"

// Config is a model or run configuration.
type Config map[string]any

// Load reads a configuration file. YAML is used for .yaml and .yml files,
// JSON otherwise.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nmterrors.NewConfigMissingError(path)
		}
		return nil, nmterrors.NewConfigInvalidError(fmt.Sprintf("cannot read %s", path), err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON decodes a JSON configuration document.
func ParseJSON(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, nmterrors.NewConfigInvalidError("invalid JSON configuration", err)
	}
	if cfg == nil {
		cfg = Config{}
	}
	return cfg, nil
}

// ParseYAML decodes a YAML configuration document.
func ParseYAML(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nmterrors.NewConfigInvalidError("invalid YAML configuration", err)
	}
	cfg, _ := normalize(raw).(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
	}
	return Config(cfg), nil
}

// normalize converts YAML decoded values to the shapes produced by encoding/json
// so that both formats can be handled by the same accessors.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return v
	}
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	return Config(DeepCopy(map[string]any(c)).(map[string]any))
}

// DeepCopy copies maps and slices recursively. Other values are shared.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case Config:
		return DeepCopy(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Merge merges b into a recursively and returns a. Nested maps are merged
// key by key; any other value from b replaces the value in a.
func Merge(a, b map[string]any) map[string]any {
	if a == nil {
		a = map[string]any{}
	}
	for k, bv := range b {
		bm, bIsMap := asMap(bv)
		am, aIsMap := asMap(a[k])
		if bIsMap && aIsMap {
			a[k] = Merge(am, bm)
			continue
		}
		a[k] = DeepCopy(bv)
	}
	return a
}

// Merge merges other into a copy of c.
func (c Config) Merge(other Config) Config {
	return Config(Merge(c.Clone(), other))
}

// IsV2 reports whether the configuration uses the operator list layout.
func IsV2(cfg Config) bool {
	_, ok := cfg["preprocess"].([]any)
	return ok
}

// ResolvePaths replaces ModelDirVariable with modelDir in every string value.
func ResolvePaths(cfg Config, modelDir string) Config {
	return Config(resolve(map[string]any(cfg), modelDir).(map[string]any))
}

func resolve(v any, modelDir string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, ModelDirVariable, modelDir)
	case map[string]any:
		for k, val := range t {
			t[k] = resolve(val, modelDir)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = resolve(val, modelDir)
		}
		return t
	default:
		return v
	}
}

// Source returns the source language.
func (c Config) Source() string {
	s, _ := c["source"].(string)
	return s
}

// Target returns the target language.
func (c Config) Target() string {
	s, _ := c["target"].(string)
	return s
}

// Preprocess returns the preprocess operator list.
func (c Config) Preprocess() []map[string]any {
	return OperatorList(c["preprocess"])
}

// Postprocess returns the postprocess operator list.
func (c Config) Postprocess() []map[string]any {
	return OperatorList(c["postprocess"])
}

// OperatorList converts a decoded operator list. Entries keep their position;
// an entry that is not a map is returned as nil.
func OperatorList(v any) []map[string]any {
	list, _ := v.([]any)
	ops := make([]map[string]any, len(list))
	for i, item := range list {
		ops[i], _ = asMap(item)
	}
	return ops
}

// VocabularyPath returns vocabulary.<side>.path.
func (c Config) VocabularyPath(side string) string {
	return String(Section(Section(c, "vocabulary"), side), "path")
}

// Data returns the data section, or nil.
func (c Config) Data() map[string]any {
	return Section(c, "data")
}

// Section returns m[key] as a map, or nil.
func Section(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	s, _ := asMap(m[key])
	return s
}

// String returns m[key] as a string.
func String(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Bool returns m[key] as a bool.
func Bool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// Number returns m[key] as a float64 and whether it is set to a number.
func Number(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	return AsNumber(m[key])
}

// AsNumber converts a decoded numeric value to float64.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns m[key] as an int, or def when unset.
func Int(m map[string]any, key string, def int) int {
	if n, ok := Number(m, key); ok {
		return int(n)
	}
	return def
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Config:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

// AsMap returns v as a map when it is one.
func AsMap(v any) (map[string]any, bool) {
	return asMap(v)
}
