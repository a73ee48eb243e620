// Package backend sends tokenized batches to a model server and returns
// scored hypotheses.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
)

// TranslationInput is one tokenized example.
type TranslationInput struct {
	Tokens       []string `json:"tokens"`
	TargetPrefix []string `json:"target_prefix,omitempty"`
}

// Hypothesis is one translation candidate.
type Hypothesis struct {
	Tokens []string `json:"tokens"`
	Score  float64  `json:"score"`
}

// Options are decoding options forwarded to the model server.
type Options struct {
	BeamSize      int `json:"beam_size,omitempty"`
	NumHypotheses int `json:"num_hypotheses,omitempty"`
	MaxLength     int `json:"max_length,omitempty"`
}

// N returns the number of hypotheses to return per example.
func (o Options) N() int {
	if o.NumHypotheses > 0 {
		return o.NumHypotheses
	}
	return 1
}

// ParseOptions reads decoding options from a request options map.
func ParseOptions(m map[string]any) (Options, error) {
	var opts Options
	var unknown []string
	for key, value := range m {
		var target *int
		switch key {
		case "beam_size":
			target = &opts.BeamSize
		case "num_hypotheses":
			target = &opts.NumHypotheses
		case "max_length":
			target = &opts.MaxLength
		default:
			unknown = append(unknown, key)
			continue
		}
		n, ok := config.AsNumber(value)
		if !ok || n < 0 || n != float64(int(n)) {
			return Options{}, nmterrors.NewRequestInvalidError(fmt.Sprintf("option '%s' must be a non-negative integer", key))
		}
		*target = int(n)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Options{}, nmterrors.NewRequestInvalidError("unsupported translation options: " + strings.Join(unknown, ", "))
	}
	return opts, nil
}

// Translator translates batches of tokenized examples.
type Translator interface {
	// Translate returns the hypotheses of each input, in input order.
	Translate(ctx context.Context, inputs []*TranslationInput, opts Options) ([][]Hypothesis, error)
	// Ready returns nil when the model server can accept requests.
	Ready(ctx context.Context) error
	Close() error
}

// Kind names a translator implementation.
type Kind string

const (
	KindREST Kind = "rest"
	KindGRPC Kind = "grpc"
	KindEcho Kind = "echo"
)

// Config selects and configures a translator.
type Config struct {
	Kind Kind
	// Address is the model server address, a URL for rest and host:port for grpc.
	Address string
	// ModelName is the served model name.
	ModelName string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// DefaultConfig returns a REST translator config for a local TensorFlow Serving.
func DefaultConfig() *Config {
	return &Config{
		Kind:      KindREST,
		Address:   "http://localhost:8501",
		ModelName: "model",
		Timeout:   30 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindEcho:
		return nil
	case KindREST, KindGRPC:
	default:
		return nmterrors.NewConfigValidationError("backend", c.Kind, "must be one of rest, grpc, echo")
	}
	if c.Address == "" {
		return nmterrors.NewConfigValidationError("backend_addr", c.Address, "address is required")
	}
	if c.Timeout <= 0 {
		return nmterrors.NewConfigValidationError("Timeout", c.Timeout, "must be positive")
	}
	return nil
}

// New creates the translator selected by cfg.
func New(cfg *Config) (Translator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindEcho:
		return NewEchoTranslator(), nil
	case KindGRPC:
		gcfg := DefaultGRPCConfig()
		gcfg.Address = cfg.Address
		gcfg.ModelName = cfg.ModelName
		gcfg.RequestTimeout = cfg.Timeout
		gcfg.Logger = cfg.Logger
		return NewGRPCTranslator(gcfg)
	default:
		return NewRESTTranslator(cfg)
	}
}
