package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
)

const (
	// PadToken pads token matrices sent to TensorFlow Serving.
	PadToken = ""

	modelAvailable = "AVAILABLE"
)

// RESTTranslator calls the TensorFlow Serving REST predict API.
type RESTTranslator struct {
	client *http.Client
	addr   string
	model  string
	cfg    *Config
	logger *zap.Logger
}

// NewRESTTranslator creates a REST translator for cfg.Address and cfg.ModelName.
func NewRESTTranslator(cfg *Config) (*RESTTranslator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &RESTTranslator{
		client: &http.Client{Timeout: cfg.Timeout},
		addr:   strings.TrimSuffix(cfg.Address, "/"),
		model:  cfg.ModelName,
		cfg:    cfg,
		logger: logger.With(
			zap.String("component", "rest_translator"),
			zap.String("server_address", cfg.Address),
		),
	}, nil
}

type predictRequest struct {
	Inputs map[string]any `json:"inputs"`
}

type predictResponse struct {
	Outputs struct {
		Tokens   [][][]string `json:"tokens"`
		Length   [][]int      `json:"length"`
		LogProbs [][]float64  `json:"log_probs"`
	} `json:"outputs"`
}

type modelStatus struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

type apiError struct {
	Error string `json:"error"`
}

// padBatch converts token lists into a rectangular matrix and their lengths.
func padBatch(batch [][]string) ([][]string, []int) {
	maxLen := 0
	for _, tokens := range batch {
		maxLen = max(maxLen, len(tokens))
	}
	padded := make([][]string, len(batch))
	lengths := make([]int, len(batch))
	for i, tokens := range batch {
		row := make([]string, maxLen)
		copy(row, tokens)
		for j := len(tokens); j < maxLen; j++ {
			row[j] = PadToken
		}
		padded[i] = row
		lengths[i] = len(tokens)
	}
	return padded, lengths
}

func buildInputs(inputs []*TranslationInput, opts Options) map[string]any {
	sources := make([][]string, len(inputs))
	prefixes := make([][]string, len(inputs))
	hasPrefix := false
	for i, in := range inputs {
		sources[i] = in.Tokens
		prefixes[i] = in.TargetPrefix
		hasPrefix = hasPrefix || len(in.TargetPrefix) > 0
	}
	tokens, length := padBatch(sources)
	out := map[string]any{"tokens": tokens, "length": length}
	if hasPrefix {
		ptokens, plength := padBatch(prefixes)
		out["prefix"] = ptokens
		out["prefix_length"] = plength
	}
	if opts.BeamSize > 0 {
		out["beam_size"] = opts.BeamSize
	}
	if opts.MaxLength > 0 {
		out["max_length"] = opts.MaxLength
	}
	return out
}

// parsePredictions trims padding from the outputs and keeps opts.N()
// hypotheses per example.
func parsePredictions(resp *predictResponse, batchSize int, opts Options) ([][]Hypothesis, error) {
	out := resp.Outputs
	if len(out.Tokens) != batchSize || len(out.Length) != batchSize {
		return nil, nmterrors.NewBackendProtocolError(fmt.Sprintf("expected %d outputs, got %d", batchSize, len(out.Tokens)))
	}
	results := make([][]Hypothesis, batchSize)
	for b := range out.Tokens {
		k := min(len(out.Tokens[b]), len(out.Length[b]), opts.N())
		hyps := make([]Hypothesis, 0, k)
		for i := 0; i < k; i++ {
			n := out.Length[b][i]
			if n < 0 || n > len(out.Tokens[b][i]) {
				return nil, nmterrors.NewBackendProtocolError(fmt.Sprintf("invalid output length %d", n))
			}
			h := Hypothesis{Tokens: append([]string(nil), out.Tokens[b][i][:n]...)}
			if b < len(out.LogProbs) && i < len(out.LogProbs[b]) {
				h.Score = out.LogProbs[b][i]
			}
			hyps = append(hyps, h)
		}
		results[b] = hyps
	}
	return results, nil
}

// Translate implements Translator.
func (t *RESTTranslator) Translate(ctx context.Context, inputs []*TranslationInput, opts Options) ([][]Hypothesis, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp := &predictResponse{}
	path := "/v1/models/" + t.model + ":predict"
	if err := t.request(ctx, http.MethodPost, path, predictRequest{Inputs: buildInputs(inputs, opts)}, resp); err != nil {
		return nil, err
	}
	return parsePredictions(resp, len(inputs), opts)
}

// Ready implements Translator.
func (t *RESTTranslator) Ready(ctx context.Context) error {
	status := &modelStatus{}
	if err := t.request(ctx, http.MethodGet, "/v1/models/"+t.model, nil, status); err != nil {
		return err
	}
	for _, v := range status.ModelVersionStatus {
		if v.State == modelAvailable {
			return nil
		}
	}
	return nmterrors.NewBackendUnavailableError(t.addr, "model "+t.model+" is not available")
}

// Close implements Translator.
func (t *RESTTranslator) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *RESTTranslator) request(ctx context.Context, method, path string, body any, into any) error {
	var reqbody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nmterrors.NewBackendProtocolError(err.Error())
		}
		reqbody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.addr+path, reqbody)
	if err != nil {
		return nmterrors.NewBackendConnectionError(t.addr, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nmterrors.NewBackendTimeoutError(path, t.cfg.Timeout.Seconds())
		}
		return nmterrors.NewBackendConnectionError(t.addr, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		var apierr apiError
		if json.Unmarshal(msg, &apierr) == nil && apierr.Error != "" {
			msg = []byte(apierr.Error)
		}
		t.logger.Warn("backend_request_failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("error", msg),
		)
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusServiceUnavailable:
			return nmterrors.NewBackendUnavailableError(t.addr, string(msg))
		default:
			return nmterrors.NewBackendProtocolError(fmt.Sprintf("status %d: %s", resp.StatusCode, msg))
		}
	}
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return nmterrors.NewBackendProtocolError("invalid response: " + err.Error())
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
