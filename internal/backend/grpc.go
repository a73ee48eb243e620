package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
)

const (
	// ServiceName is the gRPC translation service.
	ServiceName = "nmtwizard.serving.Translator"
	// TranslateMethod is the full method name of the translate RPC.
	TranslateMethod = "/" + ServiceName + "/Translate"
)

// GRPCConfig holds gRPC translator configuration.
type GRPCConfig struct {
	// Address is the model server address (host:port)
	Address string

	// ModelName is sent with every request
	ModelName string

	// ConnectTimeout is the timeout for initial connection
	ConnectTimeout time.Duration

	// RequestTimeout is the default timeout for RPC calls
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration between retries
	RetryBackoff time.Duration

	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration

	// EnableCompression enables gzip compression
	EnableCompression bool

	// MaxMessageSize is the maximum message size in bytes
	MaxMessageSize int

	// BlockOnConnect blocks until connection is ready
	BlockOnConnect bool

	// DialOptions are appended to the default dial options
	DialOptions []grpc.DialOption

	// Logger is the logger instance
	Logger *zap.Logger
}

// DefaultGRPCConfig returns the default gRPC translator configuration.
func DefaultGRPCConfig() *GRPCConfig {
	return &GRPCConfig{
		Address:           "localhost:50051",
		ModelName:         "model",
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		EnableCompression: true,
		MaxMessageSize:    16 * 1024 * 1024, // 16MB
	}
}

// Validate validates the configuration.
func (c *GRPCConfig) Validate() error {
	if c.Address == "" {
		return nmterrors.NewConfigValidationError("Address", c.Address, "address is required")
	}
	if c.ConnectTimeout <= 0 {
		return nmterrors.NewConfigValidationError("ConnectTimeout", c.ConnectTimeout, "must be positive")
	}
	if c.RequestTimeout <= 0 {
		return nmterrors.NewConfigValidationError("RequestTimeout", c.RequestTimeout, "must be positive")
	}
	if c.MaxRetries < 0 {
		return nmterrors.NewConfigValidationError("MaxRetries", c.MaxRetries, "must be non-negative")
	}
	return nil
}

// GRPCTranslator calls a translation service over gRPC with structpb
// payloads. The connection is established on first use.
type GRPCTranslator struct {
	config *GRPCConfig
	conn   *grpc.ClientConn
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewGRPCTranslator creates a translator with the given configuration.
func NewGRPCTranslator(cfg *GRPCConfig) (*GRPCTranslator, error) {
	if cfg == nil {
		cfg = DefaultGRPCConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}

	return &GRPCTranslator{
		config: cfg,
		logger: logger.With(
			zap.String("component", "grpc_translator"),
			zap.String("server_address", cfg.Address),
		),
	}, nil
}

// Connect establishes a connection to the model server.
func (c *GRPCTranslator) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nmterrors.NewBackendConnectionError(c.config.Address, "translator is closed")
	}
	if c.conn != nil {
		return nil
	}

	c.logger.Info("connecting_to_model_server")

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultServiceConfig(`{"loadBalancingPolicy":"round_robin"}`),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
	}
	if c.config.EnableCompression {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}
	opts = append(opts, c.config.DialOptions...)

	conn, err := grpc.NewClient(c.config.Address, opts...)
	if err != nil {
		c.logger.Error("connection_failed", zap.Error(err))
		return nmterrors.NewBackendConnectionError(c.config.Address, err.Error())
	}

	if c.config.BlockOnConnect {
		connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
		conn.Connect()
		for {
			state := conn.GetState()
			if state == connectivity.Ready {
				break
			}
			if !conn.WaitForStateChange(connectCtx, state) {
				_ = conn.Close()
				return nmterrors.NewBackendConnectionError(c.config.Address, "connection timeout")
			}
		}
	}

	c.conn = conn
	c.logger.Info("connected_to_model_server")
	return nil
}

// Close closes the client connection.
func (c *GRPCTranslator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("connection_close_error", zap.Error(err))
			return err
		}
		c.conn = nil
	}

	c.logger.Info("grpc_translator_closed")
	return nil
}

// IsConnected returns true if the translator is connected.
func (c *GRPCTranslator) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}

func (c *GRPCTranslator) connection(ctx context.Context) (*grpc.ClientConn, error) {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, nmterrors.NewBackendConnectionError(c.config.Address, "translator is closed")
	}
	return c.conn, nil
}

// Ready implements Translator using the standard gRPC health service.
func (c *GRPCTranslator) Ready(ctx context.Context) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return c.convertError("health_check", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return nmterrors.NewBackendUnavailableError(c.config.Address, resp.GetStatus().String())
	}
	return nil
}

// Translate implements Translator.
func (c *GRPCTranslator) Translate(ctx context.Context, inputs []*TranslationInput, opts Options) ([][]Hypothesis, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	req, err := c.buildRequest(inputs, opts)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	resp := &structpb.Struct{}
	err = c.withRetry(ctx, "translate", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
		return conn.Invoke(callCtx, TranslateMethod, req, resp)
	})
	if err != nil {
		return nil, c.convertError("translate", err)
	}

	results, err := parseResponse(resp, len(inputs), opts)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("batch_translated",
		logging.BatchSize(len(inputs)),
		logging.Duration(time.Since(startTime)),
	)
	return results, nil
}

func toList(tokens []string) []any {
	out := make([]any, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}

func (c *GRPCTranslator) buildRequest(inputs []*TranslationInput, opts Options) (*structpb.Struct, error) {
	batch := make([]any, len(inputs))
	for i, in := range inputs {
		item := map[string]any{"tokens": toList(in.Tokens)}
		if len(in.TargetPrefix) > 0 {
			item["target_prefix"] = toList(in.TargetPrefix)
		}
		batch[i] = item
	}
	req, err := structpb.NewStruct(map[string]any{
		"model": c.config.ModelName,
		"batch": batch,
		"options": map[string]any{
			"beam_size":      opts.BeamSize,
			"num_hypotheses": opts.N(),
			"max_length":     opts.MaxLength,
		},
	})
	if err != nil {
		return nil, nmterrors.NewBackendProtocolError(err.Error())
	}
	return req, nil
}

type translateResponse struct {
	Results []struct {
		Hypotheses []Hypothesis `json:"hypotheses"`
	} `json:"results"`
}

func parseResponse(resp *structpb.Struct, batchSize int, opts Options) ([][]Hypothesis, error) {
	data, err := protojson.Marshal(resp)
	if err != nil {
		return nil, nmterrors.NewBackendProtocolError(err.Error())
	}
	var decoded translateResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, nmterrors.NewBackendProtocolError("invalid response: " + err.Error())
	}
	if len(decoded.Results) != batchSize {
		return nil, nmterrors.NewBackendProtocolError(fmt.Sprintf("expected %d results, got %d", batchSize, len(decoded.Results)))
	}
	out := make([][]Hypothesis, batchSize)
	for i, r := range decoded.Results {
		hyps := r.Hypotheses
		if len(hyps) > opts.N() {
			hyps = hyps[:opts.N()]
		}
		out[i] = hyps
	}
	return out, nil
}

func (c *GRPCTranslator) convertError(operation string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return nmterrors.NewBackendUnavailableError(c.config.Address, st.Message())
	case codes.DeadlineExceeded:
		return nmterrors.NewBackendTimeoutError(operation, c.config.RequestTimeout.Seconds())
	default:
		return nmterrors.NewBackendProtocolError(fmt.Sprintf("%s: %s", st.Code(), st.Message()))
	}
}

// withRetry executes a function with retry logic.
func (c *GRPCTranslator) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	backoff := c.config.RetryBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying_operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > c.config.MaxBackoff {
				backoff = c.config.MaxBackoff
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			c.logger.Debug("non_retryable_error",
				zap.String("operation", operation),
				zap.Error(err),
			)
			return err
		}

		c.logger.Warn("operation_failed_retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return lastErr
}

// isRetryableError determines if an error is retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
			return true
		}
	}
	return nmterrors.IsRetryableError(err)
}
