// Package server exposes the translation service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/service"
)

const (
	// DefaultPort is the serving port.
	DefaultPort = 5000
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes = int64(16 << 20) // 16MB
	// RequestIDHeader carries the request id.
	RequestIDHeader = "X-Request-ID"
)

// TranslationService is the service served over HTTP.
type TranslationService interface {
	Translate(ctx context.Context, req *service.Request) (*service.Response, error)
	Status() service.Status
	Ready(ctx context.Context) error
	Unload()
	Reload(ctx context.Context) error
}

// Options configures the HTTP server.
type Options struct {
	Host            string
	Port            int
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// DefaultOptions returns the default server options.
func DefaultOptions() *Options {
	return &Options{
		Host:            "0.0.0.0",
		Port:            DefaultPort,
		MaxBodyBytes:    MaxBodyBytes,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return nmterrors.NewConfigValidationError("port", o.Port, "must be between 0 and 65535")
	}
	if o.MaxBodyBytes <= 0 {
		return nmterrors.NewConfigValidationError("MaxBodyBytes", o.MaxBodyBytes, "must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (o *Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Server serves the translation API.
type Server struct {
	svc    TranslationService
	opts   *Options
	logger *zap.Logger
}

// New creates a server for svc.
func New(svc TranslationService, opts *Options) (*Server, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Server{
		svc:    svc,
		opts:   opts,
		logger: logger.With(zap.String("component", "http_server")),
	}, nil
}

func (s *Server) route() *mux.Router {
	r := mux.NewRouter()
	r.Path("/translate").Methods(http.MethodPost).HandlerFunc(s.maxBytes(s.Translate))
	r.Path("/status").Methods(http.MethodGet).HandlerFunc(s.Status)
	r.Path("/unload_model").Methods(http.MethodPost).HandlerFunc(s.UnloadModel)
	r.Path("/reload_model").Methods(http.MethodPost).HandlerFunc(s.ReloadModel)
	r.Path("/health").Methods(http.MethodGet).HandlerFunc(s.Health)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ResponseError(w, nmterrors.NewRouteNotFoundError(req.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ResponseError(w, nmterrors.NewMethodNotAllowedError(req.Method, req.URL.Path))
	})
	return r
}

// Handler returns the router wrapped with request ids, access logs and
// panic recovery.
func (s *Server) Handler() http.Handler {
	stdlog := zap.NewStdLog(s.logger)
	var h http.Handler = s.route()
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(stdlog), handlers.PrintRecoveryStack(true))(h)
	h = handlers.CombinedLoggingHandler(stdlog.Writer(), h)
	return requestID(h)
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestID returns the request id stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) maxBytes(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := *r
		r2.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		h.ServeHTTP(w, &r2)
	}
}

func (s *Server) requestLogger(r *http.Request, operation string) *zap.Logger {
	return s.logger.With(zap.String("request_id", RequestID(r.Context())), zap.String("operation", operation))
}

// ResponseOK writes data as JSON with status 200.
func ResponseOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(data)
}

// ResponseError writes err as a JSON error with its HTTP status.
func ResponseError(w http.ResponseWriter, err error) {
	status := nmterrors.HTTPStatus(err)
	body := errorResponse{Code: string(nmterrors.GetErrorCode(err)), Message: err.Error()}
	var nmtErr *nmterrors.NMTError
	if errors.As(err, &nmtErr) {
		body.Message = nmtErr.Message
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Translate handles POST /translate.
func (s *Server) Translate(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r, "translate")
	req := &translateRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ResponseError(w, err)
			return
		}
		ResponseError(w, nmterrors.NewRequestInvalidError("invalid JSON body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		ResponseError(w, err)
		return
	}

	start := time.Now()
	resp, err := s.svc.Translate(r.Context(), req.toService())
	if err != nil {
		logger.Warn("translate_failed", logging.ErrorCode(string(nmterrors.GetErrorCode(err))), zap.Error(err))
		ResponseError(w, err)
		return
	}
	logger.Info("translate_done", logging.Count(len(req.Src)), logging.Duration(time.Since(start)))
	ResponseOK(w, resp)
}

// Status handles GET /status.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	ResponseOK(w, s.svc.Status())
}

// UnloadModel handles POST /unload_model.
func (s *Server) UnloadModel(w http.ResponseWriter, r *http.Request) {
	s.requestLogger(r, "unload_model").Info("unload_requested")
	s.svc.Unload()
	ResponseOK(w, s.svc.Status())
}

// ReloadModel handles POST /reload_model.
func (s *Server) ReloadModel(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r, "reload_model")
	if err := s.svc.Reload(r.Context()); err != nil {
		logger.Error("reload_failed", zap.Error(err))
		ResponseError(w, err)
		return
	}
	logger.Info("reload_done")
	ResponseOK(w, s.svc.Status())
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ready(r.Context()); err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, map[string]string{"status": "ok"})
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown_failed", zap.Error(err))
		}
	}()

	s.logger.Info("server_listening", zap.String("addr", l.Addr().String()))
	if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	s.logger.Info("server_stopped")
	return nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func Run(ctx context.Context, svc TranslationService, opts *Options) error {
	s, err := New(svc, opts)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", s.opts.Addr())
	if err != nil {
		return nmterrors.NewConfigInvalidError("cannot listen on "+s.opts.Addr(), err)
	}
	return s.Serve(ctx, l)
}
