package backend

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
)

// LauncherOptions configures a model server process.
type LauncherOptions struct {
	// Command is the executable and its arguments.
	Command []string
	Env     []string
	// ReadyTimeout bounds the wait for the server to become ready.
	ReadyTimeout time.Duration
	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration
}

// DefaultLauncherOptions returns the default launcher options.
func DefaultLauncherOptions() *LauncherOptions {
	return &LauncherOptions{
		ReadyTimeout: 5 * time.Minute,
		PollInterval: time.Second,
		StopTimeout:  10 * time.Second,
	}
}

// Validate validates the options.
func (o *LauncherOptions) Validate() error {
	if len(o.Command) == 0 || o.Command[0] == "" {
		return nmterrors.NewConfigValidationError("backend_cmd", o.Command, "command is required")
	}
	if o.ReadyTimeout <= 0 {
		return nmterrors.NewConfigValidationError("ReadyTimeout", o.ReadyTimeout, "must be positive")
	}
	if o.PollInterval <= 0 {
		return nmterrors.NewConfigValidationError("PollInterval", o.PollInterval, "must be positive")
	}
	return nil
}

// ReadyFunc reports whether the launched server accepts requests.
type ReadyFunc func(ctx context.Context) error

// Launcher supervises an external model server process.
type Launcher struct {
	opts   *LauncherOptions
	ready  ReadyFunc
	logger *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewLauncher creates a launcher. ready is polled after the process starts.
func NewLauncher(opts *LauncherOptions, ready ReadyFunc, logger *zap.Logger) (*Launcher, error) {
	if opts == nil {
		opts = DefaultLauncherOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Launcher{
		opts:   opts,
		ready:  ready,
		logger: logger.With(zap.String("component", "launcher"), zap.String("command", opts.Command[0])),
	}, nil
}

// Start runs the command and waits until the server is ready. The process
// is stopped when ctx ends.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cmd != nil {
		l.mu.Unlock()
		return nmterrors.NewBackendConnectionError(l.opts.Command[0], "already started")
	}
	cmd := exec.Command(l.opts.Command[0], l.opts.Command[1:]...)
	cmd.Env = append(cmd.Environ(), l.opts.Env...)
	out := zap.NewStdLog(l.logger).Writer()
	cmd.Stdout, cmd.Stderr = out, out
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return nmterrors.NewBackendUnavailableError(l.opts.Command[0], err.Error())
	}
	l.cmd = cmd
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.logger.Info("model_server_started", zap.Int("pid", cmd.Process.Pid))
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		l.logger.Info("model_server_exited", zap.Error(err))
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Stop()
		case <-l.done:
		}
	}()

	return l.waitReady(ctx)
}

func (l *Launcher) waitReady(ctx context.Context) error {
	if l.ready == nil {
		return nil
	}
	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, l.opts.ReadyTimeout)
	defer cancel()

	errExited := errors.New("model server exited before becoming ready")
	err := wait.PollImmediateUntilWithContext(pollCtx, l.opts.PollInterval, func(ctx context.Context) (bool, error) {
		select {
		case <-l.done:
			return false, errExited
		default:
		}
		if err := l.ready(ctx); err != nil {
			l.logger.Debug("model_server_not_ready", zap.Error(err))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		_ = l.Stop()
		if errors.Is(err, errExited) {
			return nmterrors.NewBackendUnavailableError(l.opts.Command[0], errExited.Error())
		}
		return nmterrors.NewBackendTimeoutError("model_server_start", l.opts.ReadyTimeout.Seconds())
	}
	l.logger.Info("model_server_ready", logging.Duration(time.Since(start)))
	return nil
}

// Done is closed when the process exits.
func (l *Launcher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Stop terminates the process, killing it after the grace period.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	cmd, done := l.cmd, l.done
	l.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	l.logger.Info("stopping_model_server")
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(l.opts.StopTimeout):
		l.logger.Warn("model_server_kill")
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}
