// Package worker launches and supervises the external transcoding process
// behind each configured stream. The supervisor interacts with it only
// through the Controller interface so orchestration logic stays testable
// with a fake implementation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rtspbridge/internal/models"
	"rtspbridge/internal/observability/logging"
	"rtspbridge/internal/observability/metrics"
)

var (
	// ErrAlreadyRunning is returned by Start when a live worker already
	// exists for the stream name.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotFound is returned by Stop when no worker exists for the name.
	ErrNotFound = errors.New("no worker for stream")
)

// ProbeResult is a non-blocking snapshot of one worker's liveness.
type ProbeResult struct {
	Alive    bool
	ExitCode *int
	Reason   string
}

// Controller maps stream names to at most one external transcoding process
// each and exposes liveness and captured output.
type Controller interface {
	// Start launches a worker for the config. It returns ErrAlreadyRunning
	// when a live worker exists for the name, and returns as soon as the
	// process has been spawned; liveness is established via Probe.
	Start(ctx context.Context, config models.StreamConfig) error

	// Stop terminates the worker gracefully, escalating to a forced kill
	// after the grace period, and releases the handle. It returns
	// ErrNotFound when no worker exists for the name.
	Stop(ctx context.Context, name string) error

	// Probe reports whether the worker is alive, without blocking.
	Probe(name string) ProbeResult

	// TailLog returns up to maxBytes of the most recent captured output.
	TailLog(name string, maxBytes int) []byte

	// Active lists the names that currently hold a worker handle.
	Active() []string

	// StopAll stops every worker in parallel, bounded by ctx.
	StopAll(ctx context.Context) error
}

// handle tracks one launched process. It is created by Start and released
// by Stop or replaced by a later Start once the process has exited.
type handle struct {
	launchID  string
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	done      chan struct{}
	ring      *LogBuffer
	startedAt time.Time

	stopOnce sync.Once

	mu       sync.Mutex
	exitCode *int
	exitErr  error
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) exitInfo() (*int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exitErr
}

func (h *handle) recordExit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitErr = err
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	h.exitCode = &code
}

// Config tunes the ffmpeg-backed controller.
type Config struct {
	// RelayHost is the host:port of the RTSP relay workers publish to.
	RelayHost string
	// GracePeriod bounds how long Stop waits after the termination
	// request before force-killing. Defaults to 5s.
	GracePeriod time.Duration
	// LogBufferBytes caps the per-stream output capture. Defaults to 64KiB.
	LogBufferBytes int
	Logger         *slog.Logger
	// commandBuilder allows tests to substitute the launched process.
	commandBuilder func(ctx context.Context, config models.StreamConfig) *exec.Cmd
}

// FFmpegController runs one ffmpeg copy-mode conversion per stream.
type FFmpegController struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// NewFFmpegController builds a controller that launches ffmpeg workers
// publishing to cfg.RelayHost.
func NewFFmpegController(cfg Config) *FFmpegController {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.LogBufferBytes <= 0 {
		cfg.LogBufferBytes = 64 * 1024
	}
	if cfg.commandBuilder == nil {
		relay := cfg.RelayHost
		cfg.commandBuilder = func(ctx context.Context, config models.StreamConfig) *exec.Cmd {
			return exec.CommandContext(ctx, ffmpegBinary, buildFFmpegArgs(config, relay)...)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegController{
		cfg:     cfg,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Start spawns a worker for the config. An exited worker still holding a
// handle (kept so Probe can report the exit) is reaped and replaced.
func (c *FFmpegController) Start(ctx context.Context, config models.StreamConfig) error {
	name := config.Name
	ctx = logging.ContextWithStreamName(ctx, name)

	c.mu.Lock()
	if existing, ok := c.handles[name]; ok {
		if !existing.exited() {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
		delete(c.handles, name)
	}
	c.mu.Unlock()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := c.cfg.commandBuilder(procCtx, config)

	ring := NewLogBuffer(c.cfg.LogBufferBytes)
	cmd.Stdout = ring
	cmd.Stderr = ring

	h := &handle{
		launchID:  uuid.NewString(),
		cmd:       cmd,
		cancel:    cancel,
		done:      make(chan struct{}),
		ring:      ring,
		startedAt: time.Now().UTC(),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start worker for %s: %w", name, err)
	}

	c.mu.Lock()
	if existing, ok := c.handles[name]; ok && !existing.exited() {
		// Lost the race to a concurrent Start. Kill ours and back out.
		c.mu.Unlock()
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	c.handles[name] = h
	c.mu.Unlock()

	logger := logging.WithContext(ctx, c.logger).With("launch_id", h.launchID)
	logger.Info("worker started", "pid", cmd.Process.Pid)
	metrics.WorkerStartsTotal.Inc()

	go func() {
		err := cmd.Wait()
		h.recordExit(err)
		code, _ := h.exitInfo()
		if err != nil {
			logger.Warn("worker exited", "exit_code", *code, "error", err)
		} else {
			logger.Info("worker exited cleanly")
		}
		metrics.WorkerExitsTotal.Inc()
		cancel()
		close(h.done)
	}()
	return nil
}

// Stop terminates the worker for name and releases its handle. A Stop
// racing an in-flight Stop for the same handle waits for that stop to
// finish instead of signalling the process twice.
func (c *FFmpegController) Stop(ctx context.Context, name string) error {
	ctx = logging.ContextWithStreamName(ctx, name)

	c.mu.Lock()
	h, ok := c.handles[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	c.stopHandle(ctx, name, h)

	c.mu.Lock()
	if c.handles[name] == h {
		delete(c.handles, name)
	}
	c.mu.Unlock()
	return nil
}

// stopHandle drives the graceful-then-forced termination sequence exactly
// once per handle; concurrent callers block until the process is gone.
func (c *FFmpegController) stopHandle(ctx context.Context, name string, h *handle) {
	h.stopOnce.Do(func() {
		if h.exited() {
			return
		}
		logger := logging.WithContext(logging.ContextWithStreamName(ctx, name), c.logger).With("launch_id", h.launchID)
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Debug("termination request failed", "error", err)
		}
		select {
		case <-h.done:
			return
		case <-time.After(c.cfg.GracePeriod):
			logger.Warn("worker ignored termination request, killing", "grace", c.cfg.GracePeriod)
		case <-ctx.Done():
			logger.Warn("stop deadline reached, killing")
		}
		// cancel kills the process via CommandContext; Wait then closes done.
		h.cancel()
	})
	<-h.done
}

// Probe reports the worker's liveness without blocking.
func (c *FFmpegController) Probe(name string) ProbeResult {
	c.mu.Lock()
	h, ok := c.handles[name]
	c.mu.Unlock()
	if !ok {
		return ProbeResult{Alive: false, Reason: "worker not running"}
	}
	if !h.exited() {
		return ProbeResult{Alive: true, Reason: "healthy"}
	}
	code, _ := h.exitInfo()
	reason := fmt.Sprintf("worker exited with code %d", *code)
	if tail := h.ring.LastLines(3); tail != "" {
		reason = fmt.Sprintf("%s: %s", reason, tail)
	}
	return ProbeResult{Alive: false, ExitCode: code, Reason: reason}
}

// TailLog returns the most recent captured output for name.
func (c *FFmpegController) TailLog(name string, maxBytes int) []byte {
	c.mu.Lock()
	h, ok := c.handles[name]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return h.ring.Tail(maxBytes)
}

// Active lists every name currently holding a handle, live or exited.
func (c *FFmpegController) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.handles))
	for name := range c.handles {
		names = append(names, name)
	}
	return names
}

// StopAll terminates every worker in parallel. Workers still alive when ctx
// expires are force-killed so shutdown never hangs.
func (c *FFmpegController) StopAll(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make(map[string]*handle, len(c.handles))
	for name, h := range c.handles {
		snapshot[name] = h
	}
	c.handles = make(map[string]*handle)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, h := range snapshot {
		name, h := name, h
		g.Go(func() error {
			c.stopHandle(gctx, name, h)
			return nil
		})
	}
	return g.Wait()
}
