package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"rtspbridge/internal/events"
	"rtspbridge/internal/models"
	"rtspbridge/internal/observability/logging"
	"rtspbridge/internal/observability/metrics"
	"rtspbridge/internal/storage"
	"rtspbridge/internal/worker"
)

// Run executes the reconcile loop until ctx is cancelled. When AutoStart is
// enabled an initial pass launches workers for every stored stream first.
func (s *Supervisor) Run(ctx context.Context) {
	if s.cfg.AutoStart {
		s.autoStart(ctx)
	}

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// autoStart launches workers for streams that were configured before the
// process last stopped.
func (s *Supervisor) autoStart(ctx context.Context) {
	for _, record := range s.store.List() {
		if ctx.Err() != nil {
			return
		}
		name := record.Config.Name
		streamCtx := logging.ContextWithStreamName(ctx, name)
		logger := logging.WithContext(streamCtx, s.logger)
		unlock := s.locks.lock(name)
		err := s.controller.Start(streamCtx, record.Config)
		unlock()
		switch {
		case err == nil:
			logger.Info("stream resumed")
			s.publish(streamCtx, events.Event{Type: events.TypeWorkerStarted, Stream: name})
		case errors.Is(err, worker.ErrAlreadyRunning):
		default:
			logger.Error("stream resume failed", "error", err)
		}
	}
}

// reconcile probes every configured stream, persists the observed status,
// and applies the restart policy to dead workers. Status writes racing a
// concurrent removal are dropped.
func (s *Supervisor) reconcile(ctx context.Context) {
	started := time.Now()
	records := s.store.List()

	running := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return
		}
		if s.reconcileStream(ctx, record) {
			running++
		}
	}

	metrics.StreamsConfigured.Set(float64(len(records)))
	metrics.StreamsRunning.Set(float64(running))
	metrics.ReconcilePasses.Inc()
	metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
}

func (s *Supervisor) reconcileStream(ctx context.Context, record models.StreamRecord) bool {
	name := record.Config.Name
	ctx = logging.ContextWithStreamName(ctx, name)
	logger := logging.WithContext(ctx, s.logger)

	unlock := s.locks.lock(name)
	defer unlock()

	// A removal may have won the race since List.
	current, err := s.store.Get(name)
	if err != nil {
		return false
	}

	status := s.probeStatus(name)
	if status.Running {
		s.restarts.reset(name)
	} else {
		logger.Warn("worker is down", "reason", status.Reason)
		s.publishExit(ctx, name, status, current.Status)
		if s.restarted(ctx, current.Config, status) {
			status = s.probeStatus(name)
		}
	}

	if err := s.store.UpdateStatus(name, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("status persist failed", "error", err)
	}
	return status.Running
}

// publishExit emits a worker.exited event on the transition from recorded
// running to observed dead, so repeated passes over the same corpse stay
// quiet.
func (s *Supervisor) publishExit(ctx context.Context, name string, status, previous models.StreamStatus) {
	if !previous.Running {
		return
	}
	s.publish(ctx, events.Event{
		Type:     events.TypeWorkerExited,
		Stream:   name,
		Reason:   status.Reason,
		ExitCode: status.ExitCode,
	})
}

// restarted applies the restart policy to a dead worker and reports whether
// a new launch was attempted.
func (s *Supervisor) restarted(ctx context.Context, config models.StreamConfig, status models.StreamStatus) bool {
	if !s.cfg.Restart.Enabled {
		return false
	}
	name := config.Name
	attempt, ok := s.restarts.next(name, s.cfg.Restart)
	if !ok {
		return false
	}

	logger := logging.WithContext(ctx, s.logger)
	logger.Info("restarting worker", "attempt", attempt, "previous_reason", status.Reason)
	metrics.WorkerRestartsTotal.Inc()
	if err := s.controller.Start(ctx, config); err != nil {
		logger.Error("worker restart failed", "attempt", attempt, "error", err)
		return false
	}
	s.publish(ctx, events.Event{Type: events.TypeWorkerRestarted, Stream: name, Reason: status.Reason})
	return true
}

// restartTracker records consecutive restart attempts per stream and the
// earliest time the next attempt is allowed.
type restartTracker struct {
	mu     sync.Mutex
	states map[string]*restartState
}

type restartState struct {
	attempts  int
	notBefore time.Time
}

// next reports whether a restart is currently allowed under the policy and,
// if so, advances the attempt counter and schedules the following backoff
// window.
func (t *restartTracker) next(name string, policy RestartPolicy) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.states == nil {
		t.states = make(map[string]*restartState)
	}
	state, ok := t.states[name]
	if !ok {
		state = &restartState{}
		t.states[name] = state
	}

	if policy.MaxAttempts > 0 && state.attempts >= policy.MaxAttempts {
		return 0, false
	}
	now := time.Now()
	if now.Before(state.notBefore) {
		return 0, false
	}

	state.attempts++
	backoff := policy.Backoff
	for i := 1; i < state.attempts && backoff < time.Hour; i++ {
		backoff *= 2
	}
	if backoff > time.Hour {
		backoff = time.Hour
	}
	state.notBefore = now.Add(backoff)
	return state.attempts, true
}

// reset clears the attempt streak once a worker probes healthy again.
func (t *restartTracker) reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[name]; ok {
		state.attempts = 0
		state.notBefore = time.Time{}
	}
}

// forget drops all restart state for a removed stream.
func (t *restartTracker) forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, name)
}
