// Package supervisor owns the lifecycle of configured streams: it keeps the
// store and the worker controller in agreement, serializes mutations per
// stream name, and periodically reconciles recorded status against observed
// process state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rtspbridge/internal/events"
	"rtspbridge/internal/models"
	"rtspbridge/internal/observability/logging"
	"rtspbridge/internal/observability/metrics"
	"rtspbridge/internal/storage"
	"rtspbridge/internal/worker"
)

// ErrWorkerStartFailed is returned by AddStream when the stream record was
// accepted but its worker could not be launched. The record is rolled back,
// so a failed add leaves no trace.
var ErrWorkerStartFailed = errors.New("worker start failed")

// RestartPolicy governs automatic restarts of dead workers during
// reconciliation. Disabled by default. MaxAttempts bounds consecutive
// restarts of one stream; zero or negative means unlimited. The delay
// before attempt n is Backoff doubled n-1 times.
type RestartPolicy struct {
	Enabled     bool
	MaxAttempts int
	Backoff     time.Duration
}

// Config wires the supervisor's collaborators and tuning knobs.
type Config struct {
	Store      storage.Store
	Controller worker.Controller
	Publisher  events.Publisher
	Logger     *slog.Logger

	// ReconcileInterval is the pause between reconcile passes. Defaults
	// to 15s.
	ReconcileInterval time.Duration
	Restart           RestartPolicy
	// AutoStart launches a worker for every stored stream when Run begins.
	AutoStart bool
	// RelayHost is used to render client-facing output URLs.
	RelayHost string
}

// Supervisor coordinates the store and the worker controller. All mutations
// for a given stream name are serialized; operations on distinct names run
// concurrently.
type Supervisor struct {
	store      storage.Store
	controller worker.Controller
	publisher  events.Publisher
	logger     *slog.Logger
	cfg        Config

	locks    keyedMutex
	restarts restartTracker
}

// New builds a Supervisor. Store and Controller are required; Publisher
// defaults to a no-op sink.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.Restart.Backoff <= 0 {
		cfg.Restart.Backoff = 5 * time.Second
	}
	return &Supervisor{
		store:      cfg.Store,
		controller: cfg.Controller,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		cfg:        cfg,
	}, nil
}

// AddStream validates the config, persists the record, and launches its
// worker. The operation is all or nothing: when the worker cannot start the
// record is removed again and ErrWorkerStartFailed is returned.
func (s *Supervisor) AddStream(ctx context.Context, config models.StreamConfig) (models.StreamRecord, error) {
	record, err := s.addStream(ctx, config)
	metrics.ObserveMutation("add", err)
	return record, err
}

func (s *Supervisor) addStream(ctx context.Context, config models.StreamConfig) (models.StreamRecord, error) {
	if err := config.Validate(); err != nil {
		return models.StreamRecord{}, err
	}
	if config.CreatedAt.IsZero() {
		config.CreatedAt = time.Now().UTC()
	}

	ctx = logging.ContextWithStreamName(ctx, config.Name)
	logger := logging.WithContext(ctx, s.logger)

	unlock := s.locks.lock(config.Name)
	defer unlock()

	record := models.StreamRecord{
		Config: config,
		Status: models.StreamStatus{Running: false, Reason: "starting", LastCheckedAt: time.Now().UTC()},
	}
	if err := s.store.Put(record); err != nil {
		return models.StreamRecord{}, err
	}

	if err := s.controller.Start(ctx, config); err != nil {
		logger.Error("worker launch failed, rolling back record", "error", err)
		if delErr := s.store.Delete(config.Name); delErr != nil {
			logger.Error("rollback failed, record orphaned", "error", delErr)
		}
		return models.StreamRecord{}, fmt.Errorf("%w: %v", ErrWorkerStartFailed, err)
	}

	record.Status = models.StreamStatus{Running: true, Reason: "healthy", LastCheckedAt: time.Now().UTC()}
	if err := s.store.UpdateStatus(config.Name, record.Status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("status update failed after launch", "error", err)
	}

	s.publish(ctx, events.Event{Type: events.TypeStreamAdded, Stream: config.Name})
	s.publish(ctx, events.Event{Type: events.TypeWorkerStarted, Stream: config.Name})
	logger.Info("stream added", "source", config.SourceURL, "rtsp_port", config.RTSPPort)
	return record, nil
}

// RemoveStream stops the stream's worker and deletes its record. Worker
// teardown is best effort: a stream whose worker already died is still
// removed cleanly.
func (s *Supervisor) RemoveStream(ctx context.Context, name string) error {
	err := s.removeStream(ctx, name)
	metrics.ObserveMutation("remove", err)
	return err
}

func (s *Supervisor) removeStream(ctx context.Context, name string) error {
	ctx = logging.ContextWithStreamName(ctx, name)
	logger := logging.WithContext(ctx, s.logger)

	unlock := s.locks.lock(name)
	defer unlock()

	if _, err := s.store.Get(name); err != nil {
		return err
	}

	if err := s.controller.Stop(ctx, name); err != nil && !errors.Is(err, worker.ErrNotFound) {
		logger.Warn("worker stop failed during removal", "error", err)
	}

	if err := s.store.Delete(name); err != nil {
		return err
	}
	s.restarts.forget(name)

	s.publish(ctx, events.Event{Type: events.TypeStreamRemoved, Stream: name})
	logger.Info("stream removed")
	return nil
}

// List returns every stream record in insertion order, as last persisted.
func (s *Supervisor) List(ctx context.Context) []models.StreamRecord {
	return s.store.List()
}

// Get returns the record for name with its status refreshed from a live
// probe of the worker.
func (s *Supervisor) Get(ctx context.Context, name string) (models.StreamRecord, error) {
	record, err := s.store.Get(name)
	if err != nil {
		return models.StreamRecord{}, err
	}
	record.Status = s.probeStatus(name)
	return record, nil
}

// Logs returns up to maxBytes of the most recent captured worker output for
// name. It fails with storage.ErrNotFound when no such stream is configured.
func (s *Supervisor) Logs(ctx context.Context, name string, maxBytes int) ([]byte, error) {
	if _, err := s.store.Get(name); err != nil {
		return nil, err
	}
	return s.controller.TailLog(name, maxBytes), nil
}

// OutputURL renders the client-facing playback address for a stream.
func (s *Supervisor) OutputURL(config models.StreamConfig) string {
	return config.OutputURL(s.cfg.RelayHost)
}

// Shutdown stops every worker, bounded by ctx. Stream records are left in
// place so the next start can resume them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping all workers")
	return s.controller.StopAll(ctx)
}

func (s *Supervisor) probeStatus(name string) models.StreamStatus {
	result := s.controller.Probe(name)
	return models.StreamStatus{
		Running:       result.Alive,
		Reason:        result.Reason,
		ExitCode:      result.ExitCode,
		LastCheckedAt: time.Now().UTC(),
	}
}

// publish delivers an event without letting sink failures surface to the
// caller.
func (s *Supervisor) publish(ctx context.Context, event events.Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed", "type", event.Type, "stream", event.Stream, "error", err)
	}
}
