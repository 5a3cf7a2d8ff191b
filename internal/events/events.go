// Package events publishes stream lifecycle notifications for external
// consumers. The supervisor treats publishing as best effort: a failed
// publish never fails the mutation that produced it.
package events

import (
	"context"
	"time"
)

// Event types emitted by the supervisor.
const (
	TypeStreamAdded     = "stream.added"
	TypeStreamRemoved   = "stream.removed"
	TypeWorkerStarted   = "worker.started"
	TypeWorkerExited    = "worker.exited"
	TypeWorkerRestarted = "worker.restarted"
)

// Event describes one lifecycle transition of a stream or its worker.
type Event struct {
	Type     string    `json:"type"`
	Stream   string    `json:"stream"`
	Reason   string    `json:"reason,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers lifecycle events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher discards every event. It is the default when no event sink
// is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
