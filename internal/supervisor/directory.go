package supervisor

import (
	"context"

	"rtspbridge/internal/models"
)

// Directory is the read-only view of the supervisor handed to components
// that inspect streams but must not mutate them.
type Directory interface {
	List(ctx context.Context) []models.StreamRecord
	Get(ctx context.Context, name string) (models.StreamRecord, error)
	Logs(ctx context.Context, name string, maxBytes int) ([]byte, error)
	OutputURL(config models.StreamConfig) string
}

var _ Directory = (*Supervisor)(nil)
