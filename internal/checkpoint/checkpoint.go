package checkpoint

import (
	"context"
	"time"

	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// Store persists serialized sessions so a suspended query can be resumed
// later, possibly by a different process. Implementations must be durable
// for production use; the in-memory store exists for tests.
type Store interface {
	// Save writes the session snapshot, replacing any previous one.
	Save(ctx context.Context, s *session.Session) error
	// Load returns the snapshot for the id, or session.ErrNotFound.
	Load(ctx context.Context, id string) (*session.Session, error)
	// Delete removes the snapshot. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// SetDeadline indexes the session for approval-timeout sweeping.
	SetDeadline(ctx context.Context, id string, deadline time.Time) error
	// ClearDeadline removes the session from the timeout index.
	ClearDeadline(ctx context.Context, id string) error
	// Due returns up to limit session ids whose deadline is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}
