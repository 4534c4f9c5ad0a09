// Package store mirrors control-plane state into Postgres. The in-memory
// registry stays authoritative (rehydration reads container labels, not the
// database); the mirror is a durable audit trail and the backing source for
// stat history older than the in-memory retention window.
package store

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// Mirror receives best-effort writes behind the in-memory registry.
type Mirror interface {
	SaveEngine(ctx context.Context, e *domain.Engine) error
	DeleteEngine(ctx context.Context, containerID string) error
	SaveStream(ctx context.Context, st *domain.Stream) error
	AppendStreamStats(ctx context.Context, snaps []domain.StatSnapshot) error
	// StreamStats returns persisted samples for one stream at or after since,
	// oldest first.
	StreamStats(ctx context.Context, streamID string, since time.Time) ([]domain.StatSnapshot, error)
	// PruneStreamStats drops samples older than before and reports how many
	// rows went away.
	PruneStreamStats(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewNoop returns a Mirror that discards everything. Used when no DSN is
// configured.
func NewNoop() Mirror {
	return noopMirror{}
}

type noopMirror struct{}

func (noopMirror) SaveEngine(context.Context, *domain.Engine) error { return nil }

func (noopMirror) DeleteEngine(context.Context, string) error { return nil }

func (noopMirror) SaveStream(context.Context, *domain.Stream) error { return nil }

func (noopMirror) AppendStreamStats(context.Context, []domain.StatSnapshot) error { return nil }

func (noopMirror) StreamStats(context.Context, string, time.Time) ([]domain.StatSnapshot, error) {
	return nil, nil
}

func (noopMirror) PruneStreamStats(context.Context, time.Time) (int64, error) { return 0, nil }

func (noopMirror) Ping(context.Context) error { return nil }

func (noopMirror) Close() error { return nil }
