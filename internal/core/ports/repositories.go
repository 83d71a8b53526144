package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// LiveStatusRepository stores the shared "is anyone live" record.
type LiveStatusRepository interface {
	// Load returns the inactive status when nothing was ever saved.
	Load(ctx context.Context) (domain.LiveStatus, error)
	Save(ctx context.Context, status domain.LiveStatus) error
}

// LiveStatusWatcher is implemented by repositories that can push changes.
type LiveStatusWatcher interface {
	Watch(ctx context.Context) (<-chan domain.LiveStatus, error)
}

// BroadcastLease makes broadcasting exclusive across every process sharing
// the same store.
type BroadcastLease interface {
	// Acquire returns domain.ErrAlreadyLive when another holder has the
	// lease.
	Acquire(ctx context.Context, holder domain.ParticipantID) (Lease, error)
}

// Lease is a held BroadcastLease.
type Lease interface {
	// Lost is closed when the lease expired or was taken over while held.
	Lost() <-chan struct{}
	// Release gives the lease up. Calls after the first are no-ops.
	Release(ctx context.Context) error
}
