package memory

import (
	"context"
	"sync"

	"livecast/internal/core/domain"
)

// LiveStatusRepository keeps the live-status record in process memory.
type LiveStatusRepository struct {
	mu       sync.RWMutex
	status   *domain.LiveStatus
	watchers map[int]chan domain.LiveStatus
	nextID   int
}

func NewLiveStatusRepository() *LiveStatusRepository {
	return &LiveStatusRepository{
		watchers: make(map[int]chan domain.LiveStatus),
	}
}

func (r *LiveStatusRepository) Load(ctx context.Context) (domain.LiveStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.status == nil {
		return domain.InactiveStatus(), nil
	}
	return *r.status, nil
}

func (r *LiveStatusRepository) Save(ctx context.Context, status domain.LiveStatus) error {
	r.mu.Lock()
	r.status = &status
	watchers := make([]chan domain.LiveStatus, 0, len(r.watchers))
	for _, ch := range r.watchers {
		watchers = append(watchers, ch)
	}
	r.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- status:
		default:
		}
	}
	return nil
}

// Watch streams every saved status until ctx is done. Slow readers miss
// intermediate updates.
func (r *LiveStatusRepository) Watch(ctx context.Context) (<-chan domain.LiveStatus, error) {
	ch := make(chan domain.LiveStatus, 8)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}()
	return ch, nil
}
