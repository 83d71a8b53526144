package services

import (
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

// PresenceTracker turns presence syncs into a display-only viewer count.
// The broadcaster excludes itself from the count; a viewer shows every
// member it sees.
type PresenceTracker struct {
	role    domain.Role
	self    domain.ParticipantID
	metrics ports.SessionMetrics

	mu       sync.RWMutex
	count    int
	members  []domain.PresenceMember
	onChange func(count int)
}

func NewPresenceTracker(role domain.Role, self domain.ParticipantID, metrics ports.SessionMetrics) *PresenceTracker {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &PresenceTracker{
		role:    role,
		self:    self,
		metrics: metrics,
	}
}

// OnChange registers a callback invoked with the new count after every sync.
func (p *PresenceTracker) OnChange(fn func(count int)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Sync is the presence handler installed on the signaling channel.
func (p *PresenceTracker) Sync(members []domain.PresenceMember) {
	seen := make(map[domain.ParticipantID]struct{}, len(members))
	for _, m := range members {
		seen[m.Key] = struct{}{}
	}

	count := len(seen)
	if p.role == domain.RoleBroadcaster {
		if _, ok := seen[p.self]; ok {
			count--
		}
	}

	p.mu.Lock()
	p.count = count
	p.members = append(p.members[:0], members...)
	fn := p.onChange
	p.mu.Unlock()

	p.metrics.ViewerCount(p.role, count)
	if fn != nil {
		fn(count)
	}
}

func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

func (p *PresenceTracker) Members() []domain.PresenceMember {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members := make([]domain.PresenceMember, len(p.members))
	copy(members, p.members)
	return members
}
