package memory

import (
	"context"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

// DropRule decides whether a message from one member to another is lost.
type DropRule func(channel string, from, to domain.ParticipantID, msgType domain.MessageType) bool

// Hub is an in-process signaling relay with presence. Delivery to each
// member happens on that member's own goroutine, in publish order.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*room
	dropRule DropRule
	logger   *zap.SugaredLogger
}

type room struct {
	members  map[domain.ParticipantID]*member
	presence map[domain.ParticipantID]domain.PresenceMember
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		channels: make(map[string]*room),
		logger:   logger,
	}
}

// SetDropRule installs a rule used to simulate lost messages.
func (h *Hub) SetDropRule(rule DropRule) {
	h.mu.Lock()
	h.dropRule = rule
	h.mu.Unlock()
}

func (h *Hub) Join(ctx context.Context, channel string, self domain.ParticipantID) (ports.SignalChannel, error) {
	m := &member{
		hub:      h,
		channel:  channel,
		id:       self,
		handlers: make(map[domain.MessageType][]ports.MessageHandler),
		queue:    make(chan delivery, defaultQueueSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	r, ok := h.channels[channel]
	if !ok {
		r = &room{
			members:  make(map[domain.ParticipantID]*member),
			presence: make(map[domain.ParticipantID]domain.PresenceMember),
		}
		h.channels[channel] = r
	}
	if existing, ok := r.members[self]; ok {
		h.mu.Unlock()
		_ = existing.Unsubscribe()
		h.mu.Lock()
		r = h.roomLocked(channel)
	}
	r.members[self] = m
	h.mu.Unlock()

	go m.dispatch()

	h.logger.Debugw("member joined channel", "channel", channel, "participant_id", self)
	return m, nil
}

// Members returns the tracked presence of a channel.
func (h *Hub) Members(channel string) []domain.PresenceMember {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.channels[channel]
	if !ok {
		return nil
	}
	return presenceList(r)
}

func (h *Hub) roomLocked(channel string) *room {
	r, ok := h.channels[channel]
	if !ok {
		r = &room{
			members:  make(map[domain.ParticipantID]*member),
			presence: make(map[domain.ParticipantID]domain.PresenceMember),
		}
		h.channels[channel] = r
	}
	return r
}

func (h *Hub) publish(from *member, env domain.Envelope) error {
	h.mu.RLock()
	r, ok := h.channels[from.channel]
	if !ok || r.members[from.id] != from {
		h.mu.RUnlock()
		return domain.ErrChannelClosed
	}
	targets := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id == from.id {
			continue
		}
		if h.dropRule != nil && h.dropRule(from.channel, from.id, id, env.Type) {
			h.logger.Debugw("dropping message", "channel", from.channel, "type", env.Type, "to", id)
			continue
		}
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	for _, m := range targets {
		m.enqueue(delivery{envelope: &env})
	}
	return nil
}

func (h *Hub) track(from *member, state domain.PresenceMember) error {
	h.mu.Lock()
	r, ok := h.channels[from.channel]
	if !ok || r.members[from.id] != from {
		h.mu.Unlock()
		return domain.ErrChannelClosed
	}
	r.presence[from.id] = state
	snapshot, targets := presenceList(r), memberList(r)
	h.mu.Unlock()

	for _, m := range targets {
		m.enqueue(delivery{presence: snapshot})
	}
	return nil
}

func (h *Hub) leave(from *member) {
	h.mu.Lock()
	r, ok := h.channels[from.channel]
	if !ok || r.members[from.id] != from {
		h.mu.Unlock()
		return
	}
	delete(r.members, from.id)
	_, tracked := r.presence[from.id]
	delete(r.presence, from.id)
	if len(r.members) == 0 {
		delete(h.channels, from.channel)
	}
	snapshot, targets := presenceList(r), memberList(r)
	h.mu.Unlock()

	if !tracked {
		return
	}
	for _, m := range targets {
		m.enqueue(delivery{presence: snapshot})
	}
}

func presenceList(r *room) []domain.PresenceMember {
	list := make([]domain.PresenceMember, 0, len(r.presence))
	for _, p := range r.presence {
		list = append(list, p)
	}
	return list
}

func memberList(r *room) []*member {
	list := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		list = append(list, m)
	}
	return list
}

type delivery struct {
	envelope *domain.Envelope
	presence []domain.PresenceMember
}

// member is one participant's view of a channel.
type member struct {
	hub     *Hub
	channel string
	id      domain.ParticipantID

	mu               sync.RWMutex
	handlers         map[domain.MessageType][]ports.MessageHandler
	presenceHandlers []ports.PresenceHandler

	queue     chan delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (m *member) Publish(ctx context.Context, msgType domain.MessageType, payload any) error {
	if m.isClosed() {
		return domain.ErrChannelClosed
	}
	env, err := domain.NewEnvelope(msgType, m.id, payload)
	if err != nil {
		return err
	}
	return m.hub.publish(m, env)
}

func (m *member) Subscribe(msgType domain.MessageType, handler ports.MessageHandler) {
	m.mu.Lock()
	m.handlers[msgType] = append(m.handlers[msgType], handler)
	m.mu.Unlock()
}

func (m *member) OnPresenceSync(handler ports.PresenceHandler) {
	m.mu.Lock()
	m.presenceHandlers = append(m.presenceHandlers, handler)
	m.mu.Unlock()
}

func (m *member) Track(ctx context.Context, state domain.PresenceMember) error {
	if m.isClosed() {
		return domain.ErrChannelClosed
	}
	return m.hub.track(m, state)
}

func (m *member) Unsubscribe() error {
	m.closeOnce.Do(func() {
		m.hub.leave(m)
		close(m.done)
		m.hub.logger.Debugw("member left channel", "channel", m.channel, "participant_id", m.id)
	})
	return nil
}

func (m *member) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *member) enqueue(d delivery) {
	select {
	case m.queue <- d:
	case <-m.done:
	}
}

func (m *member) dispatch() {
	ctx := context.Background()
	for {
		select {
		case <-m.done:
			return
		case d := <-m.queue:
			m.deliver(ctx, d)
		}
	}
}

func (m *member) deliver(ctx context.Context, d delivery) {
	if d.envelope != nil {
		m.mu.RLock()
		handlers := append([]ports.MessageHandler(nil), m.handlers[d.envelope.Type]...)
		m.mu.RUnlock()

		for _, h := range handlers {
			h(ctx, *d.envelope)
		}
		return
	}

	m.mu.RLock()
	handlers := append([]ports.PresenceHandler(nil), m.presenceHandlers...)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(d.presence)
	}
}
