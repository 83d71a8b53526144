package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/utils"
	"livecast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sendQueueSize = 64

// Metrics is the subset of session metrics the relay reports.
type Metrics interface {
	SignalingMessage(msgType domain.MessageType, direction string)
	MessageDiscarded(msgType domain.MessageType, reason string)
}

type RelayOptions struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64 // zero disables per-connection limiting
	Burst             int
	MaxConnections    int // zero means unlimited
}

func DefaultRelayOptions() RelayOptions {
	return RelayOptions{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Relay is a broadcast-only signaling relay. Connections are grouped by
// channel name and every publish fans out to the other members.
type Relay struct {
	opts     RelayOptions
	upgrader websocket.Upgrader
	metrics  Metrics
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[string]*relayRoom
	count int
}

type relayRoom struct {
	conns    map[*relayConn]struct{}
	presence map[domain.ParticipantID]domain.PresenceMember
}

type relayConn struct {
	id           string
	channel      string
	participant  domain.ParticipantID
	ws           *websocket.Conn
	send         chan Frame
	limiter      *rate.Limiter
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func NewRelay(opts RelayOptions, metrics Metrics, logger *zap.SugaredLogger) *Relay {
	defaults := DefaultRelayOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}

	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Relay{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		metrics: metrics,
		logger:  logger,
		rooms:   make(map[string]*relayRoom),
	}
}

type nopMetrics struct{}

func (nopMetrics) SignalingMessage(domain.MessageType, string) {}
func (nopMetrics) MessageDiscarded(domain.MessageType, string) {}

// ServeHTTP upgrades /ws?channel=…&participant_id=… requests.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	channel := req.URL.Query().Get("channel")
	participant := req.URL.Query().Get("participant_id")

	if err := validateChannel(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidateParticipantID(participant); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	if r.opts.MaxConnections > 0 && r.count >= r.opts.MaxConnections {
		r.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	r.count++
	r.mu.Unlock()

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.mu.Lock()
		r.count--
		r.mu.Unlock()
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &relayConn{
		id:           utils.GenerateConnectionID(),
		channel:      channel,
		participant:  domain.ParticipantID(participant),
		ws:           ws,
		send:         make(chan Frame, sendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: r.opts.WriteTimeout,
	}
	if r.opts.MessagesPerSecond > 0 {
		burst := r.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r.opts.MessagesPerSecond), burst)
	}

	r.register(c)
	r.logger.Infow("relay connection opened",
		"connection_id", c.id,
		"channel", channel,
		"participant_id", participant,
	)

	go r.writePump(c)
	r.readPump(c)

	r.unregister(c)
	c.close()

	r.mu.Lock()
	r.count--
	r.mu.Unlock()

	r.logger.Infow("relay connection closed", "connection_id", c.id, "participant_id", participant)
}

// ConnectionCount returns the number of open connections.
func (r *Relay) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// ChannelCount returns the number of channels with at least one connection.
func (r *Relay) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Shutdown closes every connection with a going-away close frame.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	var conns []*relayConn
	for _, room := range r.rooms {
		for c := range room.conns {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	deadline := time.Now().Add(r.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.close()
	}
	return nil
}

func (r *Relay) readPump(c *relayConn) {
	c.ws.SetReadLimit(r.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				r.logger.Infow("error reading frame", "connection_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			r.discard(f, "rate_limited")
			c.enqueue(Frame{Op: OpError, Error: "rate limit exceeded"})
			continue
		}

		if err := r.handleFrame(c, f); err != nil {
			r.logger.Debugw("rejected frame", "connection_id", c.id, "op", f.Op, "error", err)
			c.enqueue(Frame{Op: OpError, Error: err.Error()})
		}
	}
}

func (r *Relay) writePump(c *relayConn) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				r.logger.Infow("error writing frame", "connection_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.logger.Infow("error sending ping", "connection_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

func (r *Relay) handleFrame(c *relayConn, f Frame) error {
	switch f.Op {
	case OpPublish:
		if f.Envelope == nil {
			return fmt.Errorf("%w: publish without envelope", domain.ErrInvalidMessage)
		}
		if !f.Envelope.Type.Valid() {
			r.discard(f, "unknown_type")
			return fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, f.Envelope.Type)
		}
		// The relay stamps the sender; clients cannot speak for others.
		env := *f.Envelope
		env.Sender = c.participant
		r.metrics.SignalingMessage(env.Type, ports.DirectionInbound)
		r.fanOut(c, Frame{Op: OpMessage, Envelope: &env})
		return nil

	case OpTrack:
		if f.Member == nil {
			return fmt.Errorf("%w: track without member", domain.ErrInvalidMessage)
		}
		member := *f.Member
		member.Key = c.participant
		if member.OnlineAt.IsZero() {
			member.OnlineAt = time.Now()
		}
		r.track(c, member)
		return nil

	default:
		return fmt.Errorf("%w: op %q", domain.ErrUnknownMessageType, f.Op)
	}
}

func (r *Relay) register(c *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[c.channel]
	if !ok {
		room = &relayRoom{
			conns:    make(map[*relayConn]struct{}),
			presence: make(map[domain.ParticipantID]domain.PresenceMember),
		}
		r.rooms[c.channel] = room
	}
	room.conns[c] = struct{}{}
}

func (r *Relay) unregister(c *relayConn) {
	r.mu.Lock()
	room, ok := r.rooms[c.channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(room.conns, c)

	// A reconnect under the same participant id may own the presence entry.
	tracked := false
	if !r.participantConnectedLocked(room, c.participant) {
		_, tracked = room.presence[c.participant]
		delete(room.presence, c.participant)
	}
	if len(room.conns) == 0 {
		delete(r.rooms, c.channel)
	}
	members, targets := presenceSnapshot(room), connList(room)
	r.mu.Unlock()

	if tracked {
		for _, t := range targets {
			t.enqueue(Frame{Op: OpPresence, Members: members})
		}
	}
}

func (r *Relay) participantConnectedLocked(room *relayRoom, id domain.ParticipantID) bool {
	for c := range room.conns {
		if c.participant == id {
			return true
		}
	}
	return false
}

func (r *Relay) track(c *relayConn, member domain.PresenceMember) {
	r.mu.Lock()
	room, ok := r.rooms[c.channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	room.presence[member.Key] = member
	members, targets := presenceSnapshot(room), connList(room)
	r.mu.Unlock()

	for _, t := range targets {
		t.enqueue(Frame{Op: OpPresence, Members: members})
	}
}

func (r *Relay) fanOut(from *relayConn, f Frame) {
	r.mu.RLock()
	room, ok := r.rooms[from.channel]
	var targets []*relayConn
	if ok {
		for c := range room.conns {
			if c != from && c.participant != from.participant {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if !t.enqueue(f) {
			r.discard(f, "slow_consumer")
			r.logger.Warnw("dropping frame for slow connection", "connection_id", t.id)
		}
	}
}

func (r *Relay) discard(f Frame, reason string) {
	var msgType domain.MessageType
	if f.Envelope != nil {
		msgType = f.Envelope.Type
	}
	r.metrics.MessageDiscarded(msgType, reason)
}

// enqueue never blocks; a full queue drops the frame.
func (c *relayConn) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func presenceSnapshot(room *relayRoom) []domain.PresenceMember {
	members := make([]domain.PresenceMember, 0, len(room.presence))
	for _, m := range room.presence {
		members = append(members, m)
	}
	return members
}

func connList(room *relayRoom) []*relayConn {
	conns := make([]*relayConn, 0, len(room.conns))
	for c := range room.conns {
		conns = append(conns, c)
	}
	return conns
}

func validateChannel(channel string) error {
	if !strings.HasPrefix(channel, domain.ChannelNamespace) {
		return fmt.Errorf("channel must start with %q", domain.ChannelNamespace)
	}
	return validation.ValidateRoomID(strings.TrimPrefix(channel, domain.ChannelNamespace))
}
