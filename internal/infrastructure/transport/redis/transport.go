package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	frameMessage  = "message"
	framePresence = "presence"
)

// frame is what travels on a room's pub/sub channel. Presence frames carry
// no data; receivers re-read the presence set instead.
type frame struct {
	Kind     string           `json:"kind"`
	Sender   string           `json:"sender"`
	Envelope *domain.Envelope `json:"envelope,omitempty"`
}

type Options struct {
	PresenceHeartbeat time.Duration
	PresenceTTL       time.Duration
}

// Transport is a SignalTransport over Redis pub/sub. Presence is kept in a
// sorted set scored by expiry so crashed participants age out.
type Transport struct {
	client *redis.Client
	opts   Options
	logger *zap.SugaredLogger
}

func NewTransport(client *redis.Client, opts Options, logger *zap.SugaredLogger) *Transport {
	if opts.PresenceHeartbeat <= 0 {
		opts.PresenceHeartbeat = 5 * time.Second
	}
	if opts.PresenceTTL <= opts.PresenceHeartbeat {
		opts.PresenceTTL = 3 * opts.PresenceHeartbeat
	}
	return &Transport{client: client, opts: opts, logger: logger}
}

func (t *Transport) Join(ctx context.Context, channel string, self domain.ParticipantID) (ports.SignalChannel, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so nothing published after
	// Join returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	c := &roomChannel{
		transport: t,
		name:      channel,
		self:      self,
		pubsub:    pubsub,
		presence:  newPresenceStore(t.client, channel, t.opts.PresenceTTL),
		handlers:  make(map[domain.MessageType][]ports.MessageHandler),
		done:      make(chan struct{}),
		logger:    t.logger.With("channel", channel, "participant_id", self),
	}

	c.wg.Add(1)
	go c.readLoop()

	c.logger.Debugw("joined redis channel")
	return c, nil
}

type roomChannel struct {
	transport *Transport
	name      string
	self      domain.ParticipantID
	pubsub    *redis.PubSub
	presence  *presenceStore
	logger    *zap.SugaredLogger

	mu               sync.RWMutex
	handlers         map[domain.MessageType][]ports.MessageHandler
	presenceHandlers []ports.PresenceHandler
	tracked          *domain.PresenceMember

	heartbeatOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}
	wg            sync.WaitGroup
}

func (c *roomChannel) Publish(ctx context.Context, msgType domain.MessageType, payload any) error {
	if c.isClosed() {
		return domain.ErrChannelClosed
	}
	env, err := domain.NewEnvelope(msgType, c.self, payload)
	if err != nil {
		return err
	}
	return c.publishFrame(ctx, frame{Kind: frameMessage, Sender: string(c.self), Envelope: &env})
}

func (c *roomChannel) Subscribe(msgType domain.MessageType, handler ports.MessageHandler) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
	c.mu.Unlock()
}

func (c *roomChannel) OnPresenceSync(handler ports.PresenceHandler) {
	c.mu.Lock()
	c.presenceHandlers = append(c.presenceHandlers, handler)
	c.mu.Unlock()
}

func (c *roomChannel) Track(ctx context.Context, state domain.PresenceMember) error {
	if c.isClosed() {
		return domain.ErrChannelClosed
	}
	if err := c.presence.put(ctx, state); err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}

	c.mu.Lock()
	c.tracked = &state
	c.mu.Unlock()

	c.heartbeatOnce.Do(func() {
		c.wg.Add(1)
		go c.heartbeat()
	})

	return c.publishFrame(ctx, frame{Kind: framePresence, Sender: string(c.self)})
}

// Unsubscribe removes tracked presence, announces the departure and stops
// the reader. Safe to call more than once.
func (c *roomChannel) Unsubscribe() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.RLock()
		tracked := c.tracked != nil
		c.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if tracked {
			if rmErr := c.presence.remove(ctx, c.self); rmErr != nil {
				c.logger.Warnw("failed to remove presence", "error", rmErr)
			} else if pubErr := c.publishFrame(ctx, frame{Kind: framePresence, Sender: string(c.self)}); pubErr != nil {
				c.logger.Warnw("failed to announce departure", "error", pubErr)
			}
		}

		err = c.pubsub.Close()
		c.wg.Wait()
		c.logger.Debugw("left redis channel")
	})
	return err
}

func (c *roomChannel) publishFrame(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := c.transport.client.Publish(ctx, c.name, data).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (c *roomChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *roomChannel) readLoop() {
	defer c.wg.Done()

	ctx := context.Background()
	ch := c.pubsub.Channel()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handleFrame(ctx, msg.Payload)
		}
	}
}

func (c *roomChannel) handleFrame(ctx context.Context, payload string) {
	f, err := decodeFrame(payload)
	if err != nil {
		c.logger.Warnw("failed to decode frame", "error", err)
		return
	}

	switch f.Kind {
	case frameMessage:
		if f.Envelope.Sender == c.self {
			return
		}
		c.mu.RLock()
		handlers := append([]ports.MessageHandler(nil), c.handlers[f.Envelope.Type]...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(ctx, *f.Envelope)
		}
	case framePresence:
		c.syncPresence(ctx)
	}
}

func (c *roomChannel) syncPresence(ctx context.Context) {
	members, err := c.presence.list(ctx)
	if err != nil {
		c.logger.Warnw("failed to read presence", "error", err)
		return
	}

	c.mu.RLock()
	handlers := append([]ports.PresenceHandler(nil), c.presenceHandlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(members)
	}
}

// heartbeat keeps this participant's presence fresh and prunes members
// whose entries expired without a clean leave.
func (c *roomChannel) heartbeat() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.transport.opts.PresenceHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.transport.opts.PresenceHeartbeat)
			if err := c.presence.refresh(ctx, c.self); err != nil {
				c.logger.Warnw("presence heartbeat failed", "error", err)
			}
			pruned, err := c.presence.prune(ctx)
			if err != nil {
				c.logger.Warnw("failed to prune presence", "error", err)
			} else if pruned > 0 {
				c.logger.Debugw("pruned expired presence", "count", pruned)
				_ = c.publishFrame(ctx, frame{Kind: framePresence, Sender: string(c.self)})
			}
			cancel()
		}
	}
}

func decodeFrame(payload string) (frame, error) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	switch f.Kind {
	case frameMessage:
		if f.Envelope == nil {
			return frame{}, fmt.Errorf("%w: message frame without envelope", domain.ErrInvalidMessage)
		}
	case framePresence:
	default:
		return frame{}, fmt.Errorf("%w: frame kind %q", domain.ErrUnknownMessageType, f.Kind)
	}
	return f, nil
}
