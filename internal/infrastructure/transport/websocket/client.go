package websocket

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientWriteTimeout = 10 * time.Second

// Transport dials a Relay for every joined channel.
type Transport struct {
	relayURL string
	dialer   *websocket.Dialer
	logger   *zap.SugaredLogger
}

// NewTransport accepts the relay endpoint, e.g. ws://localhost:8081/ws.
func NewTransport(relayURL string, logger *zap.SugaredLogger) *Transport {
	return &Transport{
		relayURL: relayURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (t *Transport) Join(ctx context.Context, channel string, self domain.ParticipantID) (ports.SignalChannel, error) {
	u, err := url.Parse(t.relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("channel", channel)
	q.Set("participant_id", string(self))
	u.RawQuery = q.Encode()

	ws, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	c := &clientChannel{
		ws:       ws,
		self:     self,
		handlers: make(map[domain.MessageType][]ports.MessageHandler),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		logger:   t.logger.With("channel", channel, "participant_id", self),
	}
	go c.readLoop()

	c.logger.Debugw("joined relay channel")
	return c, nil
}

type clientChannel struct {
	ws     *websocket.Conn
	self   domain.ParticipantID
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu               sync.RWMutex
	handlers         map[domain.MessageType][]ports.MessageHandler
	presenceHandlers []ports.PresenceHandler

	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
}

func (c *clientChannel) Publish(ctx context.Context, msgType domain.MessageType, payload any) error {
	env, err := domain.NewEnvelope(msgType, c.self, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, Frame{Op: OpPublish, Envelope: &env})
}

func (c *clientChannel) Subscribe(msgType domain.MessageType, handler ports.MessageHandler) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
	c.mu.Unlock()
}

func (c *clientChannel) OnPresenceSync(handler ports.PresenceHandler) {
	c.mu.Lock()
	c.presenceHandlers = append(c.presenceHandlers, handler)
	c.mu.Unlock()
}

func (c *clientChannel) Track(ctx context.Context, member domain.PresenceMember) error {
	return c.write(ctx, Frame{Op: OpTrack, Member: &member})
}

func (c *clientChannel) Unsubscribe() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
		<-c.readDone
		c.logger.Debugw("left relay channel")
	})
	return err
}

func (c *clientChannel) write(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	case <-c.readDone:
		return domain.ErrChannelClosed
	default:
	}

	deadline := time.Now().Add(clientWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

// readLoop also answers relay pings through the default ping handler.
func (c *clientChannel) readLoop() {
	defer close(c.readDone)

	ctx := context.Background()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnw("relay connection lost", "error", err)
			}
			return
		}

		switch f.Op {
		case OpMessage:
			if f.Envelope == nil || f.Envelope.Sender == c.self {
				continue
			}
			c.mu.RLock()
			handlers := append([]ports.MessageHandler(nil), c.handlers[f.Envelope.Type]...)
			c.mu.RUnlock()
			for _, h := range handlers {
				h(ctx, *f.Envelope)
			}
		case OpPresence:
			members := f.Members
			if members == nil {
				members = []domain.PresenceMember{}
			}
			c.mu.RLock()
			handlers := append([]ports.PresenceHandler(nil), c.presenceHandlers...)
			c.mu.RUnlock()
			for _, h := range handlers {
				h(members)
			}
		case OpError:
			c.logger.Warnw("relay rejected frame", "error", f.Error)
		}
	}
}
