package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// MessageHandler receives envelopes of one subscribed type. Handlers run on
// the channel's delivery goroutine and must not block for long.
type MessageHandler func(ctx context.Context, env domain.Envelope)

// PresenceHandler receives the full member list after every change.
type PresenceHandler func(members []domain.PresenceMember)

// SignalTransport is the broadcast-only relay with presence. Every publish
// reaches every other member of the channel; the sender never gets its own
// messages back.
type SignalTransport interface {
	Join(ctx context.Context, channel string, self domain.ParticipantID) (SignalChannel, error)
}

type SignalChannel interface {
	Publish(ctx context.Context, msgType domain.MessageType, payload any) error
	Subscribe(msgType domain.MessageType, handler MessageHandler)
	OnPresenceSync(handler PresenceHandler)
	Track(ctx context.Context, member domain.PresenceMember) error
	// Unsubscribe leaves the channel. Calling it more than once is a no-op.
	Unsubscribe() error
}
