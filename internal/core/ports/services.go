package ports

import (
	"time"

	"livecast/internal/core/domain"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// SessionMetrics receives session lifecycle events for monitoring.
type SessionMetrics interface {
	BroadcastStarted()
	BroadcastStopped(duration time.Duration)
	SessionOpened(role domain.Role)
	SessionClosed(role domain.Role)
	NegotiationCompleted(role domain.Role, duration time.Duration)
	NegotiationFailed(role domain.Role, reason string)
	SignalingMessage(msgType domain.MessageType, direction string)
	MessageDiscarded(msgType domain.MessageType, reason string)
	ViewerCount(role domain.Role, count int)
	ViewerOutcome(status domain.ViewerStatus)
	MediaReceived(kind string, bytes int)
}
