package domain

import "time"

// SessionState tracks one peer connection negotiation.
type SessionState string

const (
	SessionNew         SessionState = "new"
	SessionOfferSent   SessionState = "offer-sent"
	SessionNegotiating SessionState = "negotiating"
	SessionConnected   SessionState = "connected"
	SessionAnswerSent  SessionState = "answer-sent"
	SessionClosed      SessionState = "closed"
)

// ViewerStatus is what the viewer surfaces to the person watching.
type ViewerStatus string

const (
	ViewerIdle            ViewerStatus = "idle"
	ViewerConnecting      ViewerStatus = "connecting"
	ViewerLive            ViewerStatus = "live"
	ViewerCouldNotConnect ViewerStatus = "could-not-connect"
	ViewerConnectionLost  ViewerStatus = "connection-lost"
	ViewerLeft            ViewerStatus = "left"
)

// Terminal reports whether no further transition can follow.
func (s ViewerStatus) Terminal() bool {
	switch s {
	case ViewerCouldNotConnect, ViewerConnectionLost, ViewerLeft:
		return true
	}
	return false
}

func (s ViewerStatus) Message() string {
	switch s {
	case ViewerConnecting:
		return "connecting..."
	case ViewerLive:
		return "connected, live"
	case ViewerCouldNotConnect:
		return "could not connect, please retry"
	case ViewerConnectionLost:
		return "connection lost, stream may have ended"
	case ViewerLeft:
		return "left the broadcast"
	}
	return ""
}

type SessionSnapshot struct {
	ViewerID  ParticipantID `json:"viewer_id"`
	State     SessionState  `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
}

// BroadcastSnapshot is a point-in-time view of the broadcaster side.
type BroadcastSnapshot struct {
	RoomID      RoomID            `json:"room_id,omitempty"`
	Active      bool              `json:"active"`
	ViewerCount int               `json:"viewer_count"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	Sessions    []SessionSnapshot `json:"sessions"`
}
