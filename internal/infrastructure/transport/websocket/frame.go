package websocket

import "livecast/internal/core/domain"

// Op names what a frame asks for (client to relay) or carries (relay to
// client).
type Op string

const (
	OpPublish  Op = "publish"
	OpTrack    Op = "track"
	OpMessage  Op = "message"
	OpPresence Op = "presence"
	OpError    Op = "error"
)

type Frame struct {
	Op       Op                      `json:"op"`
	Envelope *domain.Envelope        `json:"envelope,omitempty"`
	Member   *domain.PresenceMember  `json:"member,omitempty"`
	Members  []domain.PresenceMember `json:"members,omitempty"`
	Error    string                  `json:"error,omitempty"`
}
