package domain

import "time"

type RoomID string
type ParticipantID string

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// ChannelNamespace prefixes every room channel so broadcasts never collide
// with other traffic on a shared relay.
const ChannelNamespace = "livecast:room:"

// ChannelName derives the signaling channel for a room.
func ChannelName(roomID RoomID) string {
	return ChannelNamespace + string(roomID)
}

// PresenceMember is the state a participant tracks on a room channel.
type PresenceMember struct {
	Key      ParticipantID `json:"key"`
	Role     Role          `json:"role"`
	OnlineAt time.Time     `json:"onlineAt"`
}

type LiveMode string

const (
	LiveModeNone        LiveMode = "none"
	LiveModeScreenshare LiveMode = "screenshare"
)

// LiveStatus is the shared record announcing whether a broadcast is running.
type LiveStatus struct {
	Mode          LiveMode  `json:"mode"`
	RoomReference RoomID    `json:"roomReference"`
	Active        bool      `json:"active"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func InactiveStatus() LiveStatus {
	return LiveStatus{
		Mode:      LiveModeNone,
		UpdatedAt: time.Now(),
	}
}

func ActiveStatus(roomID RoomID) LiveStatus {
	return LiveStatus{
		Mode:          LiveModeScreenshare,
		RoomReference: roomID,
		Active:        true,
		UpdatedAt:     time.Now(),
	}
}
