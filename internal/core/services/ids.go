package services

import (
	"livecast/internal/core/domain"
	"livecast/pkg/utils"
)

// NewRoomID generates an opaque room identifier.
func NewRoomID() domain.RoomID {
	return domain.RoomID(utils.GenerateRoomID())
}

// NewParticipantID generates a per-process participant identity. It is
// never persisted.
func NewParticipantID() domain.ParticipantID {
	return domain.ParticipantID(utils.GenerateParticipantID())
}
