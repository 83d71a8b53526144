package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRoomID generates a unique room ID
func GenerateRoomID() string {
	return uuid.NewString()
}

// GenerateParticipantID generates a unique participant ID
func GenerateParticipantID() string {
	return GenerateID("p")
}

// GenerateConnectionID generates a unique relay connection ID
func GenerateConnectionID() string {
	return GenerateID("conn")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// GenerateID generates a random ID with prefix. The result only contains
// characters accepted by the ID validators.
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + id
}
