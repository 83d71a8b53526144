package utils

import (
	"strings"
	"testing"

	"livecast/pkg/validation"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	if id1 == id2 {
		t.Error("expected different IDs")
	}

	if !strings.HasPrefix(id1, "test_") {
		t.Errorf("expected prefix 'test_', got %s", id1)
	}
}

func TestGeneratedIDsPassValidation(t *testing.T) {
	if err := validation.ValidateRoomID(GenerateRoomID()); err != nil {
		t.Errorf("room ID failed validation: %v", err)
	}
	if err := validation.ValidateParticipantID(GenerateParticipantID()); err != nil {
		t.Errorf("participant ID failed validation: %v", err)
	}
	if err := validation.ValidateParticipantID(GenerateConnectionID()); err != nil {
		t.Errorf("connection ID failed validation: %v", err)
	}
}
