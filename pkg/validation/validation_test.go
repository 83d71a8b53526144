package validation

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"uuid", "7f1c2a9e-3b4d-4e5f-8a9b-0c1d2e3f4a5b", false},
		{"with underscore", "room_1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "room:1", true},
		{"spaces", "room 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name          string
		participantID string
		wantErr       bool
	}{
		{"valid", "viewer-1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("v", 101), true},
		{"invalid chars", "viewer/1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.participantID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSDP(t *testing.T) {
	valid := "v=0\r\no=- 123 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	tests := []struct {
		name    string
		sdp     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty", "", true},
		{"wrong prefix", "o=- 1 1 IN IP4 0.0.0.0", true},
		{"missing timing", "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSDP(tt.sdp)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSDP() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateICECandidate(t *testing.T) {
	if err := ValidateICECandidate(""); err != nil {
		t.Errorf("end-of-candidates should be accepted, got %v", err)
	}
	if err := ValidateICECandidate("candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host"); err != nil {
		t.Errorf("expected valid candidate, got %v", err)
	}
	if err := ValidateICECandidate("a=candidate:1"); err == nil {
		t.Error("expected error for malformed candidate")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8090/ws", false},
		{"https", "https://example.com", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "ws://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
