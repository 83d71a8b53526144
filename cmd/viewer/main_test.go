package main

import (
	"testing"

	"livecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		status domain.ViewerStatus
		want   int
	}{
		{domain.ViewerLeft, exitOK},
		{domain.ViewerLive, exitOK},
		{domain.ViewerCouldNotConnect, exitSessionFailed},
		{domain.ViewerConnectionLost, exitSessionFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.status), tt.status)
	}
	assert.NotEqual(t, exitSetupError, exitSessionFailed)
}
