package services

import (
	"time"

	"livecast/internal/core/domain"
)

type nopMetrics struct{}

func (nopMetrics) BroadcastStarted() {}
func (nopMetrics) BroadcastStopped(time.Duration) {}
func (nopMetrics) SessionOpened(domain.Role) {}
func (nopMetrics) SessionClosed(domain.Role) {}
func (nopMetrics) NegotiationCompleted(domain.Role, time.Duration) {}
func (nopMetrics) NegotiationFailed(domain.Role, string) {}
func (nopMetrics) SignalingMessage(domain.MessageType, string) {}
func (nopMetrics) MessageDiscarded(domain.MessageType, string) {}
func (nopMetrics) ViewerCount(domain.Role, int) {}
func (nopMetrics) ViewerOutcome(domain.ViewerStatus) {}
func (nopMetrics) MediaReceived(string, int) {}
