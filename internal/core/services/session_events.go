package services

import (
	"livecast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// sessionEvent is anything a session loop reacts to: signaling messages
// addressed to it and callbacks from its peer connection.
type sessionEvent interface {
	sessionEvent()
}

type offerEvent struct {
	offer webrtc.SessionDescription
}

type answerEvent struct {
	answer webrtc.SessionDescription
}

type remoteCandidateEvent struct {
	candidate webrtc.ICECandidateInit
}

// localCandidateEvent carries a nil candidate once gathering completes.
type localCandidateEvent struct {
	candidate *webrtc.ICECandidateInit
}

type connectionStateEvent struct {
	state webrtc.PeerConnectionState
}

type trackEvent struct {
	track ports.RemoteTrack
}

type timeoutEvent struct{}

func (offerEvent) sessionEvent()           {}
func (answerEvent) sessionEvent()          {}
func (remoteCandidateEvent) sessionEvent() {}
func (localCandidateEvent) sessionEvent()  {}
func (connectionStateEvent) sessionEvent() {}
func (trackEvent) sessionEvent()           {}
func (timeoutEvent) sessionEvent()         {}

// pendingCandidates holds remote candidates that arrive before the remote
// description is set. Candidates are applied in arrival order.
type pendingCandidates struct {
	buffered  []webrtc.ICECandidateInit
	remoteSet bool
}

func (p *pendingCandidates) add(pc ports.PeerConnection, c webrtc.ICECandidateInit, log *zap.SugaredLogger) {
	if !p.remoteSet || pc == nil {
		p.buffered = append(p.buffered, c)
		return
	}
	if err := pc.AddICECandidate(c); err != nil {
		log.Warnw("failed to add remote ice candidate", "error", err)
	}
}

// flush marks the remote description as set and applies everything that
// was waiting for it.
func (p *pendingCandidates) flush(pc ports.PeerConnection, log *zap.SugaredLogger) {
	p.remoteSet = true
	if len(p.buffered) == 0 {
		return
	}
	log.Debugw("flushing buffered ice candidates", "count", len(p.buffered))
	for _, c := range p.buffered {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warnw("failed to add buffered ice candidate", "error", err)
		}
	}
	p.buffered = nil
}

func (p *pendingCandidates) count() int {
	return len(p.buffered)
}
