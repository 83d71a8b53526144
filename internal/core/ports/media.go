package ports

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of a WebRTC peer connection the session
// managers drive.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnICECandidate reports trickled local candidates; nil means gathering
	// finished.
	OnICECandidate(handler func(candidate *webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(state webrtc.PeerConnectionState))
	OnTrack(handler func(track RemoteTrack))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// CaptureSource is the local screen capture shared by every outgoing
// session.
type CaptureSource interface {
	Tracks() []webrtc.TrackLocal
	// OnEnded registers a callback fired once when the source stops on its
	// own, e.g. the capture process went away.
	OnEnded(handler func())
	Stop() error
}

// RenderSink consumes inbound media on the viewer.
type RenderSink interface {
	Attach(track RemoteTrack, feedback RTCPWriter) error
	Close() error
}
