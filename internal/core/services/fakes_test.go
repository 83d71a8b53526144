package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/memory"
	memtransport "livecast/internal/infrastructure/transport/memory"
	"livecast/pkg/logger"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fakeSDP(kind string) string {
	return "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=" + kind + "\r\nt=0 0\r\n"
}

func hostCandidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d 5000%d typ host", n, n, n),
	}
}

// fakePC records what a session does to its peer connection and lets tests
// fire the pion callbacks by hand.
type fakePC struct {
	mu          sync.Mutex
	tracks      []webrtc.TrackLocal
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteCalls int
	candidates  []webrtc.ICECandidateInit
	earlyAdds   int
	closes      int
	rtcp        []rtcp.Packet
	remoteErr   error

	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(ports.RemoteTrack)
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP("offer")}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP("answer")}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteCalls++
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.earlyAdds++
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePC) OnICECandidate(handler func(candidate *webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = handler
}

func (p *fakePC) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = handler
}

func (p *fakePC) OnTrack(handler func(track ports.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = handler
}

func (p *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// handlers waits for the session to install its callbacks; a test can see
// the connection before the session finished wiring it.
func (p *fakePC) handlers(needTrack bool) (func(*webrtc.ICECandidateInit), func(webrtc.PeerConnectionState), func(ports.RemoteTrack)) {
	deadline := time.Now().Add(waitFor)
	for {
		p.mu.Lock()
		onICE, onState, onTrack := p.onICE, p.onState, p.onTrack
		p.mu.Unlock()
		if onICE != nil && onState != nil && (!needTrack || onTrack != nil) {
			return onICE, onState, onTrack
		}
		if time.Now().After(deadline) {
			panic("peer connection callbacks never installed")
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePC) emitState(state webrtc.PeerConnectionState) {
	_, fn, _ := p.handlers(false)
	fn(state)
}

func (p *fakePC) emitCandidate(c *webrtc.ICECandidateInit) {
	fn, _, _ := p.handlers(false)
	fn(c)
}

func (p *fakePC) emitTrack(track ports.RemoteTrack) {
	_, _, fn := p.handlers(true)
	fn(track)
}

func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePC) remoteSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePC) remoteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteCalls
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePC) earlyAddCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.earlyAdds
}

func (p *fakePC) trackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

type fakeFactory struct {
	mu        sync.Mutex
	pcs       []*fakePC
	remoteErr error
}

func (f *fakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{remoteErr: f.remoteErr}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) pc(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[i]
}

// waitPC blocks until the factory has built at least n connections and
// returns the nth.
func (f *fakeFactory) waitPC(t *testing.T, n int) *fakePC {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, waitFor, tick)
	return f.pc(n - 1)
}

func (f *fakeFactory) totalCloses() int {
	f.mu.Lock()
	pcs := append([]*fakePC(nil), f.pcs...)
	f.mu.Unlock()

	total := 0
	for _, pc := range pcs {
		total += pc.closeCount()
	}
	return total
}

type fakeCapture struct {
	track *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	stops   int
	onEnded []func()
}

func newFakeCapture(t *testing.T) *fakeCapture {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", "livecast",
	)
	require.NoError(t, err)
	return &fakeCapture{track: track}
}

func (c *fakeCapture) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{c.track}
}

func (c *fakeCapture) OnEnded(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnded = append(c.onEnded, handler)
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

// end simulates the capture going away on its own.
func (c *fakeCapture) end() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onEnded...)
	c.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (c *fakeCapture) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

type fakeTrack struct {
	id string
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }
func (t *fakeTrack) SSRC() webrtc.SSRC         { return 1234 }

func (t *fakeTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}
}

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

type fakeSink struct {
	mu       sync.Mutex
	attached []ports.RemoteTrack
}

func (s *fakeSink) Attach(track ports.RemoteTrack, feedback ports.RTCPWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, track)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// recordingMetrics counts discards by type and reason.
type recordingMetrics struct {
	nopMetrics

	mu        sync.Mutex
	discarded map[string]int
	outcomes  []domain.ViewerStatus
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{discarded: make(map[string]int)}
}

func (m *recordingMetrics) MessageDiscarded(msgType domain.MessageType, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded[string(msgType)+"/"+reason]++
}

func (m *recordingMetrics) ViewerOutcome(status domain.ViewerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, status)
}

func (m *recordingMetrics) discards(msgType domain.MessageType, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discarded[string(msgType)+"/"+reason]
}

// peer is a raw participant on a room channel, used to play the other side
// of a negotiation.
type peer struct {
	channel ports.SignalChannel

	mu       sync.Mutex
	received []domain.Envelope
}

func joinPeer(t *testing.T, hub *memtransport.Hub, roomID domain.RoomID, id domain.ParticipantID, types ...domain.MessageType) *peer {
	t.Helper()
	ch, err := hub.Join(context.Background(), domain.ChannelName(roomID), id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Unsubscribe() })

	p := &peer{channel: ch}
	for _, mt := range types {
		ch.Subscribe(mt, func(ctx context.Context, env domain.Envelope) {
			p.mu.Lock()
			p.received = append(p.received, env)
			p.mu.Unlock()
		})
	}
	return p
}

func (p *peer) publish(t *testing.T, msgType domain.MessageType, payload any) {
	t.Helper()
	require.NoError(t, p.channel.Publish(context.Background(), msgType, payload))
}

func (p *peer) envelopes(msgType domain.MessageType) []domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Envelope
	for _, env := range p.received {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// waitEnvelope waits until n envelopes of msgType arrived and returns the nth.
func (p *peer) waitEnvelope(t *testing.T, msgType domain.MessageType, n int) domain.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.envelopes(msgType)) >= n }, waitFor, tick)
	return p.envelopes(msgType)[n-1]
}

type broadcasterFixture struct {
	hub     ports.SignalTransport
	factory *fakeFactory
	repo    *memory.LiveStatusRepository
	metrics *recordingMetrics
	capture *fakeCapture
	svc     *BroadcasterService
	roomID  domain.RoomID
}

// newTestLogger discards output: session goroutines may still log while a
// test is being cleaned up.
func newTestLogger(t *testing.T) *zap.SugaredLogger {
	return logger.NewNop()
}

func startBroadcaster(t *testing.T, hub ports.SignalTransport) *broadcasterFixture {
	t.Helper()
	f := &broadcasterFixture{
		hub:     hub,
		factory: &fakeFactory{},
		repo:    memory.NewLiveStatusRepository(),
		metrics: newRecordingMetrics(),
		capture: newFakeCapture(t),
	}
	f.svc = NewBroadcasterService(
		BroadcasterConfig{ParticipantID: "broadcaster"},
		hub, f.factory, f.repo, f.metrics, newTestLogger(t),
	)
	f.svc.newRoomID = func() domain.RoomID { return "room-1" }

	roomID, err := f.svc.Start(context.Background(), f.capture)
	require.NoError(t, err)
	f.roomID = roomID
	t.Cleanup(func() { _ = f.svc.Stop(context.Background()) })
	return f
}

func pcAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP("answer")}
}

func pcOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP("offer")}
}

func candidateStrings(cs []webrtc.ICECandidateInit) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Candidate)
	}
	return out
}

func newMemoryStatusRepo() *memory.LiveStatusRepository {
	return memory.NewLiveStatusRepository()
}
