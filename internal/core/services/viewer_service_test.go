package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type viewerFixture struct {
	hub     ports.SignalTransport
	factory *fakeFactory
	sink    *fakeSink
	metrics *recordingMetrics
	svc     *ViewerService
}

func newViewerFixture(t *testing.T, hub ports.SignalTransport, timeout time.Duration) *viewerFixture {
	t.Helper()
	f := &viewerFixture{
		hub:     hub,
		factory: &fakeFactory{},
		sink:    &fakeSink{},
		metrics: newRecordingMetrics(),
	}
	f.svc = NewViewerService(
		ViewerConfig{ConnectTimeout: timeout},
		hub, f.factory, f.sink, f.metrics, newTestLogger(t),
	)

	var mu sync.Mutex
	n := 0
	f.svc.newParticipantID = func() domain.ParticipantID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return domain.ParticipantID(fmt.Sprintf("viewer-%d", n))
	}
	return f
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.ViewerStatus
}

func (r *statusRecorder) record(status domain.ViewerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) all() []domain.ViewerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ViewerStatus(nil), r.statuses...)
}

func (f *viewerFixture) join(t *testing.T, roomID domain.RoomID) (*ViewerSession, *statusRecorder) {
	t.Helper()
	rec := &statusRecorder{}
	v, err := f.svc.Join(context.Background(), roomID, OnStatusChange(rec.record))
	require.NoError(t, err)
	t.Cleanup(v.Leave)
	return v, rec
}

func waitStatus(t *testing.T, v *ViewerSession, status domain.ViewerStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return v.Status() == status }, waitFor, tick)
}

func isDone(v *ViewerSession) bool {
	select {
	case <-v.Done():
		return true
	default:
		return false
	}
}

func TestViewerJoin(t *testing.T) {
	hub := newHub()
	bc := joinPeer(t, hub, "room-1", "broadcaster", domain.MessageViewerJoin)
	f := newViewerFixture(t, hub, time.Minute)

	v, rec := f.join(t, "room-1")
	assert.Equal(t, domain.ParticipantID("viewer-1"), v.ViewerID())
	assert.Equal(t, domain.RoomID("room-1"), v.RoomID())
	assert.Equal(t, domain.ViewerConnecting, v.Status())
	assert.Equal(t, domain.SessionNew, v.State())
	assert.Equal(t, []domain.ViewerStatus{domain.ViewerConnecting}, rec.all())

	env := bc.waitEnvelope(t, domain.MessageViewerJoin, 1)
	var payload domain.ViewerJoinPayload
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, v.ViewerID(), payload.ViewerID)

	present := hub.Members(domain.ChannelName("room-1"))
	require.Len(t, present, 1)
	assert.Equal(t, v.ViewerID(), present[0].Key)
	assert.Equal(t, domain.RoleViewer, present[0].Role)
}

func TestViewerAnswersOnlyAddressedOffer(t *testing.T) {
	hub := newHub()
	bc := joinPeer(t, hub, "room-1", "broadcaster", domain.MessageAnswer)
	f := newViewerFixture(t, hub, time.Minute)
	v, _ := f.join(t, "room-1")

	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: "someone-else", Offer: pcOffer()})
	require.Eventually(t, func() bool {
		return f.metrics.discards(domain.MessageOffer, "not_addressed") == 1
	}, waitFor, tick)
	assert.Equal(t, 0, f.factory.count())

	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})
	env := bc.waitEnvelope(t, domain.MessageAnswer, 1)

	var answer domain.AnswerPayload
	require.NoError(t, env.Decode(&answer))
	assert.Equal(t, v.ViewerID(), answer.ViewerID)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Answer.Type)

	pc := f.factory.pc(0)
	assert.True(t, pc.remoteSet())
	require.Eventually(t, func() bool { return v.State() == domain.SessionAnswerSent }, waitFor, tick)

	// a repeated offer does not renegotiate
	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})
	require.Eventually(t, func() bool {
		return f.metrics.discards(domain.MessageOffer, "duplicate") == 1
	}, waitFor, tick)
	assert.Equal(t, 1, f.factory.count())
	assert.Equal(t, 1, pc.remoteCallCount())
}

func TestViewerCandidatesBufferedUntilOffer(t *testing.T) {
	hub := newHub()
	bc := joinPeer(t, hub, "room-1", "broadcaster", domain.MessageAnswer, domain.MessageICECandidate)
	f := newViewerFixture(t, hub, time.Minute)
	v, _ := f.join(t, "room-1")

	bc.publish(t, domain.MessageICECandidate, domain.ICECandidatePayload{
		Candidate:       hostCandidate(1),
		TargetViewerID:  v.ViewerID(),
		FromBroadcaster: true,
	})
	bc.publish(t, domain.MessageICECandidate, domain.ICECandidatePayload{
		Candidate:       hostCandidate(2),
		TargetViewerID:  "someone-else",
		FromBroadcaster: true,
	})
	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})
	bc.waitEnvelope(t, domain.MessageAnswer, 1)

	pc := f.factory.pc(0)
	assert.Equal(t, []string{hostCandidate(1).Candidate}, candidateStrings(pc.appliedCandidates()))
	assert.Equal(t, 0, pc.earlyAddCount())
	assert.Equal(t, 1, f.metrics.discards(domain.MessageICECandidate, "not_addressed"))

	bc.publish(t, domain.MessageICECandidate, domain.ICECandidatePayload{
		Candidate:       hostCandidate(3),
		TargetViewerID:  v.ViewerID(),
		FromBroadcaster: true,
	})
	require.Eventually(t, func() bool { return len(pc.appliedCandidates()) == 2 }, waitFor, tick)

	// local candidates go out tagged with our identity
	c := hostCandidate(4)
	pc.emitCandidate(&c)
	env := bc.waitEnvelope(t, domain.MessageICECandidate, 1)

	var payload domain.ICECandidatePayload
	require.NoError(t, env.Decode(&payload))
	id, ok := payload.FromViewerID()
	require.True(t, ok)
	assert.Equal(t, v.ViewerID(), id)
	assert.Equal(t, c.Candidate, payload.Candidate.Candidate)
}

func TestViewerGoesLiveOnTrack(t *testing.T) {
	hub := newHub()
	bc := joinPeer(t, hub, "room-1", "broadcaster", domain.MessageAnswer)
	f := newViewerFixture(t, hub, 300*time.Millisecond)
	v, rec := f.join(t, "room-1")

	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})
	bc.waitEnvelope(t, domain.MessageAnswer, 1)
	pc := f.factory.pc(0)

	pc.emitState(webrtc.PeerConnectionStateConnected)
	pc.emitTrack(&fakeTrack{id: "screen"})

	waitStatus(t, v, domain.ViewerLive)
	assert.Equal(t, domain.SessionConnected, v.State())
	assert.Equal(t, 1, f.sink.count())

	// the establishment timer no longer applies
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, domain.ViewerLive, v.Status())
	assert.False(t, isDone(v))
	assert.Equal(t, []domain.ViewerStatus{domain.ViewerConnecting, domain.ViewerLive}, rec.all())
}

func TestViewerTimeoutIsTerminal(t *testing.T) {
	hub := newHub()
	f := newViewerFixture(t, hub, 50*time.Millisecond)
	v, rec := f.join(t, "room-1")

	select {
	case <-v.Done():
	case <-time.After(waitFor):
		t.Fatal("viewer did not give up")
	}

	assert.Equal(t, domain.ViewerCouldNotConnect, v.Status())
	assert.Equal(t, domain.SessionClosed, v.State())
	assert.Equal(t, []domain.ViewerStatus{domain.ViewerConnecting, domain.ViewerCouldNotConnect}, rec.all())
	assert.Empty(t, hub.Members(domain.ChannelName("room-1")))

	// a broadcaster showing up late changes nothing
	late := joinPeer(t, hub, "room-1", "broadcaster")
	late.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})
	assert.Never(t, func() bool { return f.factory.count() > 0 }, 50*time.Millisecond, tick)

	v.Leave()
	assert.Equal(t, domain.ViewerCouldNotConnect, v.Status())
	assert.Equal(t, []domain.ViewerStatus{domain.ViewerCouldNotConnect}, f.metrics.outcomes)
}

func TestViewerConnectionLost(t *testing.T) {
	hub := newHub()
	bc := joinPeer(t, hub, "room-1", "broadcaster", domain.MessageAnswer)
	f := newViewerFixture(t, hub, time.Minute)
	v, _ := f.join(t, "room-1")

	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})
	bc.waitEnvelope(t, domain.MessageAnswer, 1)
	pc := f.factory.pc(0)

	pc.emitState(webrtc.PeerConnectionStateConnected)
	pc.emitTrack(&fakeTrack{id: "screen"})
	waitStatus(t, v, domain.ViewerLive)

	pc.emitState(webrtc.PeerConnectionStateDisconnected)
	<-v.Done()

	assert.Equal(t, domain.ViewerConnectionLost, v.Status())
	assert.Equal(t, 1, pc.closeCount())

	v.Leave()
	assert.Equal(t, domain.ViewerConnectionLost, v.Status())
	assert.Equal(t, 1, pc.closeCount())
}

func TestViewerFailedBeforeConnect(t *testing.T) {
	hub := newHub()
	bc := joinPeer(t, hub, "room-1", "broadcaster", domain.MessageAnswer)
	f := newViewerFixture(t, hub, time.Minute)
	v, _ := f.join(t, "room-1")

	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})
	bc.waitEnvelope(t, domain.MessageAnswer, 1)

	f.factory.pc(0).emitState(webrtc.PeerConnectionStateFailed)
	<-v.Done()
	assert.Equal(t, domain.ViewerCouldNotConnect, v.Status())
}

func TestViewerNegotiationErrorIsTerminal(t *testing.T) {
	hub := newHub()
	bc := joinPeer(t, hub, "room-1", "broadcaster")
	f := newViewerFixture(t, hub, time.Minute)
	f.factory.remoteErr = errors.New("bad sdp")
	v, _ := f.join(t, "room-1")

	bc.publish(t, domain.MessageOffer, domain.OfferPayload{TargetViewerID: v.ViewerID(), Offer: pcOffer()})

	select {
	case <-v.Done():
	case <-time.After(waitFor):
		t.Fatal("negotiation error did not end the session")
	}
	assert.Equal(t, domain.ViewerCouldNotConnect, v.Status())
	assert.Equal(t, 1, f.factory.pc(0).closeCount())
}

func TestViewerLeave(t *testing.T) {
	hub := newHub()
	f := newViewerFixture(t, hub, time.Minute)
	v, rec := f.join(t, "room-1")

	v.Leave()
	v.Leave()

	assert.True(t, isDone(v))
	assert.Equal(t, domain.ViewerLeft, v.Status())
	assert.Equal(t, []domain.ViewerStatus{domain.ViewerConnecting, domain.ViewerLeft}, rec.all())
	assert.Empty(t, hub.Members(domain.ChannelName("room-1")))
}

func TestViewerJoinsAreIndependent(t *testing.T) {
	hub := newHub()
	f := newViewerFixture(t, hub, time.Minute)

	v1, _ := f.join(t, "room-1")
	v2, _ := f.join(t, "room-1")
	assert.NotEqual(t, v1.ViewerID(), v2.ViewerID())

	require.Eventually(t, func() bool { return v1.ViewerCount() == 2 }, waitFor, tick)

	v1.Leave()
	assert.Equal(t, domain.ViewerConnecting, v2.Status())
	require.Eventually(t, func() bool { return v2.ViewerCount() == 1 }, waitFor, tick)
}
