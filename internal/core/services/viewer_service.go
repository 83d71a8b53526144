package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const DefaultConnectTimeout = 12 * time.Second

type ViewerConfig struct {
	// ConnectTimeout is how long a viewer waits for media before giving up.
	ConnectTimeout time.Duration
	InboxSize      int
}

// ViewerService joins rooms as a viewer. Each Join yields an independent
// ViewerSession.
type ViewerService struct {
	transport ports.SignalTransport
	pcFactory ports.PeerConnectionFactory
	sink      ports.RenderSink
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger

	connectTimeout   time.Duration
	inboxSize        int
	newParticipantID func() domain.ParticipantID
}

func NewViewerService(
	cfg ViewerConfig,
	transport ports.SignalTransport,
	pcFactory ports.PeerConnectionFactory,
	sink ports.RenderSink,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
) *ViewerService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &ViewerService{
		transport:        transport,
		pcFactory:        pcFactory,
		sink:             sink,
		metrics:          metrics,
		logger:           logger,
		connectTimeout:   timeout,
		inboxSize:        cfg.InboxSize,
		newParticipantID: NewParticipantID,
	}
}

type JoinOption func(*ViewerSession)

// OnStatusChange registers a callback for every status transition. It runs
// on the session goroutine, must not block, and must not call Leave.
func OnStatusChange(fn func(status domain.ViewerStatus)) JoinOption {
	return func(v *ViewerSession) {
		v.onStatus = fn
	}
}

// ViewerSession is one viewer's single inbound connection to a room.
type ViewerSession struct {
	svc      *ViewerService
	id       domain.ParticipantID
	roomID   domain.RoomID
	channel  ports.SignalChannel
	presence *PresenceTracker
	inbox    *inbox[sessionEvent]
	logger   *zap.SugaredLogger
	onStatus func(domain.ViewerStatus)
	joinedAt time.Time

	mu     sync.RWMutex
	status domain.ViewerStatus
	state  domain.SessionState

	timer     *time.Timer
	done      chan struct{}
	leaveOnce sync.Once

	// owned by the session goroutine
	pc       ports.PeerConnection
	pending  pendingCandidates
	hasMedia bool
}

// Join enters roomID as a new viewer and starts negotiating. It returns
// once the join request is published; progress is reported through the
// session status.
func (s *ViewerService) Join(ctx context.Context, roomID domain.RoomID, opts ...JoinOption) (*ViewerSession, error) {
	viewerID := s.newParticipantID()
	ctx, span := tracing.TraceViewer(ctx, "join", string(viewerID), string(roomID))
	defer span.End()

	channel, err := s.transport.Join(ctx, domain.ChannelName(roomID), viewerID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to join room channel: %w", err)
	}

	v := &ViewerSession{
		svc:      s,
		id:       viewerID,
		roomID:   roomID,
		channel:  channel,
		presence: NewPresenceTracker(domain.RoleViewer, viewerID, s.metrics),
		inbox:    newInbox[sessionEvent](s.inboxSize),
		logger:   s.logger.With("room_id", roomID, "viewer_id", viewerID),
		joinedAt: time.Now(),
		status:   domain.ViewerIdle,
		state:    domain.SessionNew,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}

	channel.Subscribe(domain.MessageOffer, v.onOffer)
	channel.Subscribe(domain.MessageICECandidate, v.onICECandidate)
	channel.OnPresenceSync(v.presence.Sync)

	member := domain.PresenceMember{Key: viewerID, Role: domain.RoleViewer, OnlineAt: time.Now()}
	if err := channel.Track(ctx, member); err != nil {
		_ = channel.Unsubscribe()
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to track presence: %w", err)
	}

	s.metrics.SessionOpened(domain.RoleViewer)
	v.setStatus(domain.ViewerConnecting)
	v.timer = time.AfterFunc(s.connectTimeout, func() {
		v.inbox.push(timeoutEvent{})
	})
	go v.run()

	err = channel.Publish(ctx, domain.MessageViewerJoin, domain.ViewerJoinPayload{ViewerID: viewerID})
	if err != nil {
		tracing.RecordError(ctx, err)
		v.Leave()
		return nil, fmt.Errorf("failed to publish viewer-join: %w", err)
	}
	s.metrics.SignalingMessage(domain.MessageViewerJoin, ports.DirectionOutbound)

	v.logger.Infow("joined room, waiting for offer", "timeout", s.connectTimeout.String())
	return v, nil
}

func (v *ViewerSession) ViewerID() domain.ParticipantID {
	return v.id
}

func (v *ViewerSession) RoomID() domain.RoomID {
	return v.roomID
}

func (v *ViewerSession) Status() domain.ViewerStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

func (v *ViewerSession) State() domain.SessionState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// ViewerCount is the number of room members this viewer currently sees.
func (v *ViewerSession) ViewerCount() int {
	return v.presence.Count()
}

// Done is closed once the session has reached a terminal status and
// released its connection.
func (v *ViewerSession) Done() <-chan struct{} {
	return v.done
}

// Leave closes the connection and leaves the room. It is idempotent and
// safe after a terminal status.
func (v *ViewerSession) Leave() {
	v.leaveOnce.Do(func() {
		v.inbox.close()
	})
	<-v.done
}

func (v *ViewerSession) onOffer(ctx context.Context, env domain.Envelope) {
	v.svc.metrics.SignalingMessage(env.Type, ports.DirectionInbound)

	var payload domain.OfferPayload
	if err := env.Decode(&payload); err != nil {
		v.discard(env.Type, "invalid", "error", err)
		return
	}
	if !payload.For(v.id) {
		v.discard(env.Type, "not_addressed")
		return
	}
	v.inbox.push(offerEvent{offer: payload.Offer})
}

func (v *ViewerSession) onICECandidate(ctx context.Context, env domain.Envelope) {
	v.svc.metrics.SignalingMessage(env.Type, ports.DirectionInbound)

	var payload domain.ICECandidatePayload
	if err := env.Decode(&payload); err != nil {
		v.discard(env.Type, "invalid", "error", err)
		return
	}
	if !payload.ForViewer(v.id) {
		v.discard(env.Type, "not_addressed")
		return
	}
	v.inbox.push(remoteCandidateEvent{candidate: payload.Candidate})
}

func (v *ViewerSession) discard(msgType domain.MessageType, reason string, kv ...interface{}) {
	v.svc.metrics.MessageDiscarded(msgType, reason)
	v.logger.Debugw("discarded signaling message",
		append([]interface{}{"type", msgType, "reason", reason}, kv...)...,
	)
}

func (v *ViewerSession) run() {
	defer close(v.done)
	defer v.teardown()

	for {
		select {
		case <-v.inbox.done:
			return
		case ev := <-v.inbox.events:
			if !v.handle(ev) {
				return
			}
		}
	}
}

// handle applies one event; false means a terminal status was reached.
func (v *ViewerSession) handle(ev sessionEvent) bool {
	switch e := ev.(type) {
	case offerEvent:
		if v.pc != nil {
			v.discard(domain.MessageOffer, "duplicate")
			return true
		}
		if err := v.answer(e.offer); err != nil {
			v.logger.Warnw("failed to answer offer", "error", err)
			v.svc.metrics.NegotiationFailed(domain.RoleViewer, "answer")
			v.setStatus(domain.ViewerCouldNotConnect)
			return false
		}

	case remoteCandidateEvent:
		v.pending.add(v.pc, e.candidate, v.logger)

	case localCandidateEvent:
		if e.candidate == nil {
			v.logger.Debugw("local candidate gathering complete")
			return true
		}
		err := v.channel.Publish(context.Background(), domain.MessageICECandidate, domain.ICECandidatePayload{
			Candidate:  *e.candidate,
			ViewerID:   v.id,
			FromViewer: true,
		})
		if err != nil {
			v.logger.Warnw("failed to publish ice candidate", "error", err)
			return true
		}
		v.svc.metrics.SignalingMessage(domain.MessageICECandidate, ports.DirectionOutbound)

	case trackEvent:
		v.logger.Infow("remote track received",
			"track_id", e.track.ID(),
			"kind", e.track.Kind().String(),
			"codec", e.track.Codec().MimeType,
		)
		if !v.hasMedia {
			v.hasMedia = true
			v.timer.Stop()
			v.svc.metrics.NegotiationCompleted(domain.RoleViewer, time.Since(v.joinedAt))
		}
		if v.svc.sink != nil {
			if err := v.svc.sink.Attach(e.track, v.pc); err != nil {
				v.logger.Warnw("failed to attach track to sink", "error", err)
			}
		}
		v.setStatus(domain.ViewerLive)

	case connectionStateEvent:
		v.logger.Infow("peer connection state changed", "connection_state", e.state.String())
		switch e.state {
		case webrtc.PeerConnectionStateConnected:
			v.setState(domain.SessionConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			if v.State() == domain.SessionConnected || v.hasMedia {
				v.setStatus(domain.ViewerConnectionLost)
			} else {
				v.svc.metrics.NegotiationFailed(domain.RoleViewer, e.state.String())
				v.setStatus(domain.ViewerCouldNotConnect)
			}
			return false
		}

	case timeoutEvent:
		if v.hasMedia {
			return true
		}
		v.logger.Warnw("no media before timeout", "timeout", v.svc.connectTimeout.String())
		v.svc.metrics.NegotiationFailed(domain.RoleViewer, "timeout")
		v.setStatus(domain.ViewerCouldNotConnect)
		return false
	}
	return true
}

func (v *ViewerSession) answer(offer webrtc.SessionDescription) error {
	ctx, span := tracing.TraceWebRTC(context.Background(), "answer", string(v.id), string(v.roomID))
	defer span.End()
	log := logger.FromContext(ctx, v.logger)

	pc, err := v.svc.pcFactory.NewPeerConnection()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	v.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		v.inbox.push(localCandidateEvent{candidate: c})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.inbox.push(connectionStateEvent{state: state})
	})
	pc.OnTrack(func(track ports.RemoteTrack) {
		v.inbox.push(trackEvent{track: track})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	v.pending.flush(pc, v.logger)

	answer, err := pc.CreateAnswer()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	err = v.channel.Publish(ctx, domain.MessageAnswer, domain.AnswerPayload{
		ViewerID: v.id,
		Answer:   answer,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish answer: %w", err)
	}
	v.svc.metrics.SignalingMessage(domain.MessageAnswer, ports.DirectionOutbound)

	v.setState(domain.SessionAnswerSent)
	log.Infow("answer sent to broadcaster")
	return nil
}

func (v *ViewerSession) setState(state domain.SessionState) {
	v.mu.Lock()
	v.state = state
	v.mu.Unlock()
}

// setStatus is a no-op once a terminal status has been reached.
func (v *ViewerSession) setStatus(status domain.ViewerStatus) {
	v.mu.Lock()
	if v.status == status || v.status.Terminal() {
		v.mu.Unlock()
		return
	}
	v.status = status
	v.mu.Unlock()

	v.logger.Infow("viewer status changed", "status", status, "message", status.Message())
	if status.Terminal() {
		v.svc.metrics.ViewerOutcome(status)
	}
	if v.onStatus != nil {
		v.onStatus(status)
	}
}

func (v *ViewerSession) teardown() {
	v.inbox.close()
	if v.timer != nil {
		v.timer.Stop()
	}
	if v.pc != nil {
		if err := v.pc.Close(); err != nil {
			v.logger.Debugw("error closing peer connection", "error", err)
		}
	}
	if err := v.channel.Unsubscribe(); err != nil {
		v.logger.Debugw("error leaving room channel", "error", err)
	}
	v.setState(domain.SessionClosed)
	v.setStatus(domain.ViewerLeft)
	v.svc.metrics.SessionClosed(domain.RoleViewer)
}
