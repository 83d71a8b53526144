package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultStatusTimeout = 5 * time.Second

type BroadcasterConfig struct {
	// ParticipantID identifies the broadcaster on room channels. Generated
	// when empty.
	ParticipantID domain.ParticipantID
	InboxSize     int
	// StatusTimeout bounds the store writes made while tearing a broadcast
	// down.
	StatusTimeout time.Duration
	// Lease, when set, makes the broadcast exclusive across processes. A
	// broadcast whose lease is lost stops itself.
	Lease ports.BroadcastLease
}

// BroadcasterService fans one capture source out to every viewer that
// joins the room, one independently negotiated peer connection each.
type BroadcasterService struct {
	transport  ports.SignalTransport
	pcFactory  ports.PeerConnectionFactory
	statusRepo ports.LiveStatusRepository
	lease      ports.BroadcastLease
	metrics    ports.SessionMetrics
	logger     *zap.SugaredLogger

	self          domain.ParticipantID
	inboxSize     int
	statusTimeout time.Duration
	newRoomID     func() domain.RoomID

	mu      sync.Mutex
	current *broadcast
}

func NewBroadcasterService(
	cfg BroadcasterConfig,
	transport ports.SignalTransport,
	pcFactory ports.PeerConnectionFactory,
	statusRepo ports.LiveStatusRepository,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
) *BroadcasterService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	self := cfg.ParticipantID
	if self == "" {
		self = NewParticipantID()
	}
	statusTimeout := cfg.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = defaultStatusTimeout
	}
	return &BroadcasterService{
		transport:     transport,
		pcFactory:     pcFactory,
		statusRepo:    statusRepo,
		lease:         cfg.Lease,
		metrics:       metrics,
		logger:        logger,
		self:          self,
		inboxSize:     cfg.InboxSize,
		statusTimeout: statusTimeout,
		newRoomID:     NewRoomID,
	}
}

// localLease stands in when no BroadcastLease is configured; exclusivity is
// then per process only.
type localLease struct{}

func (localLease) Lost() <-chan struct{}         { return nil }
func (localLease) Release(context.Context) error { return nil }

// broadcast is one Start..Stop lifetime.
type broadcast struct {
	svc       *BroadcasterService
	roomID    domain.RoomID
	channel   ports.SignalChannel
	capture   ports.CaptureSource
	sessions  *SessionRegistry[domain.ParticipantID, *outboundSession]
	presence  *PresenceTracker
	startedAt time.Time
	lease     ports.Lease
	leaseLost atomic.Bool
	logger    *zap.SugaredLogger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// Start begins a broadcast of capture under a freshly generated room.
func (s *BroadcasterService) Start(ctx context.Context, capture ports.CaptureSource) (domain.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return "", domain.ErrAlreadyLive
	}

	roomID := s.newRoomID()
	ctx, span := tracing.TraceBroadcast(ctx, "start", string(roomID))
	defer span.End()

	log := s.logger.With("room_id", roomID)

	var lease ports.Lease = localLease{}
	if s.lease != nil {
		l, err := s.lease.Acquire(ctx, s.self)
		if err != nil {
			tracing.RecordError(ctx, err)
			return "", fmt.Errorf("failed to acquire broadcast lease: %w", err)
		}
		lease = l
	}

	channel, err := s.transport.Join(ctx, domain.ChannelName(roomID), s.self)
	if err != nil {
		_ = lease.Release(ctx)
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("failed to join room channel: %w", err)
	}

	b := &broadcast{
		svc:       s,
		roomID:    roomID,
		channel:   channel,
		capture:   capture,
		sessions:  NewSessionRegistry[domain.ParticipantID, *outboundSession](),
		presence:  NewPresenceTracker(domain.RoleBroadcaster, s.self, s.metrics),
		startedAt: time.Now(),
		lease:     lease,
		logger:    log,
		stopped:   make(chan struct{}),
	}

	channel.Subscribe(domain.MessageViewerJoin, b.onViewerJoin)
	channel.Subscribe(domain.MessageAnswer, b.onAnswer)
	channel.Subscribe(domain.MessageICECandidate, b.onICECandidate)
	channel.OnPresenceSync(b.presence.Sync)

	member := domain.PresenceMember{Key: s.self, Role: domain.RoleBroadcaster, OnlineAt: time.Now()}
	if err := channel.Track(ctx, member); err != nil {
		_ = channel.Unsubscribe()
		_ = lease.Release(ctx)
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("failed to track presence: %w", err)
	}

	if err := s.statusRepo.Save(ctx, domain.ActiveStatus(roomID)); err != nil {
		_ = channel.Unsubscribe()
		_ = lease.Release(ctx)
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("failed to save live status: %w", err)
	}

	s.current = b
	capture.OnEnded(func() {
		go b.stopDetached("capture source ended")
	})
	go b.watchLease()

	s.metrics.BroadcastStarted()
	log.Infow("broadcast started", "participant_id", s.self)
	return roomID, nil
}

// Stop ends the current broadcast. It is safe to call at any time and any
// number of times; the capture-ended callback runs the same routine.
func (s *BroadcasterService) Stop(ctx context.Context) error {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	return s.stop(ctx, b)
}

func (s *BroadcasterService) stop(ctx context.Context, b *broadcast) error {
	b.stopOnce.Do(func() {
		ctx, span := tracing.TraceBroadcast(ctx, "stop", string(b.roomID))
		defer span.End()

		sessions := b.sessions.Close()
		for _, sess := range sessions {
			sess.inbox.close()
		}
		b.wg.Wait()

		// Teardown runs once; detach it from the caller so the inactive
		// status still gets written.
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.statusTimeout)
		defer cancel()

		var errs []error
		if err := b.channel.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("failed to leave room channel: %w", err))
		}
		if err := s.clearStatus(teardownCtx, b); err != nil {
			errs = append(errs, fmt.Errorf("failed to save live status: %w", err))
		}
		if err := b.lease.Release(teardownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to release broadcast lease: %w", err))
		}
		if err := b.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop capture: %w", err))
		}
		b.stopErr = errors.Join(errs...)
		if b.stopErr != nil {
			tracing.RecordError(ctx, b.stopErr)
		}

		s.mu.Lock()
		if s.current == b {
			s.current = nil
		}
		s.mu.Unlock()

		s.metrics.BroadcastStopped(time.Since(b.startedAt))
		b.logger.Infow("broadcast stopped",
			"sessions_closed", len(sessions),
			"duration", time.Since(b.startedAt).String(),
		)
		close(b.stopped)
	})

	<-b.stopped
	return b.stopErr
}

// Done is closed when the current broadcast stops for any reason. It is
// already closed when nothing is live.
func (s *BroadcasterService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.current.stopped
}

// RoomID returns the live room, or "" when not broadcasting.
func (s *BroadcasterService) RoomID() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.roomID
}

func (s *BroadcasterService) ParticipantID() domain.ParticipantID {
	return s.self
}

func (s *BroadcasterService) ViewerCount() int {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()
	if b == nil {
		return 0
	}
	return b.presence.Count()
}

// OnViewerCountChange forwards presence changes of the current broadcast.
func (s *BroadcasterService) OnViewerCountChange(fn func(count int)) error {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()
	if b == nil {
		return domain.ErrNotLive
	}
	b.presence.OnChange(fn)
	return nil
}

// SessionState reports the negotiation state of one viewer's session.
func (s *BroadcasterService) SessionState(viewerID domain.ParticipantID) (domain.SessionState, bool) {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()
	if b == nil {
		return "", false
	}
	sess, ok := b.sessions.Get(viewerID)
	if !ok {
		return "", false
	}
	return sess.State(), true
}

func (s *BroadcasterService) Snapshot() domain.BroadcastSnapshot {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()

	snap := domain.BroadcastSnapshot{Sessions: []domain.SessionSnapshot{}}
	if b == nil {
		return snap
	}

	snap.RoomID = b.roomID
	snap.Active = true
	snap.ViewerCount = b.presence.Count()
	snap.StartedAt = b.startedAt
	for _, sess := range b.sessions.Values() {
		snap.Sessions = append(snap.Sessions, domain.SessionSnapshot{
			ViewerID:  sess.viewerID,
			State:     sess.State(),
			CreatedAt: sess.createdAt,
		})
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		return snap.Sessions[i].CreatedAt.Before(snap.Sessions[j].CreatedAt)
	})
	return snap
}

// clearStatus marks the store inactive. After a lost lease another
// instance may already be live, so only a record naming this room is
// cleared.
func (s *BroadcasterService) clearStatus(ctx context.Context, b *broadcast) error {
	if b.leaseLost.Load() {
		status, err := s.statusRepo.Load(ctx)
		if err != nil {
			return err
		}
		if status.RoomReference != b.roomID {
			b.logger.Infow("live status owned by another broadcast, leaving it",
				"live_room_id", status.RoomReference,
			)
			return nil
		}
	}
	return s.statusRepo.Save(ctx, domain.InactiveStatus())
}

// stopDetached runs Stop for callbacks that have no caller context.
func (b *broadcast) stopDetached(reason string) {
	b.logger.Infow("stopping broadcast", "reason", reason)
	ctx, cancel := context.WithTimeout(context.Background(), b.svc.statusTimeout)
	defer cancel()
	if err := b.svc.stop(ctx, b); err != nil {
		b.logger.Errorw("failed to stop broadcast", "reason", reason, "error", err)
	}
}

func (b *broadcast) watchLease() {
	select {
	case <-b.lease.Lost():
		b.leaseLost.Store(true)
		b.logger.Warnw("broadcast lease lost")
		b.stopDetached("broadcast lease lost")
	case <-b.stopped:
	}
}

func (b *broadcast) onViewerJoin(ctx context.Context, env domain.Envelope) {
	b.svc.metrics.SignalingMessage(env.Type, ports.DirectionInbound)

	var payload domain.ViewerJoinPayload
	if err := env.Decode(&payload); err != nil {
		b.discard(env.Type, "invalid", "error", err)
		return
	}

	_, created := b.sessions.AddIfAbsent(payload.ViewerID, func() *outboundSession {
		sess := newOutboundSession(b, payload.ViewerID)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			sess.run(ctx)
		}()
		return sess
	})
	if !created {
		b.discard(env.Type, "duplicate", "viewer_id", payload.ViewerID)
	}
}

func (b *broadcast) onAnswer(ctx context.Context, env domain.Envelope) {
	b.svc.metrics.SignalingMessage(env.Type, ports.DirectionInbound)

	var payload domain.AnswerPayload
	if err := env.Decode(&payload); err != nil {
		b.discard(env.Type, "invalid", "error", err)
		return
	}

	sess, ok := b.sessions.Get(payload.ViewerID)
	if !ok {
		b.discard(env.Type, "unknown_viewer", "viewer_id", payload.ViewerID)
		return
	}
	sess.inbox.push(answerEvent{answer: payload.Answer})
}

func (b *broadcast) onICECandidate(ctx context.Context, env domain.Envelope) {
	b.svc.metrics.SignalingMessage(env.Type, ports.DirectionInbound)

	var payload domain.ICECandidatePayload
	if err := env.Decode(&payload); err != nil {
		b.discard(env.Type, "invalid", "error", err)
		return
	}

	viewerID, ok := payload.FromViewerID()
	if !ok {
		b.discard(env.Type, "not_addressed")
		return
	}

	sess, ok := b.sessions.Get(viewerID)
	if !ok {
		b.discard(env.Type, "unknown_viewer", "viewer_id", viewerID)
		return
	}
	sess.inbox.push(remoteCandidateEvent{candidate: payload.Candidate})
}

func (b *broadcast) discard(msgType domain.MessageType, reason string, kv ...interface{}) {
	b.svc.metrics.MessageDiscarded(msgType, reason)
	b.logger.Debugw("discarded signaling message",
		append([]interface{}{"type", msgType, "reason", reason}, kv...)...,
	)
}

// outboundSession is the broadcaster's side of one viewer connection. All
// of its mutations happen on the goroutine running run.
type outboundSession struct {
	b         *broadcast
	viewerID  domain.ParticipantID
	inbox     *inbox[sessionEvent]
	createdAt time.Time
	logger    *zap.SugaredLogger

	stateMu sync.RWMutex
	state   domain.SessionState

	pc      ports.PeerConnection
	pending pendingCandidates
	opened  bool
}

func newOutboundSession(b *broadcast, viewerID domain.ParticipantID) *outboundSession {
	return &outboundSession{
		b:         b,
		viewerID:  viewerID,
		inbox:     newInbox[sessionEvent](b.svc.inboxSize),
		createdAt: time.Now(),
		logger:    b.logger.With("viewer_id", viewerID),
		state:     domain.SessionNew,
	}
}

func (o *outboundSession) State() domain.SessionState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *outboundSession) setState(state domain.SessionState) {
	o.stateMu.Lock()
	prev := o.state
	o.state = state
	o.stateMu.Unlock()

	if prev != state {
		o.logger.Debugw("session state changed", "from", prev, "to", state)
	}
}

func (o *outboundSession) run(ctx context.Context) {
	defer o.teardown()

	if o.inbox.closed() {
		return
	}

	o.opened = true
	o.b.svc.metrics.SessionOpened(domain.RoleBroadcaster)
	if err := o.negotiate(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warnw("failed to negotiate with viewer", "error", err)
		o.b.svc.metrics.NegotiationFailed(domain.RoleBroadcaster, "offer")
		return
	}

	for {
		select {
		case <-o.inbox.done:
			return
		case ev := <-o.inbox.events:
			if !o.handle(ev) {
				return
			}
		}
	}
}

func (o *outboundSession) negotiate(ctx context.Context) error {
	ctx, span := tracing.TraceWebRTC(ctx, "offer", string(o.viewerID), string(o.b.roomID))
	defer span.End()
	log := logger.FromContext(ctx, o.logger)

	pc, err := o.b.svc.pcFactory.NewPeerConnection()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	o.pc = pc

	for _, track := range o.b.capture.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		o.inbox.push(localCandidateEvent{candidate: c})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.inbox.push(connectionStateEvent{state: state})
	})

	offer, err := pc.CreateOffer()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	err = o.b.channel.Publish(ctx, domain.MessageOffer, domain.OfferPayload{
		TargetViewerID: o.viewerID,
		Offer:          offer,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish offer: %w", err)
	}
	o.b.svc.metrics.SignalingMessage(domain.MessageOffer, ports.DirectionOutbound)

	o.setState(domain.SessionOfferSent)
	log.Infow("offer sent to viewer")
	return nil
}

// handle applies one event; false ends the session.
func (o *outboundSession) handle(ev sessionEvent) bool {
	switch e := ev.(type) {
	case answerEvent:
		if o.State() != domain.SessionOfferSent {
			o.b.discard(domain.MessageAnswer, "unexpected_state",
				"viewer_id", o.viewerID, "state", o.State())
			return true
		}
		if err := o.pc.SetRemoteDescription(e.answer); err != nil {
			o.logger.Warnw("failed to apply answer", "error", err)
			o.b.svc.metrics.NegotiationFailed(domain.RoleBroadcaster, "answer")
			return false
		}
		o.pending.flush(o.pc, o.logger)
		o.setState(domain.SessionNegotiating)

	case remoteCandidateEvent:
		o.pending.add(o.pc, e.candidate, o.logger)

	case localCandidateEvent:
		if e.candidate == nil {
			o.logger.Debugw("local candidate gathering complete")
			return true
		}
		err := o.b.channel.Publish(context.Background(), domain.MessageICECandidate, domain.ICECandidatePayload{
			Candidate:       *e.candidate,
			TargetViewerID:  o.viewerID,
			FromBroadcaster: true,
		})
		if err != nil {
			o.logger.Warnw("failed to publish ice candidate", "error", err)
			return true
		}
		o.b.svc.metrics.SignalingMessage(domain.MessageICECandidate, ports.DirectionOutbound)

	case connectionStateEvent:
		o.logger.Infow("peer connection state changed", "connection_state", e.state.String())
		switch e.state {
		case webrtc.PeerConnectionStateConnected:
			if o.State() != domain.SessionConnected {
				o.setState(domain.SessionConnected)
				o.b.svc.metrics.NegotiationCompleted(domain.RoleBroadcaster, time.Since(o.createdAt))
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			if o.State() != domain.SessionConnected {
				o.b.svc.metrics.NegotiationFailed(domain.RoleBroadcaster, e.state.String())
			}
			return false
		}
	}
	return true
}

// teardown runs exactly once when the session goroutine exits.
func (o *outboundSession) teardown() {
	o.inbox.close()
	if o.pc != nil {
		if err := o.pc.Close(); err != nil {
			o.logger.Debugw("error closing peer connection", "error", err)
		}
	}
	if o.opened {
		o.b.svc.metrics.SessionClosed(domain.RoleBroadcaster)
	}
	o.setState(domain.SessionClosed)
	if o.b.sessions.Remove(o.viewerID, o) {
		o.logger.Infow("viewer session removed")
	}
}
