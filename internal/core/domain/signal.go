package domain

import (
	"encoding/json"
	"fmt"

	"livecast/pkg/validation"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	MessageViewerJoin   MessageType = "viewer-join"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageViewerJoin, MessageOffer, MessageAnswer, MessageICECandidate:
		return true
	}
	return false
}

// Envelope is what travels over the relay. The relay broadcasts every
// envelope to the whole channel, so routing lives inside the payload.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Sender  ParticipantID   `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload into an envelope.
func NewEnvelope(msgType MessageType, sender ParticipantID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Sender: sender, Payload: raw}, nil
}

// Decode unmarshals the payload and runs its validation when it has one.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidMessage, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if vv, ok := v.(interface{ Validate() error }); ok {
		if err := vv.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	return nil
}

type ViewerJoinPayload struct {
	ViewerID ParticipantID `json:"viewerId"`
}

func (p *ViewerJoinPayload) Validate() error {
	return validation.ValidateParticipantID(string(p.ViewerID))
}

type OfferPayload struct {
	TargetViewerID ParticipantID             `json:"targetViewerId"`
	Offer          webrtc.SessionDescription `json:"offer"`
}

func (p *OfferPayload) Validate() error {
	if err := validation.ValidateParticipantID(string(p.TargetViewerID)); err != nil {
		return err
	}
	if p.Offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("expected offer, got %s", p.Offer.Type)
	}
	return validation.ValidateSDP(p.Offer.SDP)
}

// For reports whether the offer is addressed to viewerID.
func (p *OfferPayload) For(viewerID ParticipantID) bool {
	return p.TargetViewerID == viewerID
}

type AnswerPayload struct {
	ViewerID ParticipantID             `json:"viewerId"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

func (p *AnswerPayload) Validate() error {
	if err := validation.ValidateParticipantID(string(p.ViewerID)); err != nil {
		return err
	}
	if p.Answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", p.Answer.Type)
	}
	return validation.ValidateSDP(p.Answer.SDP)
}

// ICECandidatePayload flows both ways. Broadcaster candidates carry
// TargetViewerID and FromBroadcaster, viewer candidates carry ViewerID and
// FromViewer.
type ICECandidatePayload struct {
	Candidate       webrtc.ICECandidateInit `json:"candidate"`
	TargetViewerID  ParticipantID           `json:"targetViewerId,omitempty"`
	ViewerID        ParticipantID           `json:"viewerId,omitempty"`
	FromBroadcaster bool                    `json:"fromBroadcaster,omitempty"`
	FromViewer      bool                    `json:"fromViewer,omitempty"`
}

func (p *ICECandidatePayload) Validate() error {
	if p.FromBroadcaster == p.FromViewer {
		return fmt.Errorf("candidate must be from exactly one side")
	}
	if p.FromBroadcaster {
		if err := validation.ValidateParticipantID(string(p.TargetViewerID)); err != nil {
			return err
		}
	} else if err := validation.ValidateParticipantID(string(p.ViewerID)); err != nil {
		return err
	}
	return validation.ValidateICECandidate(p.Candidate.Candidate)
}

// ForViewer reports whether a broadcaster candidate is addressed to viewerID.
func (p *ICECandidatePayload) ForViewer(viewerID ParticipantID) bool {
	return p.FromBroadcaster && p.TargetViewerID == viewerID
}

// FromViewerID returns the sending viewer for candidates bound to the
// broadcaster.
func (p *ICECandidatePayload) FromViewerID() (ParticipantID, bool) {
	if !p.FromViewer || p.ViewerID == "" {
		return "", false
	}
	return p.ViewerID, true
}
