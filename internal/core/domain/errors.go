package domain

import "errors"

var (
	ErrAlreadyLive        = errors.New("broadcast already live")
	ErrNotLive            = errors.New("no live broadcast")
	ErrAlreadyJoined      = errors.New("viewer already joined")
	ErrStatusNotFound     = errors.New("live status not found")
	ErrChannelClosed      = errors.New("signaling channel closed")
	ErrInvalidMessage     = errors.New("invalid signaling message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrCaptureEnded       = errors.New("capture source ended")
	ErrSessionClosed      = errors.New("session closed")
)
