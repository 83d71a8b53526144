package http

import (
	"context"
	"errors"
	"net/http"

	"livecast/internal/core/domain"
	"livecast/pkg/circuitbreaker"
	apperrors "livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// BroadcastController is the part of the broadcaster the control API drives.
type BroadcastController interface {
	Snapshot() domain.BroadcastSnapshot
	Stop(ctx context.Context) error
}

// LiveStatusReader reads the shared live-status record.
type LiveStatusReader interface {
	Current(ctx context.Context) (domain.LiveStatus, error)
	LiveRoom(ctx context.Context) (domain.RoomID, error)
}

type BroadcastHandler struct {
	broadcaster BroadcastController
	liveStatus  LiveStatusReader
}

// NewBroadcastHandler builds the control API. broadcaster may be nil for
// processes that only report the live status.
func NewBroadcastHandler(broadcaster BroadcastController, liveStatus LiveStatusReader) *BroadcastHandler {
	return &BroadcastHandler{
		broadcaster: broadcaster,
		liveStatus:  liveStatus,
	}
}

func (h *BroadcastHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/live", h.GetLiveStatus)
		api.GET("/live/room", h.GetLiveRoom)

		if h.broadcaster != nil {
			api.GET("/broadcast", h.GetBroadcast)
			api.POST("/broadcast/stop", h.StopBroadcast)
		}
	}
}

func (h *BroadcastHandler) GetLiveStatus(c *gin.Context) {
	status, err := h.liveStatus.Current(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
	})
}

func (h *BroadcastHandler) GetLiveRoom(c *gin.Context) {
	roomID, err := h.liveStatus.LiveRoom(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"channel": domain.ChannelName(roomID),
	})
}

func (h *BroadcastHandler) GetBroadcast(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"broadcast": h.broadcaster.Snapshot(),
	})
}

// StopBroadcast ends the running broadcast. Stopping when nothing is live
// is not an error.
func (h *BroadcastHandler) StopBroadcast(c *gin.Context) {
	wasActive := h.broadcaster.Snapshot().Active

	if err := h.broadcaster.Stop(c.Request.Context()); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal,
			"failed to stop broadcast", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stopped":   wasActive,
		"broadcast": h.broadcaster.Snapshot(),
	})
}

// toAppError maps domain errors onto API errors.
func toAppError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrNotLive):
		return apperrors.NewNotFoundError("live broadcast")
	case errors.Is(err, domain.ErrStatusNotFound):
		return apperrors.NewNotFoundError("live status")
	case errors.Is(err, domain.ErrAlreadyLive):
		return apperrors.NewConflictError("broadcast already live")
	case errors.Is(err, domain.ErrInvalidMessage):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid request", http.StatusBadRequest)
	case errors.Is(err, circuitbreaker.ErrOpen):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "live status store unavailable", http.StatusServiceUnavailable)
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
