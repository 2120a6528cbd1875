package call

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"peercall/internal/domain"
	callsvc "peercall/internal/service/call"
	"peercall/pkg/response"
)

// Service is the part of the call controller the HTTP API drives
type Service interface {
	StartOutgoing(ctx context.Context, input *callsvc.StartCallInput) (*domain.Call, error)
	Answer(ctx context.Context, callID string) error
	Reject(callID string) error
	End(callID string) error
	ToggleAudio(callID string) (bool, error)
	ToggleVideo(callID string) (bool, error)
	Current() callsvc.Snapshot
	Observe() (<-chan callsvc.Snapshot, func())
}

// Handler handles call control HTTP requests
type Handler struct {
	callService Service
}

// NewHandler creates a new call handler
func NewHandler(callService Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// RegisterRoutes mounts the call API under rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	{
		calls.POST("", h.StartCall)
		calls.GET("/current", h.GetCurrent)
		calls.GET("/events", h.StreamEvents)
		calls.POST("/:id/accept", h.AcceptCall)
		calls.POST("/:id/reject", h.RejectCall)
		calls.POST("/:id/end", h.EndCall)
		calls.POST("/:id/toggle-audio", h.ToggleAudio)
		calls.POST("/:id/toggle-video", h.ToggleVideo)
	}
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	PeerID    string `json:"peer_id" binding:"required"`
	ChatID    string `json:"chat_id"`
	MediaKind string `json:"media_kind" binding:"required"`
}

// StartCall places an outgoing call
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	kind, err := domain.ParseMediaKind(req.MediaKind)
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.callService.StartOutgoing(c.Request.Context(), &callsvc.StartCallInput{
		ChatID:       req.ChatID,
		RemotePeerID: req.PeerID,
		MediaKind:    kind,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// AcceptCall answers the ringing incoming call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.callService.Answer(c.Request.Context(), callID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call accepted",
		"call_id": callID,
	})
}

// RejectCall declines the ringing incoming call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.callService.Reject(callID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call rejected",
		"call_id": callID,
	})
}

// EndCall hangs up
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.callService.End(callID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"call_id": callID,
	})
}

// ToggleAudio mutes or unmutes the microphone
// POST /v1/calls/:id/toggle-audio
func (h *Handler) ToggleAudio(c *gin.Context) {
	callID := c.Param("id")

	enabled, err := h.callService.ToggleAudio(callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id":          callID,
		"is_audio_enabled": enabled,
	})
}

// ToggleVideo turns the camera off or on
// POST /v1/calls/:id/toggle-video
func (h *Handler) ToggleVideo(c *gin.Context) {
	callID := c.Param("id")

	enabled, err := h.callService.ToggleVideo(callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id":          callID,
		"is_video_enabled": enabled,
	})
}

// GetCurrent returns the current call, or the last one with its final status
// GET /v1/calls/current
func (h *Handler) GetCurrent(c *gin.Context) {
	snap := h.callService.Current()
	if snap.Call == nil {
		response.NotFound(c, "No call")
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// StreamEvents pushes a snapshot on every call change as server-sent events
// GET /v1/calls/events
func (h *Handler) StreamEvents(c *gin.Context) {
	updates, unsubscribe := h.callService.Observe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("call", snap)
			return true
		}
	})
}
