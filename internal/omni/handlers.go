package omni

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/federation"
	"github.com/mbd888/ecashwallet/internal/validation"
)

// Handler provides HTTP endpoints for omni payments.
type Handler struct {
	sessions *Sessions
}

// NewHandler creates a new omni handler.
func NewHandler(sessions *Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes sets up omni payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/omni/sessions", validation.IDParamMiddleware("id"))
	g.POST("", h.CreateSession)
	g.GET("/:id", h.GetSession)
	g.DELETE("/:id", h.DeleteSession)
	g.POST("/:id/input", h.Input)
	g.PUT("/:id/amount", h.SetAmount)
	g.POST("/:id/reset", h.Reset)
	g.POST("/:id/send", h.Send)
}

// CreateSessionRequest starts a session. An empty federation id selects the
// active federation.
type CreateSessionRequest struct {
	FederationID string `json:"federationId"`
}

// InputRequest carries raw scanned or pasted input.
type InputRequest struct {
	Input string `json:"input" binding:"required"`
}

// AmountRequest carries an amount in sats.
type AmountRequest struct {
	AmountSats amount.Sats `json:"amountSats" binding:"gte=0"`
}

// CreateSession handles POST /v1/omni/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "invalid session request")
			return
		}
	}
	id, err := h.sessions.Create(req.FederationID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, http.StatusCreated, id)
}

// GetSession handles GET /v1/omni/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	h.respond(c, http.StatusOK, c.Param("id"))
}

// DeleteSession handles DELETE /v1/omni/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	h.sessions.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// Input handles POST /v1/omni/sessions/:id/input
func (h *Handler) Input(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "input is required")
		return
	}
	id := c.Param("id")
	input := validation.SanitizeString(req.Input, validation.MaxInputLength)
	if err := h.sessions.Scan(c.Request.Context(), id, input); err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, http.StatusOK, id)
}

// SetAmount handles PUT /v1/omni/sessions/:id/amount
func (h *Handler) SetAmount(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "amountSats must be zero or positive")
		return
	}
	id := c.Param("id")
	st, err := h.sessions.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := st.SetInputAmount(req.AmountSats); err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, http.StatusOK, id)
}

// Reset handles POST /v1/omni/sessions/:id/reset
func (h *Handler) Reset(c *gin.Context) {
	id := c.Param("id")
	st, err := h.sessions.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	st.Reset()
	h.respond(c, http.StatusOK, id)
}

// Send handles POST /v1/omni/sessions/:id/send. Without a body the
// session's input amount is sent.
func (h *Handler) Send(c *gin.Context) {
	id := c.Param("id")
	st, err := h.sessions.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	sats := st.InputAmount()
	if c.Request.ContentLength > 0 {
		var req AmountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "amountSats must be zero or positive")
			return
		}
		if req.AmountSats > 0 {
			sats = req.AmountSats
		}
	}

	res, err := h.sessions.Send(c.Request.Context(), id, sats)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *Handler) respond(c *gin.Context, status int, id string) {
	view, err := h.sessions.View(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, gin.H{"session": view})
}

func invalidRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func writeError(c *gin.Context, err error) {
	var rpcErr *bridge.RPCError
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, federation.ErrFederationNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnrecognizedInput), errors.Is(err, ErrWrongNetwork), errors.Is(err, ErrUnsafeEndpoint):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, amount.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrNoFederation):
		status, code = http.StatusConflict, "no_federation"
	case errors.Is(err, ErrNothingToPay):
		status, code = http.StatusConflict, "nothing_to_pay"
	case errors.Is(err, ErrSendInProgress):
		status, code = http.StatusConflict, "send_in_progress"
	case errors.As(err, &rpcErr), errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrDisconnected):
		status, code = http.StatusBadGateway, "bridge_error"
	case errors.Is(err, context.Canceled):
		status, code = http.StatusRequestTimeout, "request_canceled"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
