package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/validation"
)

// Handler provides HTTP endpoints for chat payments and user search.
type Handler struct {
	searcher *Searcher
	actions  *Actions
}

// NewHandler creates a new chat handler.
func NewHandler(searcher *Searcher, actions *Actions) *Handler {
	return &Handler{searcher: searcher, actions: actions}
}

// RegisterRoutes sets up chat routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/chat/users", h.SearchUsers)
	r.POST("/chat/payments/present", h.Present)
	r.POST("/chat/payments/cancel", h.Cancel)
	r.POST("/chat/payments/accept", h.Accept)
	r.POST("/chat/payments/reject", h.Reject)
}

// PaymentRequest identifies a payment event and the viewer. ForeignEcash
// lets an accept fall back to paying from another federation.
type PaymentRequest struct {
	Event         bridge.MatrixPaymentEvent `json:"event"`
	MyID          string                    `json:"myId"`
	IsDm          bool                      `json:"isDm"`
	SenderName    string                    `json:"senderName"`
	RecipientName string                    `json:"recipientName"`
	ForeignEcash  bool                      `json:"foreignEcash"`
}

// SearchUsers handles GET /v1/chat/users?q=
func (h *Handler) SearchUsers(c *gin.Context) {
	res, err := h.searcher.Search(c.Request.Context(), validation.SanitizeString(c.Query("q"), validation.MaxQueryLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Present handles POST /v1/chat/payments/present
func (h *Handler) Present(c *gin.Context) {
	req, ok := bindPayment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"presentation": h.present(req)})
}

// Cancel handles POST /v1/chat/payments/cancel
func (h *Handler) Cancel(c *gin.Context) {
	req, ok := bindPayment(c)
	if !ok {
		return
	}
	if err := h.actions.Cancel(c.Request.Context(), req.Event); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presentation": h.present(req)})
}

// Accept handles POST /v1/chat/payments/accept
func (h *Handler) Accept(c *gin.Context) {
	req, ok := bindPayment(c)
	if !ok {
		return
	}
	outcome, err := h.actions.AcceptRequest(c.Request.Context(), req.Event, req.ForeignEcash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "presentation": h.present(req)})
}

// Reject handles POST /v1/chat/payments/reject
func (h *Handler) Reject(c *gin.Context) {
	req, ok := bindPayment(c)
	if !ok {
		return
	}
	if err := h.actions.RejectRequest(c.Request.Context(), req.Event); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presentation": h.present(req)})
}

func (h *Handler) present(req PaymentRequest) Presentation {
	v := h.actions.View(req.Event, req.MyID, req.IsDm)
	v.SenderName = req.SenderName
	v.RecipientName = req.RecipientName
	return PresentPayment(v)
}

func bindPayment(c *gin.Context) (PaymentRequest, bool) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Event.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "event with an id is required",
		})
		return req, false
	}
	return req, true
}

func writeError(c *gin.Context, err error) {
	var rpcErr *bridge.RPCError
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrJoinFederation):
		status, code = http.StatusUnprocessableEntity, "join_federation"
	case errors.Is(err, ErrActionInFlight):
		status, code = http.StatusConflict, "action_in_flight"
	case errors.Is(err, ErrInvalidEvent):
		status, code = http.StatusBadRequest, "invalid_request"
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
