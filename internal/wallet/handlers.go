package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet state.
type Handler struct {
	store *Store
}

// NewHandler creates a new wallet handler.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/reset", h.Reset)
}

// ResetRequest names the federation to reset. An empty body resets every
// federation.
type ResetRequest struct {
	FederationID string `json:"federationId"`
}

// Reset handles POST /v1/wallet/reset
func (h *Handler) Reset(c *gin.Context) {
	var req ResetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "body must be empty or carry a federationId",
			})
			return
		}
	}
	if req.FederationID == "" {
		h.store.Reset()
		c.JSON(http.StatusOK, gin.H{"reset": "all"})
		return
	}
	h.store.ResetFederation(req.FederationID)
	c.JSON(http.StatusOK, gin.H{"reset": req.FederationID})
}
