package federation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for federation selection.
type Handler struct {
	store  *Store
	lister Lister
}

// NewHandler creates a new federation handler.
func NewHandler(store *Store, lister Lister) *Handler {
	return &Handler{store: store, lister: lister}
}

// RegisterRoutes sets up federation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/federations", h.ListFederations)
	r.GET("/federations/active", h.GetActive)
	r.PUT("/federations/active", h.SetActive)
	r.POST("/federations/sync", h.Sync)
}

// SetActiveRequest selects the active federation.
type SetActiveRequest struct {
	FederationID string `json:"federationId" binding:"required"`
}

// ListFederations handles GET /v1/federations
func (h *Handler) ListFederations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"federations": h.store.List(),
		"activeId":    h.store.ActiveID(),
	})
}

// GetActive handles GET /v1/federations/active
func (h *Handler) GetActive(c *gin.Context) {
	f, err := h.store.Active()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_active_federation",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"federation": f})
}

// SetActive handles PUT /v1/federations/active
func (h *Handler) SetActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "federationId is required",
		})
		return
	}
	if err := h.store.SetActive(req.FederationID); err != nil {
		if errors.Is(err, ErrFederationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Federation not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activeId": req.FederationID})
}

// Sync handles POST /v1/federations/sync
func (h *Handler) Sync(c *gin.Context) {
	if err := h.store.Sync(c.Request.Context(), h.lister); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "bridge_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"federations": h.store.List(),
		"activeId":    h.store.ActiveID(),
	})
}
