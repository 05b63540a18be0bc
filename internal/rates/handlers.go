package rates

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for exchange rates.
type Handler struct {
	store *Store
}

// NewHandler creates a new rates handler.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up rate routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rates", h.GetRates)
	r.PUT("/rates/currency", h.SetCurrency)
}

// SetCurrencyRequest selects the display currency.
type SetCurrencyRequest struct {
	Currency string `json:"currency" binding:"required,len=3"`
}

// GetRates handles GET /v1/rates
func (h *Handler) GetRates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rates": h.store.Snapshot()})
}

// SetCurrency handles PUT /v1/rates/currency
func (h *Handler) SetCurrency(c *gin.Context) {
	var req SetCurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency must be a 3-letter code",
		})
		return
	}
	if err := h.store.SetCurrency(req.Currency); err != nil {
		if errors.Is(err, ErrUnknownCurrency) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "unknown_currency",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rates": h.store.Snapshot()})
}
