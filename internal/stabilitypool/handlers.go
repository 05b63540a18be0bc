package stabilitypool

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/federation"
	"github.com/mbd888/ecashwallet/internal/journal"
	"github.com/mbd888/ecashwallet/internal/operations"
)

// Refresher refreshes the active federation's stability-pool state.
type Refresher interface {
	RefreshActive(ctx context.Context) error
}

// Handler provides HTTP endpoints for the stability pool.
type Handler struct {
	service       *Service
	refresher     Refresher
	writeDeadline time.Duration
}

// NewHandler creates a new stability-pool handler.
func NewHandler(service *Service, refresher Refresher) *Handler {
	return &Handler{service: service, refresher: refresher}
}

// WithWriteDeadline lets deposit and withdraw responses be written up to d
// after the request starts, past the server's WriteTimeout. Those routes
// block until the operation settles.
func (h *Handler) WithWriteDeadline(d time.Duration) *Handler {
	h.writeDeadline = d
	return h
}

// RegisterRoutes sets up stability-pool routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stabilitypool", h.GetBalances)
	r.POST("/stabilitypool/deposit", h.Deposit)
	r.POST("/stabilitypool/withdraw", h.Withdraw)
	r.POST("/stabilitypool/refresh", h.Refresh)
	r.GET("/stabilitypool/operations", h.ListOperations)
	r.GET("/stabilitypool/pool", h.GetPoolInfo)
}

// AmountRequest carries a deposit or withdrawal amount.
type AmountRequest struct {
	AmountMsats int64 `json:"amountMsats" binding:"required,gt=0"`
}

// GetBalances handles GET /v1/stabilitypool
func (h *Handler) GetBalances(c *gin.Context) {
	b, err := h.service.Balances(c.Query("federationId"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": b})
}

// Deposit handles POST /v1/stabilitypool/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountMsats must be a positive integer",
		})
		return
	}
	h.extendWriteDeadline(c)
	entry, err := h.service.IncreaseStableBalance(c.Request.Context(), amount.MSats(req.AmountMsats))
	if err != nil {
		h.writeError(c, err, entry)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": entry})
}

// Withdraw handles POST /v1/stabilitypool/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountMsats must be a positive integer",
		})
		return
	}
	h.extendWriteDeadline(c)
	entry, err := h.service.DecreaseStableBalance(c.Request.Context(), amount.MSats(req.AmountMsats))
	if err != nil {
		h.writeError(c, err, entry)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": entry})
}

// Refresh handles POST /v1/stabilitypool/refresh
func (h *Handler) Refresh(c *gin.Context) {
	if err := h.refresher.RefreshActive(c.Request.Context()); err != nil {
		h.writeError(c, err, nil)
		return
	}
	b, err := h.service.Balances("")
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": b})
}

// ListOperations handles GET /v1/stabilitypool/operations
func (h *Handler) ListOperations(c *gin.Context) {
	limit := journal.DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := h.service.Operations(c.Request.Context(), c.Query("federationId"), limit)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": entries, "count": len(entries)})
}

// GetPoolInfo handles GET /v1/stabilitypool/pool
func (h *Handler) GetPoolInfo(c *gin.Context) {
	cycles := DefaultFeeRateCycles
	if v := c.Query("cycles"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "cycles must be between 1 and 1000",
			})
			return
		}
		cycles = n
	}
	info, err := h.service.PoolInfo(c.Request.Context(), c.Query("federationId"), cycles)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": info})
}

// extendWriteDeadline is best effort: writers that cannot change their
// deadline, like test recorders, keep the server default.
func (h *Handler) extendWriteDeadline(c *gin.Context) {
	if h.writeDeadline <= 0 {
		return
	}
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Now().Add(h.writeDeadline)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		_ = c.Error(err)
	}
}

func (h *Handler) writeError(c *gin.Context, err error, entry *journal.Entry) {
	status, code := http.StatusInternalServerError, "internal_error"
	var rpcErr *bridge.RPCError
	switch {
	case errors.Is(err, ErrNoActiveFederation):
		status, code = http.StatusConflict, "no_active_federation"
	case errors.Is(err, federation.ErrFederationNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNoStabilityPool):
		status, code = http.StatusConflict, "no_stability_pool"
	case errors.Is(err, ErrPoolInfoUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInsufficientStableBalance):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, operations.ErrTransactionRejected):
		status, code = http.StatusUnprocessableEntity, "transaction_rejected"
	case errors.Is(err, operations.ErrOperationTimeout):
		status, code = http.StatusGatewayTimeout, "operation_timeout"
	case errors.As(err, &rpcErr), errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrDisconnected):
		status, code = http.StatusBadGateway, "bridge_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusRequestTimeout, "request_canceled"
	}
	body := gin.H{"error": code, "message": err.Error()}
	if entry != nil {
		body["operation"] = entry
	}
	c.JSON(status, body)
}
