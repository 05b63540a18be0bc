package stabilitypool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/federation"
	"github.com/mbd888/ecashwallet/internal/journal"
)

type mockRefreshActive struct {
	err   error
	calls int
}

func (m *mockRefreshActive) RefreshActive(context.Context) error {
	m.calls++
	return m.err
}

func setupRouter(t *testing.T) (*gin.Engine, *harness, *mockRefreshActive) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	ref := &mockRefreshActive{}
	r := gin.New()
	NewHandler(h.svc, ref).RegisterRoutes(r.Group("/v1"))
	return r, h, ref
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetBalances(t *testing.T) {
	router, h, _ := setupRouter(t)
	seedAccount(h, []amount.MSats{2_000_000}, 1_000)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/stabilitypool", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Balances Balances `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "fedA", resp.Balances.FederationID)
	assert.InDelta(t, 1_000, float64(resp.Balances.StableBalanceCents), 1e-9)
	assert.InDelta(t, 100, float64(resp.Balances.StableBalancePendingCents), 1e-9)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/stabilitypool?federationId=other", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_DepositAccepted(t *testing.T) {
	router, h, _ := setupRouter(t)
	h.emitOnSubmit(t, bridge.EventStabilityPoolDeposit, "op1", bridge.OperationState{Name: bridge.StateTxAccepted})

	w := postJSON(router, "/v1/stabilitypool/deposit", AmountRequest{AmountMsats: 100_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Operation journal.Entry `json:"operation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, journal.StateAccepted, resp.Operation.State)
	assert.Equal(t, amount.MSats(101_000), resp.Operation.SubmittedMsats)
}

func TestHandler_DepositRejected(t *testing.T) {
	router, h, _ := setupRouter(t)
	h.emitOnSubmit(t, bridge.EventStabilityPoolDeposit, "op1",
		bridge.OperationState{Name: bridge.StateTxRejected, Reason: "nope"})

	w := postJSON(router, "/v1/stabilitypool/deposit", AmountRequest{AmountMsats: 100_000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "transaction_rejected")
	assert.Contains(t, w.Body.String(), "Transaction rejected")
	assert.Contains(t, w.Body.String(), `"operation"`)
}

func TestHandler_DepositValidation(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := postJSON(router, "/v1/stabilitypool/deposit", map[string]any{"amountMsats": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(router, "/v1/stabilitypool/deposit", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DepositPreconditions(t *testing.T) {
	router, h, _ := setupRouter(t)
	h.feds.active.StabilityPool = nil

	w := postJSON(router, "/v1/stabilitypool/deposit", AmountRequest{AmountMsats: 100_000})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "no_stability_pool")

	h.feds.active = nil
	w = postJSON(router, "/v1/stabilitypool/deposit", AmountRequest{AmountMsats: 100_000})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "no_active_federation")
}

func TestHandler_DepositBridgeError(t *testing.T) {
	router, h, _ := setupRouter(t)
	h.bridge.err = &bridge.RPCError{Method: "stabilityPoolDepositToSeek", Message: "boom"}

	w := postJSON(router, "/v1/stabilitypool/deposit", AmountRequest{AmountMsats: 100_000})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "bridge_error")
}

func TestHandler_Withdraw(t *testing.T) {
	router, h, _ := setupRouter(t)
	seedAccount(h, []amount.MSats{5_000}, 100)
	h.emitOnSubmit(t, bridge.EventStabilityPoolWithdraw, "op1", bridge.OperationState{Name: bridge.StateCancellationAccepted})

	w := postJSON(router, "/v1/stabilitypool/withdraw", AmountRequest{AmountMsats: 8_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, amount.BasisPoints(15), h.bridge.withdraws[0].lockedBps)
}

func TestHandler_Refresh(t *testing.T) {
	router, _, ref := setupRouter(t)

	w := postJSON(router, "/v1/stabilitypool/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, ref.calls)

	ref.err = federation.ErrNoActiveFederation
	w = postJSON(router, "/v1/stabilitypool/refresh", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	ref.err = errors.New("bridge exploded")
	w = postJSON(router, "/v1/stabilitypool/refresh", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_ListOperations(t *testing.T) {
	router, h, _ := setupRouter(t)
	h.emitOnSubmit(t, bridge.EventStabilityPoolDeposit, "op1", bridge.OperationState{Name: bridge.StateTxAccepted})
	postJSON(router, "/v1/stabilitypool/deposit", AmountRequest{AmountMsats: 100_000})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/stabilitypool/operations?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Operations []journal.Entry `json:"operations"`
		Count      int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "op1", resp.Operations[0].OperationID)
}

func TestHandler_WithdrawOutlivesServerWriteTimeout(t *testing.T) {
	gin.SetMode(gin.TestMode)

	serve := func(t *testing.T, deadline time.Duration) (*http.Response, error) {
		h := newHarness(t)
		seedAccount(h, []amount.MSats{5_000}, 100)
		// Settles well after the server's write timeout.
		h.emitAfter(t, 300*time.Millisecond, bridge.EventStabilityPoolWithdraw, "op1",
			bridge.OperationState{Name: bridge.StateCancellationAccepted})

		r := gin.New()
		NewHandler(h.svc, &mockRefreshActive{}).WithWriteDeadline(deadline).RegisterRoutes(r.Group("/v1"))
		srv := httptest.NewUnstartedServer(r)
		srv.Config.WriteTimeout = 100 * time.Millisecond
		srv.Start()
		t.Cleanup(srv.Close)

		return http.Post(srv.URL+"/v1/stabilitypool/withdraw", "application/json",
			strings.NewReader(`{"amountMsats":8000}`))
	}

	t.Run("extended", func(t *testing.T) {
		resp, err := serve(t, time.Minute)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Operation journal.Entry `json:"operation"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "op1", body.Operation.OperationID)
	})

	t.Run("server default", func(t *testing.T) {
		resp, err := serve(t, 0)
		if err == nil {
			resp.Body.Close()
		}
		assert.Error(t, err, "response written past the write timeout is dropped")
	})
}
