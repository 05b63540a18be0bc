package omni

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/federation"
	"github.com/mbd888/ecashwallet/internal/logging"
)

type mockFeds struct {
	feds   map[string]bridge.Federation
	active string
}

func (m *mockFeds) Resolve(id string) (*bridge.Federation, error) {
	if id == "" {
		if m.active == "" {
			return nil, federation.ErrNoActiveFederation
		}
		id = m.active
	}
	f, ok := m.feds[id]
	if !ok {
		return nil, federation.ErrFederationNotFound
	}
	return &f, nil
}

type mockResolver struct {
	calls int
}

func (m *mockResolver) Resolve(_ context.Context, data *bridge.LnurlPayData) (*bridge.LnurlPayData, error) {
	m.calls++
	out := *data
	out.Callback = "https://x/cb"
	out.MinSendable = 5_000
	out.MaxSendable = 9_000_000
	return &out, nil
}

func newTestSessions() (*Sessions, *mockBridge, *mockFeds) {
	b := newBridge()
	feds := &mockFeds{
		feds: map[string]bridge.Federation{
			"fedMain": {ID: "fedMain", Network: "bitcoin", Balance: 100_000_000},
			"fedTest": {ID: "fedTest", Network: "testnet", Balance: 5_000_000},
		},
		active: "fedMain",
	}
	return NewSessions(b, feds, &mockResolver{}, logging.Discard()), b, feds
}

// ============================================================================
// Sessions
// ============================================================================

func TestSessions_CreateUsesActiveFederation(t *testing.T) {
	s, _, feds := newTestSessions()

	id, err := s.Create("")
	require.NoError(t, err)
	st, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "fedMain", st.FederationID())

	_, err = s.Create("nope")
	assert.ErrorIs(t, err, federation.ErrFederationNotFound)

	feds.active = ""
	id, err = s.Create("")
	require.NoError(t, err, "a session without a federation is still usable for on-chain input")
	st, _ = s.Get(id)
	assert.Equal(t, "", st.FederationID())
}

func TestSessions_ScanUsesFederationNetwork(t *testing.T) {
	s, _, _ := newTestSessions()
	ctx := context.Background()

	id, _ := s.Create("fedTest")
	require.NoError(t, s.Scan(ctx, id, testnetSegwit))
	assert.ErrorIs(t, s.Scan(ctx, id, mainnetSegwit), ErrWrongNetwork)

	view, err := s.View(id)
	require.NoError(t, err)
	assert.Equal(t, TargetAddress, view.Target.Kind)
	assert.Equal(t, amount.Sats(5_000), view.Form.MaximumAmount)
}

func TestSessions_ScanResolvesLnurl(t *testing.T) {
	s, _, _ := newTestSessions()
	id, _ := s.Create("")

	require.NoError(t, s.Scan(context.Background(), id, "alice@example.com"))
	st, _ := s.Get(id)
	target := st.Target()
	require.Equal(t, TargetLnurl, target.Kind)
	assert.Equal(t, "https://x/cb", target.Lnurl.Callback)
	assert.Equal(t, amount.Sats(5), st.InputAmount())
	assert.Equal(t, 1, s.resolver.(*mockResolver).calls)
}

func TestSessions_Expire(t *testing.T) {
	s, _, _ := newTestSessions()
	now := time.Now()
	s.now = func() time.Time { return now }
	s.WithTTL(time.Minute)

	id, _ := s.Create("")
	now = now.Add(2 * time.Minute)
	_, err := s.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, s.Len())

	s.Create("")
	stale, _ := s.Create("")
	now = now.Add(30 * time.Second)
	_, err = s.Get(stale)
	require.NoError(t, err, "touching a session keeps it alive")
	now = now.Add(45 * time.Second)
	s.Create("")
	assert.Equal(t, 2, s.Len(), "create prunes only idle sessions")
}

func TestSessions_SendOnce(t *testing.T) {
	s, b, _ := newTestSessions()
	ctx := context.Background()
	id, _ := s.Create("")
	require.NoError(t, s.Scan(ctx, id, mainnetSegwit))

	res, err := s.Send(ctx, id, 900)
	require.NoError(t, err)
	assert.Equal(t, "txid", res.Txid)

	_, err = s.Send(ctx, id, 900)
	assert.ErrorIs(t, err, ErrNothingToPay)
	b.mu.Lock()
	assert.Len(t, b.calls, 1, "the address must be paid once")
	b.mu.Unlock()
}

func TestSessions_SendFailureKeepsTarget(t *testing.T) {
	s, b, _ := newTestSessions()
	ctx := context.Background()
	id, _ := s.Create("")
	require.NoError(t, s.Scan(ctx, id, mainnetSegwit))

	b.payErr = bridge.ErrDisconnected
	_, err := s.Send(ctx, id, 900)
	require.ErrorIs(t, err, bridge.ErrDisconnected)

	b.payErr = nil
	_, err = s.Send(ctx, id, 900)
	require.NoError(t, err, "a failed send can be retried")
}

func TestSessions_SendInProgress(t *testing.T) {
	s, _, _ := newTestSessions()
	id, _ := s.Create("")
	require.NoError(t, s.Scan(context.Background(), id, mainnetSegwit))

	s.mu.Lock()
	s.sessions[id].sending = true
	s.mu.Unlock()
	_, err := s.Send(context.Background(), id, 900)
	assert.ErrorIs(t, err, ErrSendInProgress)

	_, err = s.Send(context.Background(), "omni_missing", 900)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// ============================================================================
// Handlers
// ============================================================================

func setupTestRouter() (*gin.Engine, *mockBridge) {
	gin.SetMode(gin.TestMode)
	s, b, _ := newTestSessions()
	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))
	return r, b
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type sessionResponse struct {
	Session View `json:"session"`
}

func TestHandler_InvoiceFlow(t *testing.T) {
	router, b := setupTestRouter()

	w := doJSON(router, "POST", "/v1/omni/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Session.ID
	assert.Equal(t, "fedMain", created.Session.FederationID)
	assert.False(t, created.Session.ReadyToPay)

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/input", InputRequest{Input: "lightning:lnbc1invoice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.True(t, view.Session.ReadyToPay)
	assert.Equal(t, amount.Sats(1234), view.Session.InputAmount)
	require.NotNil(t, view.Session.Form.ExactAmount)

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/input", InputRequest{Input: mainnetSegwit})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/send", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "payInvoice", b.lastCall(t).method)
	assert.Contains(t, w.Body.String(), `"preimage":"pre"`)

	// Paid: a second send has nothing left to pay.
	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/send", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "nothing_to_pay")
	w = doJSON(router, "GET", "/v1/omni/sessions/"+id, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.False(t, view.Session.ReadyToPay)
}

func TestHandler_AddressSendUsesRequestAmount(t *testing.T) {
	router, b := setupTestRouter()
	w := doJSON(router, "POST", "/v1/omni/sessions", CreateSessionRequest{FederationID: "fedMain"})
	var created sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Session.ID

	doJSON(router, "POST", "/v1/omni/sessions/"+id+"/input", InputRequest{Input: mainnetSegwit})
	w = doJSON(router, "PUT", "/v1/omni/sessions/"+id+"/amount", AmountRequest{AmountSats: 700})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/send", AmountRequest{AmountSats: 900})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	call := b.lastCall(t)
	assert.Equal(t, "payAddress", call.method)
	assert.Equal(t, amount.Sats(900), call.sats)
}

func TestHandler_Errors(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "GET", "/v1/omni/sessions/omni_00000000000000000000000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, "GET", "/v1/omni/sessions/missing", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "POST", "/v1/omni/sessions", CreateSessionRequest{FederationID: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, "POST", "/v1/omni/sessions", nil)
	var created sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Session.ID

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/input", InputRequest{Input: "what is this"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_input")

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/input", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/send", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "nothing_to_pay")

	w = doJSON(router, "POST", "/v1/omni/sessions/"+id+"/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "DELETE", "/v1/omni/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(router, "GET", "/v1/omni/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
