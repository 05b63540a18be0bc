package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/config"
	"github.com/mbd888/ecashwallet/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var defaultFederations = []map[string]any{{"id": "fed1", "name": "Test Fed", "network": "signet", "balance": 1000}}

// fakeBridge answers listFederations with whatever feds holds and fails every
// other call.
func fakeBridge(t *testing.T, feds *atomic.Value) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req struct {
				ID     string `json:"id"`
				Method string `json:"method"`
			}
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			resp := map[string]any{"id": req.ID}
			if req.Method == "listFederations" {
				resp["result"] = feds.Load()
			} else {
				resp["error"] = "unsupported in test: " + req.Method
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a minimal config for testing
func testConfig(bridgeURL string) *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		CORSOrigins:        []string{"*"},
		BridgeURL:          bridgeURL,
		BridgeDialAttempts: 1,
		OperationTimeout:   config.DefaultOperationTimeout,
		SearchDebounce:     config.DefaultSearchDebounce,
		OmniSessionTTL:     config.DefaultOmniSessionTTL,
		DisplayCurrency:    "USD",
		RefreshSchedule:    config.DefaultRefreshSchedule,
	}
}

// newTestServer creates a server connected to a fake bridge
func newTestServer(t *testing.T) *Server {
	s, _ := newTestServerWithFeds(t)
	return s
}

// newTestServerWithFeds also returns the federation list the fake bridge
// serves, so tests can change it.
func newTestServerWithFeds(t *testing.T) (*Server, *atomic.Value) {
	t.Helper()
	feds := &atomic.Value{}
	feds.Store(defaultFederations)
	srv := fakeBridge(t, feds)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	s, err := New(testConfig(url), WithLogger(logging.Discard()), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, feds
}

func post(s *Server, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router().ServeHTTP(w, req)
	return w
}

func TestNew_BridgeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := New(testConfig(url), WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/health")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "bridge", resp.Checks[0].Name)
	assert.True(t, resp.Checks[0].Healthy)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Start")

	s.Start(t.Context())
	w = get(s, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, s.Shutdown())
	w = get(s, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready after Shutdown")
}

func TestFederationsLoadedAtStartup(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/v1/federations")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Federations []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"federations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Federations, 1)
	assert.Equal(t, "fed1", resp.Federations[0].ID)
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := make(map[string]bool)
	for _, r := range s.Router().Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /metrics",
		"GET /ws",
		"GET /v1/federations",
		"GET /v1/rates",
		"GET /v1/stabilitypool",
		"POST /v1/stabilitypool/deposit",
		"POST /v1/stabilitypool/withdraw",
		"GET /v1/stabilitypool/pool",
		"POST /v1/omni/sessions",
		"GET /v1/chat/users",
		"POST /v1/chat/payments/accept",
		"POST /v1/wallet/reset",
	} {
		assert.True(t, routes[want], "expected route %s", want)
	}
}

func TestLeftFederationWalletStateReset(t *testing.T) {
	s, feds := newTestServerWithFeds(t)
	store := s.wallet.Store()
	store.SetAccountInfo("fed1", &bridge.AccountInfo{
		LockedSeeks: []bridge.LockedSeek{{InitialAmount: 1_000_000, InitialAmountCents: 50}},
	})

	// Leave, then rejoin.
	feds.Store([]map[string]any{})
	require.Equal(t, http.StatusOK, post(s, "/v1/federations/sync", "").Code)
	feds.Store(defaultFederations)
	require.Equal(t, http.StatusOK, post(s, "/v1/federations/sync", "").Code)

	assert.Nil(t, store.Get("fed1").AccountInfo, "rejoined federation must start from defaults")

	b, err := s.pool.Balances("fed1")
	require.NoError(t, err)
	assert.Zero(t, b.TotalLockedMsats)
	assert.Zero(t, b.StableBalanceCents)
}

func TestWalletResetRoute(t *testing.T) {
	s := newTestServer(t)
	store := s.wallet.Store()
	store.SetAccountInfo("fed1", &bridge.AccountInfo{IdleBalance: 10})
	store.SetCycleStartPrice("fed1", 60_000)

	w := post(s, "/v1/wallet/reset", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Nil(t, store.Get("fed1").AccountInfo)
	assert.Nil(t, store.Get("fed1").CycleStartPrice)
}

func TestMiddlewareHeaders(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/v1/rates")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rates", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "upstream-id", w.Header().Get("X-Request-ID"))
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(s, "/v1/nonexistent").Code)
}

func TestShutdownTwice(t *testing.T) {
	s := newTestServer(t)
	s.Start(t.Context())
	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/wallet")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "user:")
	assert.Contains(t, masked, "@db:5432/wallet")

	assert.Equal(t, "postgres://db/wallet", maskDSN("postgres://db/wallet"))
}
