package agentserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tracegate/tracegate/internal/config"
)

func testServer(t *testing.T, token string) *Server {
	t.Helper()
	cfg := &config.AgentConfig{
		DataRoot:      t.TempDir(),
		Role:          "VPS_E",
		AuthToken:     token,
		ReloadXrayCmd: "exit 0",
		DryRun:        true,
	}
	deps := NewDeps(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})), nil)
	ledger, err := OpenLedger(cfg.DataRoot)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return NewServer(deps, ledger, deps.Logger, prometheus.NewRegistry())
}

func TestHandleEvent_RejectsMissingToken(t *testing.T) {
	s := testServer(t, "secret-token")

	body := `{"event_id":"e1","idempotency_key":"k1","event_type":"UPSERT_USER","payload":{}}`
	r := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleEvent_AppliesAndDeduplicates(t *testing.T) {
	s := testServer(t, "secret-token")

	body := `{"event_id":"e1","idempotency_key":"k1","event_type":"REVOKE_USER","payload":{"user_id":"u1","op_ts":"2026-01-01T00:00:00Z"}}`

	r := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	r.Header.Set("X-Agent-Token", "secret-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp eventResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Accepted)
	require.False(t, resp.Duplicate)

	r2 := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	r2.Header.Set("X-Agent-Token", "secret-token")
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, r2)
	require.Equal(t, http.StatusOK, w2.Code)

	var resp2 eventResponse
	require.NoError(t, json.NewDecoder(w2.Body).Decode(&resp2))
	require.True(t, resp2.Duplicate)
}

func TestHandleEvent_RejectsBadPayload(t *testing.T) {
	s := testServer(t, "secret-token")

	body := `{"event_id":"e2","idempotency_key":"k2","event_type":"UPSERT_USER","payload":{}}`
	r := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	r.Header.Set("X-Agent-Token", "secret-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth_NoAuthRequired(t *testing.T) {
	s := testServer(t, "secret-token")

	r := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "VPS_E", resp.Role)
}

func TestMetrics_RequiresToken(t *testing.T) {
	s := testServer(t, "secret-token")

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
