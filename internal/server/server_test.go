package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clinicaflow/internal/evidence"
	"clinicaflow/internal/pipeline"
	"clinicaflow/internal/policy"
	"clinicaflow/internal/types"
)

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	loader, err := policy.NewLoader("", zap.NewNop())
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	orch := pipeline.New(pipeline.Options{
		Evidence: evidence.New(loader, 2),
		Metrics:  pipeline.NewMetrics(registry),
	})
	return New(Options{
		Orchestrator: orch,
		PolicyLoader: loader,
		Registry:     registry,
		APIKey:       apiKey,
	})
}

func postTriage(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/triage", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTriageEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	body := `{
		"chief_complaint": "crushing chest pain radiating to left arm",
		"vitals": {"heart_rate": 128, "systolic_bp": 82, "spo2": 94, "respiratory_rate": 22, "temperature_c": 37.0}
	}`
	rec := postTriage(t, s, body, map[string]string{"X-Request-ID": "req-42"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.TriageResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "req-42", result.RequestID)
	assert.Equal(t, types.TierCritical, result.RiskTier)
	assert.True(t, result.EscalationRequired)
	assert.Len(t, result.Trace, len(types.StageOrder))
}

func TestTriageMalformedJSON(t *testing.T) {
	s := newTestServer(t, "")
	rec := postTriage(t, s, `{"chief_complaint": `, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "intake_invalid")
}

func TestTriageUnknownField(t *testing.T) {
	s := newTestServer(t, "")
	rec := postTriage(t, s, `{"chief_complaint": "headache", "bogus": true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "intake_invalid")
}

func TestTriageEmptyChiefComplaint(t *testing.T) {
	s := newTestServer(t, "")
	rec := postTriage(t, s, `{"chief_complaint": "   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "intake_invalid")
}

func TestTriageBodyTooLarge(t *testing.T) {
	loader, err := policy.NewLoader("", zap.NewNop())
	require.NoError(t, err)
	s := New(Options{
		Orchestrator:    pipeline.New(pipeline.Options{Evidence: evidence.New(loader, 2)}),
		PolicyLoader:    loader,
		MaxRequestBytes: 64,
	})
	body := `{"chief_complaint": "` + strings.Repeat("a", 200) + `"}`
	rec := postTriage(t, s, body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t, "sekrit")

	rec := postTriage(t, s, `{"chief_complaint": "headache"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postTriage(t, s, `{"chief_complaint": "headache"}`, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postTriage(t, s, `{"chief_complaint": "headache"}`, map[string]string{"X-API-Key": "sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzBypassesAuth(t *testing.T) {
	s := newTestServer(t, "sekrit")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), pipeline.Version)
}

func TestPolicyEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Version string          `json:"version"`
		Source  string          `json:"source"`
		SHA256  string          `json:"sha256"`
		Pack    json.RawMessage `json:"pack"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, policy.SourceEmbedded, resp.Source)
	assert.Len(t, resp.SHA256, 64)
	assert.NotEmpty(t, resp.Pack)
}

func TestRulesEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		SafetyRulesVersion string          `json:"safety_rules_version"`
		SHA256             string          `json:"sha256"`
		Rulebook           json.RawMessage `json:"rulebook"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SafetyRulesVersion)
	assert.Len(t, resp.SHA256, 64)
	assert.NotEmpty(t, resp.Rulebook)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	// Run one request so the counters have samples.
	postTriage(t, s, `{"chief_complaint": "headache"}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "triage_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodOptions, "/v1/triage", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
