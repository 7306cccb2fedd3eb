package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhaw-/govproxy/internal/govproxy/audit"
	"github.com/vaibhaw-/govproxy/internal/govproxy/authz"
	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
	"github.com/vaibhaw-/govproxy/internal/govproxy/pii"
	"github.com/vaibhaw-/govproxy/internal/govproxy/proxy"
	"github.com/vaibhaw-/govproxy/internal/govproxy/validator"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	sink, err := audit.OpenFileSink(path)
	require.NoError(t, err)
	al, err := audit.New(sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = al.Close() })

	policy := config.DefaultPolicy()
	det, err := pii.New()
	require.NoError(t, err)
	p, err := proxy.New(
		validator.New(validator.DefaultOptions()),
		authz.NewEngine(policy, authz.NewMemoryStore()),
		det, al, policy, proxy.DefaultOptions())
	require.NoError(t, err)

	srv := httptest.NewServer(New(p, Options{Version: "test-1.0", AuditFiles: []string{path}}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func queryBody(clearance, sql string, tables ...string) string {
	b, _ := json.Marshal(map[string]any{
		"agentId":         "agent-7",
		"agentName":       "report-bot",
		"agentPurpose":    "monthly report",
		"databaseName":    "docs",
		"sqlQuery":        sql,
		"requestedTables": tables,
		"clearanceLevel":  clearance,
	})
	return string(b)
}

const safeSQL = "SELECT Id, Title FROM Documents WHERE Id = 1"

func TestExecute_AllowedWithHeaders(t *testing.T) {
	srv := setupTestServer(t)

	resp := post(t, srv, "/v1/governance/execute", queryBody("Administrator", safeSQL, "Documents"),
		http.Header{HeaderCorrelationID: {"corr-abc"}})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(HeaderProtected))
	assert.Equal(t, "test-1.0", resp.Header.Get(HeaderVersion))
	assert.Equal(t, "corr-abc", resp.Header.Get(HeaderCorrelationID))

	body := decode[ExecuteResponse](t, resp)
	assert.True(t, body.Allowed)
	assert.Equal(t, model.StateAllowed, body.State)
	assert.Equal(t, "corr-abc", body.CorrelationID)
	require.NotNil(t, body.Validation)
	assert.True(t, body.Validation.IsValid)
	assert.Equal(t, "corr-abc", body.Validation.CorrelationID)
	assert.False(t, body.Validation.Timestamp.IsZero())
	require.NotNil(t, body.Authorization)
	assert.True(t, body.Authorization.IsAuthorized)
	assert.Equal(t, model.Administrator, body.Authorization.GrantedClearanceLevel)
}

func TestExecute_ResponseFieldNames(t *testing.T) {
	srv := setupTestServer(t)

	resp := post(t, srv, "/v1/governance/execute", queryBody("Standard", safeSQL, "Documents"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	validation, ok := raw["validation"].(map[string]any)
	require.True(t, ok)
	for _, k := range []string{"isValid", "securityRisks", "warnings", "recommendations", "correlationId", "timestamp"} {
		assert.Contains(t, validation, k)
	}
	authorization, ok := raw["authorization"].(map[string]any)
	require.True(t, ok)
	for _, k := range []string{"isAuthorized", "grantedClearanceLevel", "authorizedTables", "rateLimit", "expiresAt", "timestamp"} {
		assert.Contains(t, authorization, k)
	}
	rl, ok := authorization["rateLimit"].(map[string]any)
	require.True(t, ok)
	for _, k := range []string{"requestsPerMinute", "requestsPerHour", "remainingRequests", "resetAt", "isExceeded"} {
		assert.Contains(t, rl, k)
	}
	assert.Equal(t, "Standard", authorization["grantedClearanceLevel"])
}

func TestExecute_GeneratesCorrelationID(t *testing.T) {
	srv := setupTestServer(t)

	resp := post(t, srv, "/v1/governance/execute", queryBody("Administrator", safeSQL, "Documents"), nil)
	id := resp.Header.Get(HeaderCorrelationID)
	require.NotEmpty(t, id)

	body := decode[ExecuteResponse](t, resp)
	assert.Equal(t, id, body.CorrelationID)
}

func TestExecute_DenialStatuses(t *testing.T) {
	srv := setupTestServer(t)

	resp := post(t, srv, "/v1/governance/execute",
		queryBody("Administrator", "SELECT * FROM Documents WHERE Id=1; DROP TABLE Users;--", "Documents"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[ExecuteResponse](t, resp)
	assert.Equal(t, model.StateValidationFailed, body.State)
	assert.Nil(t, body.Authorization)

	resp = post(t, srv, "/v1/governance/execute", queryBody("Restricted", "SELECT Id FROM Reports", "Reports"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body = decode[ExecuteResponse](t, resp)
	assert.Equal(t, model.StateAuthorizationFailed, body.State)
	require.NotNil(t, body.Authorization)
	assert.Equal(t, model.DenialTableNotAllowed+":Reports", body.Authorization.DenialReason)
}

func TestExecute_RateLimited(t *testing.T) {
	srv := setupTestServer(t)
	tier, err := config.DefaultPolicy().Tier(model.Restricted)
	require.NoError(t, err)

	for i := 0; i < tier.RequestsPerMinute; i++ {
		resp := post(t, srv, "/v1/governance/execute", queryBody("Restricted", safeSQL, "Documents"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}
	resp := post(t, srv, "/v1/governance/execute", queryBody("Restricted", safeSQL, "Documents"), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decode[ExecuteResponse](t, resp)
	require.NotNil(t, body.Authorization)
	assert.True(t, body.Authorization.RateLimit.IsExceeded)
	assert.False(t, body.Authorization.IsAuthorized)
}

func TestExecute_BadRequest(t *testing.T) {
	srv := setupTestServer(t)

	for _, body := range []string{`{not json`, queryBody("Root", safeSQL, "Documents")} {
		resp := post(t, srv, "/v1/governance/execute", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get(HeaderProtected))
		e := decode[ErrorResponse](t, resp)
		assert.Contains(t, e.Error, "invalid request body")
	}
}

func TestValidate_DryRun(t *testing.T) {
	srv := setupTestServer(t)

	resp := post(t, srv, "/v1/governance/validate",
		queryBody("Restricted", "SELECT * FROM Documents UNION SELECT * FROM Users", "Documents"),
		http.Header{HeaderCorrelationID: {"dry-1"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[ValidationResponse](t, resp)
	assert.False(t, body.IsValid)
	assert.NotEmpty(t, body.SecurityRisks)
	assert.Equal(t, "dry-1", body.CorrelationID)
	assert.False(t, body.Timestamp.IsZero())

	// A dry run is audited but never consumes the rate budget.
	trail := getTrail(t, srv, "dry-1")
	require.Len(t, trail, 1)
	assert.Equal(t, string(model.StageValidation), trail[0]["decision_stage"])
}

func TestExecutionsAndTrail(t *testing.T) {
	srv := setupTestServer(t)

	resp := post(t, srv, "/v1/governance/execute", queryBody("Elevated", safeSQL, "Documents"),
		http.Header{HeaderCorrelationID: {"trail-1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rep, err := json.Marshal(map[string]any{
		"query":     json.RawMessage(queryBodyWithID("trail-1")),
		"rows":      12,
		"elapsedMs": 40,
	})
	require.NoError(t, err)
	resp = post(t, srv, "/v1/governance/executions", string(rep), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	trail := getTrail(t, srv, "trail-1")
	var stages []string
	for _, e := range trail {
		stages = append(stages, e["decision_stage"].(string))
	}
	assert.Equal(t, []string{"Validation", "Authorization", "PIIDetection", "Execution"}, stages)

	resp, err = http.Get(srv.URL + "/v1/governance/audit/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, srv, "/v1/governance/executions", `{"query":{"agentId":"a"},"rows":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecute_AuditsConnectionAddress(t *testing.T) {
	srv := setupTestServer(t)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(queryBodyWithID("ip-1")), &m))
	m["ipAddress"] = "203.0.113.9"
	body, err := json.Marshal(m)
	require.NoError(t, err)

	resp := post(t, srv, "/v1/governance/execute", string(body), http.Header{"X-Real-Ip": {"198.51.100.4"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	trail := getTrail(t, srv, "ip-1")
	require.NotEmpty(t, trail)
	for _, e := range trail {
		assert.Equal(t, "198.51.100.4", e["ip_address"])
		detail, ok := e["detail"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "203.0.113.9", detail["claimed_ip_address"])
	}

	// without a body value nothing is claimed
	resp = post(t, srv, "/v1/governance/execute", queryBodyWithID("ip-2"), http.Header{"X-Real-Ip": {"198.51.100.4"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, e := range getTrail(t, srv, "ip-2") {
		assert.Equal(t, "198.51.100.4", e["ip_address"])
		if detail, ok := e["detail"].(map[string]any); ok {
			assert.NotContains(t, detail, "claimed_ip_address")
		}
	}
}

func queryBodyWithID(id string) string {
	var m map[string]any
	_ = json.Unmarshal([]byte(queryBody("Elevated", safeSQL, "Documents")), &m)
	m["correlationId"] = id
	b, _ := json.Marshal(m)
	return string(b)
}

func getTrail(t *testing.T, srv *httptest.Server, id string) []map[string]any {
	t.Helper()
	resp, err := http.Get(srv.URL + "/v1/governance/audit/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trail []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trail))
	return trail
}

type stubEvaluator struct {
	verdict     model.Verdict
	validateErr error
	recordErr   error
}

func (s stubEvaluator) ExecuteSecureQuery(context.Context, model.AgentQuery) model.Verdict {
	return s.verdict
}

func (s stubEvaluator) Validate(_ context.Context, q model.AgentQuery) (model.ValidationResult, error) {
	return model.ValidationResult{IsValid: s.validateErr == nil}, s.validateErr
}

func (s stubEvaluator) RecordExecution(context.Context, model.AgentQuery, int64, time.Duration, error) error {
	return s.recordErr
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		state model.State
		want  int
	}{
		{model.StateAllowed, http.StatusOK},
		{model.StateValidationFailed, http.StatusUnprocessableEntity},
		{model.StateAuthorizationFailed, http.StatusForbidden},
		{model.StatePIIDenied, http.StatusForbidden},
		{model.StateAuditFailed, http.StatusServiceUnavailable},
		{model.StateTimedOut, http.StatusGatewayTimeout},
		{model.StatePending, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			h := New(stubEvaluator{verdict: model.Verdict{CorrelationID: "c", State: tt.state}}, Options{Version: "v"}).Handler()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/governance/execute", strings.NewReader(`{"agentId":"a"}`))
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "c", rec.Header().Get(HeaderCorrelationID))
		})
	}
}

func TestAuditFailuresSurfaceAs503(t *testing.T) {
	h := New(stubEvaluator{
		validateErr: audit.ErrAuditUnavailable,
		recordErr:   audit.ErrAuditUnavailable,
	}, Options{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/governance/validate", strings.NewReader(`{"agentId":"a"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/governance/executions",
		strings.NewReader(`{"query":{"agentId":"a","correlationId":"c"}}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h = New(stubEvaluator{validateErr: context.DeadlineExceeded}, Options{}).Handler()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/governance/validate", strings.NewReader(`{"agentId":"a"}`)))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	// The trail route is only mounted with audit files.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/governance/audit/c", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New(stubEvaluator{}, Options{ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
