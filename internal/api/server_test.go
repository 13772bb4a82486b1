package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/auditor"
	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/internal/policy"
	"github.com/sovereign-sentinel/sentinel/internal/treasury"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

type stubScanner struct {
	latest  *models.RiskAssessment
	scanned [][]string
	err     error
}

func (s *stubScanner) Scan(_ context.Context, sectors []string) (*models.RiskAssessment, error) {
	s.scanned = append(s.scanned, sectors)
	if s.err != nil {
		return nil, s.err
	}
	return s.latest, nil
}

func (s *stubScanner) Latest() *models.RiskAssessment { return s.latest }

type stubAnalyzer struct {
	result     *auditor.AnalysisResult
	err        error
	gotPath    string
	gotSectors []string
	gotEvent   string
}

func (a *stubAnalyzer) Analyze(path string, riskySectors []string, correlatedEvent, _, _ string) (*auditor.AnalysisResult, error) {
	a.gotPath = path
	a.gotSectors = riskySectors
	a.gotEvent = correlatedEvent
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

type stubPolicy struct {
	policy      policy.Policy
	history     []policy.Override
	decision    models.EscalationDecision
	alert       models.Alert
	entries     []policy.ReasoningEntry
	overrideErr error
	gotField    string
	gotValue    interface{}
	gotBy       string
	gotScore    float64
}

func (p *stubPolicy) Current() policy.Policy { return p.policy }
func (p *stubPolicy) History() []policy.Override { return p.history }

func (p *stubPolicy) EvaluateRisk(riskScore float64, _ []models.FlaggedLoan) models.EscalationDecision {
	p.gotScore = riskScore
	return p.decision
}

func (p *stubPolicy) GenerateAlert(_ models.EscalationDecision) models.Alert { return p.alert }

func (p *stubPolicy) ApplyOverride(field string, newValue interface{}, appliedBy, _ string) (policy.Override, error) {
	p.gotField = field
	p.gotValue = newValue
	p.gotBy = appliedBy
	if p.overrideErr != nil {
		return policy.Override{}, p.overrideErr
	}
	return policy.Override{OverrideID: "PO1", Field: field, NewValue: newValue, AppliedBy: appliedBy}, nil
}

func (p *stubPolicy) Reasoning(limit int) ([]policy.ReasoningEntry, error) {
	if limit < len(p.entries) {
		return p.entries[:limit], nil
	}
	return p.entries, nil
}

type stubHedger struct {
	result  *treasury.HedgeResult
	err     error
	gotAuth treasury.Authorization
	gotPct  float64
	memory  []treasury.MemoryEntry
}

func (h *stubHedger) ExecuteHedge(_ context.Context, auth treasury.Authorization, pct float64) (*treasury.HedgeResult, error) {
	h.gotAuth = auth
	h.gotPct = pct
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}

func (h *stubHedger) Memory() []treasury.MemoryEntry { return h.memory }

type stubSchedule struct {
	running bool
	kicked  int
}

func (s *stubSchedule) Running() bool { return s.running }
func (s *stubSchedule) RunNow() { s.kicked++ }

type stubHub struct {
	published []bus.Event
	sessions  int
}

func (h *stubHub) ServeWS(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusBadRequest)
}

func (h *stubHub) Publish(evt bus.Event) { h.published = append(h.published, evt) }
func (h *stubHub) SessionCount() int { return h.sessions }

func (h *stubHub) kinds() []bus.EventKind {
	out := make([]bus.EventKind, 0, len(h.published))
	for _, evt := range h.published {
		out = append(out, evt.Type)
	}
	return out
}

type testDeps struct {
	scanner  *stubScanner
	analyzer *stubAnalyzer
	policy   *stubPolicy
	hedger   *stubHedger
	schedule *stubSchedule
	hub      *stubHub
}

func newTestServer(t *testing.T) (*Server, *testDeps) {
	t.Helper()

	deps := &testDeps{
		scanner:  &stubScanner{},
		analyzer: &stubAnalyzer{result: &auditor.AnalysisResult{}},
		policy:   &stubPolicy{policy: policy.DefaultPolicy()},
		hedger:   &stubHedger{result: &treasury.HedgeResult{Status: treasury.HedgeCompleted}},
		schedule: &stubSchedule{running: true},
		hub:      &stubHub{sessions: 3},
	}

	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			AllowedOrigins: []string{"*"},
		},
		Scout: config.ScoutConfig{
			ScanInterval: 15 * time.Minute,
		},
		Audit: config.AuditConfig{
			LedgerPath: "data/ledger.csv",
		},
	}

	server := NewServer(cfg, zap.NewNop(), deps.hub, deps.scanner, deps.analyzer, deps.policy, deps.hedger, deps.schedule)
	return server, deps
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRootAndHealth(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Sovereign Sentinel API", body["service"])
	assert.Equal(t, "operational", body["status"])

	rec = doJSON(t, server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["scheduler_running"])
	assert.Equal(t, "test", body["environment"])
	assert.Equal(t, float64(deps.hub.sessions), body["active_clients"])
}

func TestLatestRisk(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/risk/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	deps.scanner.latest = &models.RiskAssessment{
		GlobalRiskScore: 84.5,
		AffectedSectors: []string{"energy markets"},
		Sentiment:       models.SentimentCritical,
	}
	rec = doJSON(t, server, http.MethodGet, "/api/risk/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 84.5, body["global_risk_score"])
}

func TestImmediateScan(t *testing.T) {
	server, deps := newTestServer(t)
	deps.scanner.latest = &models.RiskAssessment{GlobalRiskScore: 42}

	rec := doJSON(t, server, http.MethodPost, "/api/scan/immediate", map[string]interface{}{
		"sectors": []string{"sovereign debt"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, deps.scanner.scanned, 1)
	assert.Equal(t, []string{"sovereign debt"}, deps.scanner.scanned[0])

	deps.scanner.err = assert.AnError
	rec = doJSON(t, server, http.MethodPost, "/api/scan/immediate", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestScanStatus(t *testing.T) {
	server, deps := newTestServer(t)
	deps.schedule.running = false

	rec := doJSON(t, server, http.MethodGet, "/api/scan/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["is_running"])
	assert.Equal(t, float64(15), body["interval_minutes"])
	assert.Equal(t, false, body["latest_assessment_available"])
}

func TestAnalyzeDefaultsFromLatestAssessment(t *testing.T) {
	server, deps := newTestServer(t)
	deps.scanner.latest = &models.RiskAssessment{
		GlobalRiskScore: 85,
		AffectedSectors: []string{"energy markets"},
		Sentiment:       models.SentimentCritical,
	}
	deps.policy.decision = models.EscalationDecision{
		Status:          models.EscalationCritical,
		HedgePercentage: 15,
		TotalExposure:   decimal.NewFromInt(12500000),
	}
	deps.policy.alert = models.Alert{AlertID: "A1", Severity: "critical"}

	rec := doJSON(t, server, http.MethodPost, "/api/audit/analyze", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "data/ledger.csv", deps.analyzer.gotPath)
	assert.Equal(t, []string{"energy markets"}, deps.analyzer.gotSectors)
	assert.Contains(t, deps.analyzer.gotEvent, "critical")
	assert.Equal(t, 85.0, deps.policy.gotScore)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "analysis")
	assert.Contains(t, body, "decision")
	assert.Contains(t, body, "alert")

	// Critical decisions fan out the loan list, the alert and the klaxon.
	assert.Equal(t, []bus.EventKind{bus.EventLoanUpdate, bus.EventAlert, bus.EventAudioAlert}, deps.hub.kinds())
}

func TestAnalyzeNonCriticalSkipsAudioAlert(t *testing.T) {
	server, deps := newTestServer(t)
	deps.policy.decision = models.EscalationDecision{Status: models.EscalationNormal}

	rec := doJSON(t, server, http.MethodPost, "/api/audit/analyze", map[string]interface{}{
		"ledger_path":   "other/ledger.json",
		"risky_sectors": []string{"technology"},
		"format":        "json",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "other/ledger.json", deps.analyzer.gotPath)
	assert.Equal(t, []string{"technology"}, deps.analyzer.gotSectors)
	assert.Equal(t, []bus.EventKind{bus.EventLoanUpdate, bus.EventAlert}, deps.hub.kinds())
}

func TestAnalyzeSurfacesPipelineErrors(t *testing.T) {
	server, deps := newTestServer(t)
	deps.analyzer.err = assert.AnError

	rec := doJSON(t, server, http.MethodPost, "/api/audit/analyze", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, deps.hub.published)

	deps.analyzer.err = fmt.Errorf("open ledger: %w", auditor.ErrConfiguration)
	rec = doJSON(t, server, http.MethodPost, "/api/audit/analyze", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPolicy(t *testing.T) {
	server, deps := newTestServer(t)
	deps.policy.history = []policy.Override{{OverrideID: "PO1", Field: policy.FieldRiskThreshold}}

	rec := doJSON(t, server, http.MethodGet, "/api/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	config, ok := body["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 70.0, config["risk_threshold"])
	history, ok := body["history"].([]interface{})
	require.True(t, ok)
	assert.Len(t, history, 1)
}

func TestOverridePolicy(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/policy/override", map[string]interface{}{
		"field":     "risk_threshold",
		"new_value": 80,
		"reason":    "raise the bar",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "risk_threshold", deps.policy.gotField)
	assert.Equal(t, 80.0, deps.policy.gotValue)
	assert.Equal(t, "operator", deps.policy.gotBy)

	rec = doJSON(t, server, http.MethodPost, "/api/policy/override", map[string]interface{}{
		"new_value": 80,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	deps.policy.overrideErr = assert.AnError
	rec = doJSON(t, server, http.MethodPost, "/api/policy/override", map[string]interface{}{
		"field":     "risk_threshold",
		"new_value": 80,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetReasoning(t *testing.T) {
	server, deps := newTestServer(t)
	deps.policy.entries = []policy.ReasoningEntry{
		{EntryID: "RB-1"}, {EntryID: "RB-2"}, {EntryID: "RB-3"},
	}

	rec := doJSON(t, server, http.MethodGet, "/api/policy/reasoning?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	entries, ok := body["entries"].([]interface{})
	require.True(t, ok)
	assert.Len(t, entries, 2)

	rec = doJSON(t, server, http.MethodGet, "/api/policy/reasoning?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteHedge(t *testing.T) {
	server, deps := newTestServer(t)
	deps.hedger.result = &treasury.HedgeResult{
		Status:  treasury.HedgeCompleted,
		TradeID: "trade_abc",
	}

	rec := doJSON(t, server, http.MethodPost, "/api/hedge/execute", map[string]interface{}{
		"alert_id":         "A123",
		"by":               "cfo",
		"hedge_percentage": 15,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "A123", deps.hedger.gotAuth.AlertID)
	assert.True(t, deps.hedger.gotAuth.Authorized)
	assert.Equal(t, "cfo", deps.hedger.gotAuth.By)
	assert.Equal(t, "api", deps.hedger.gotAuth.Method)
	assert.Equal(t, 15.0, deps.hedger.gotPct)

	// Authorization is broadcast before the trade runs.
	require.Len(t, deps.hub.published, 1)
	assert.Equal(t, bus.EventAuthorization, deps.hub.published[0].Type)

	body := decodeBody(t, rec)
	assert.Equal(t, "trade_abc", body["tradeId"])
}

func TestExecuteHedgeValidation(t *testing.T) {
	server, deps := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/hedge/execute", map[string]interface{}{
		"hedge_percentage": 15,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/hedge/execute", map[string]interface{}{
		"alert_id":         "A1",
		"hedge_percentage": -2,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, deps.hub.published)
}

func TestExecuteHedgeSurfacesVenueFailure(t *testing.T) {
	server, deps := newTestServer(t)
	deps.hedger.err = assert.AnError

	rec := doJSON(t, server, http.MethodPost, "/api/hedge/execute", map[string]interface{}{
		"alert_id":         "A1",
		"hedge_percentage": 10,
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHedgeMemory(t *testing.T) {
	server, deps := newTestServer(t)
	deps.hedger.memory = []treasury.MemoryEntry{{Step: "get_btc_price"}}

	rec := doJSON(t, server, http.MethodGet, "/api/hedge/memory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	memory, ok := body["memory"].([]interface{})
	require.True(t, ok)
	assert.Len(t, memory, 1)
}
