package dashboard

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

type fakeSource struct {
	state        bus.ClientState
	handlers     map[bus.EventKind][]bus.Handler
	connected    bool
	disconnected bool
	disposed     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		state:    bus.StateConnected,
		handlers: make(map[bus.EventKind][]bus.Handler),
	}
}

func (f *fakeSource) Connect()               { f.connected = true }
func (f *fakeSource) Disconnect()            { f.disconnected = true }
func (f *fakeSource) State() bus.ClientState { return f.state }

func (f *fakeSource) Subscribe(kind bus.EventKind, handler bus.Handler) func() {
	f.handlers[kind] = append(f.handlers[kind], handler)
	return func() { f.disposed++ }
}

func (f *fakeSource) emit(t *testing.T, kind bus.EventKind, payload interface{}) {
	t.Helper()
	evt, err := bus.NewEvent(kind, payload)
	require.NoError(t, err)
	for _, h := range f.handlers[kind] {
		h(evt)
	}
}

func testAggregator(t *testing.T) (*Aggregator, *fakeSource) {
	t.Helper()
	source := newFakeSource()
	agg := New(source, zap.NewNop())
	agg.Run()
	return agg, source
}

func TestRunSubscribesAndConnects(t *testing.T) {
	_, source := testAggregator(t)

	assert.True(t, source.connected)
	for _, kind := range []bus.EventKind{
		bus.EventRiskUpdate, bus.EventLoanUpdate, bus.EventAlert,
		bus.EventAgentLog, bus.EventPolicyUpdate, bus.EventHedgeExecuted,
		bus.EventSystemStatus,
	} {
		assert.Len(t, source.handlers[kind], 1, "missing handler for %s", kind)
	}
}

func TestSnapshotReflectsEvents(t *testing.T) {
	agg, source := testAggregator(t)

	source.emit(t, bus.EventRiskUpdate, models.RiskAssessment{
		GlobalRiskScore: 85.2,
		Sentiment:       models.SentimentCritical,
		AffectedSectors: []string{"Middle East energy"},
	})
	source.emit(t, bus.EventLoanUpdate, []models.FlaggedLoan{
		{LoanRecord: models.LoanRecord{LoanID: "L001"}},
	})
	source.emit(t, bus.EventAlert, models.Alert{AlertID: "A1", Severity: "critical"})
	source.emit(t, bus.EventAgentLog, models.AgentLogEntry{Agent: "scout", Message: "scan complete"})
	source.emit(t, bus.EventSystemStatus, models.SystemStatus{Status: "operational", ActiveClients: 3})

	vm := agg.Snapshot()
	require.NotNil(t, vm.Assessment)
	assert.Equal(t, 85.2, vm.Assessment.GlobalRiskScore)
	require.Len(t, vm.FlaggedLoans, 1)
	assert.Equal(t, "L001", vm.FlaggedLoans[0].LoanID)
	require.Len(t, vm.Alerts, 1)
	assert.Equal(t, "A1", vm.Alerts[0].AlertID)
	require.Len(t, vm.AgentLog, 1)
	assert.Equal(t, "scout", vm.AgentLog[0].Agent)
	require.NotNil(t, vm.Status)
	assert.Equal(t, 3, vm.Status.ActiveClients)
	assert.Equal(t, "connected", vm.Connection)
	assert.WithinDuration(t, time.Now(), vm.LastUpdated, time.Minute)
}

func TestConnectionTracksSourceState(t *testing.T) {
	agg, source := testAggregator(t)

	source.state = bus.StateBackoff
	assert.Equal(t, "backoff", agg.Snapshot().Connection)

	source.state = bus.StateFailed
	assert.Equal(t, "failed", agg.Snapshot().Connection)
}

func TestAlertFeedIsBounded(t *testing.T) {
	agg, source := testAggregator(t)

	for i := 0; i < maxAlerts+10; i++ {
		source.emit(t, bus.EventAlert, models.Alert{AlertID: fmt.Sprintf("A%d", i)})
	}

	vm := agg.Snapshot()
	require.Len(t, vm.Alerts, maxAlerts)
	// Oldest entries were evicted.
	assert.Equal(t, "A10", vm.Alerts[0].AlertID)
	assert.Equal(t, fmt.Sprintf("A%d", maxAlerts+9), vm.Alerts[maxAlerts-1].AlertID)
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	agg, source := testAggregator(t)

	evt := bus.Event{Type: bus.EventRiskUpdate, Data: json.RawMessage(`"not an object"`)}
	for _, h := range source.handlers[bus.EventRiskUpdate] {
		h(evt)
	}

	assert.Nil(t, agg.Snapshot().Assessment)
}

func TestPolicyAndHedgePayloadsKeptVerbatim(t *testing.T) {
	agg, source := testAggregator(t)

	source.emit(t, bus.EventPolicyUpdate, map[string]interface{}{"risk_threshold": 70.0})
	source.emit(t, bus.EventHedgeExecuted, map[string]interface{}{"status": "completed"})

	vm := agg.Snapshot()
	assert.JSONEq(t, `{"risk_threshold":70}`, string(vm.Policy))
	require.Len(t, vm.Hedges, 1)
	assert.JSONEq(t, `{"status":"completed"}`, string(vm.Hedges[0]))
}

func TestStopDisposesAndDisconnects(t *testing.T) {
	agg, source := testAggregator(t)

	agg.Stop()
	assert.Equal(t, 7, source.disposed)
	assert.True(t, source.disconnected)
}
