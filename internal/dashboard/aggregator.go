// Package dashboard maintains a live view of the war room state by consuming
// the event stream, the same way a browser dashboard would.
package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

// Retention limits for the rolling feeds.
const (
	maxAlerts     = 50
	maxLogEntries = 100
	maxHedges     = 20
)

// Source is the event stream the aggregator consumes. *bus.Client satisfies
// it.
type Source interface {
	Connect()
	Disconnect()
	State() bus.ClientState
	Subscribe(kind bus.EventKind, handler bus.Handler) func()
}

// ViewModel is a point-in-time snapshot of everything a dashboard renders.
type ViewModel struct {
	Connection   string                 `json:"connection"`
	Assessment   *models.RiskAssessment `json:"assessment,omitempty"`
	FlaggedLoans []models.FlaggedLoan   `json:"flagged_loans"`
	Alerts       []models.Alert         `json:"alerts"`
	AgentLog     []models.AgentLogEntry `json:"agent_log"`
	Policy       json.RawMessage        `json:"policy,omitempty"`
	Hedges       []json.RawMessage      `json:"hedges"`
	Status       *models.SystemStatus   `json:"status,omitempty"`
	LastUpdated  time.Time              `json:"last_updated"`
}

// Aggregator folds the event stream into a ViewModel.
type Aggregator struct {
	source Source
	logger *zap.Logger

	mu        sync.RWMutex
	vm        ViewModel
	disposers []func()
}

// New creates an Aggregator over the given stream.
func New(source Source, logger *zap.Logger) *Aggregator {
	return &Aggregator{source: source, logger: logger}
}

// Run subscribes to every event kind the view renders and starts the
// connection. It returns immediately; the source reconnects on its own.
func (a *Aggregator) Run() {
	a.mu.Lock()
	a.disposers = []func(){
		a.source.Subscribe(bus.EventRiskUpdate, a.onRiskUpdate),
		a.source.Subscribe(bus.EventLoanUpdate, a.onLoanUpdate),
		a.source.Subscribe(bus.EventAlert, a.onAlert),
		a.source.Subscribe(bus.EventAgentLog, a.onAgentLog),
		a.source.Subscribe(bus.EventPolicyUpdate, a.onPolicyUpdate),
		a.source.Subscribe(bus.EventHedgeExecuted, a.onHedgeExecuted),
		a.source.Subscribe(bus.EventSystemStatus, a.onSystemStatus),
	}
	a.mu.Unlock()

	a.source.Connect()
	a.logger.Info("Dashboard aggregator started")
}

// Stop unsubscribes and disconnects.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	disposers := a.disposers
	a.disposers = nil
	a.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	a.source.Disconnect()
	a.logger.Info("Dashboard aggregator stopped")
}

// Snapshot returns a copy of the current view. The connection field reflects
// the source state at call time.
func (a *Aggregator) Snapshot() ViewModel {
	a.mu.RLock()
	defer a.mu.RUnlock()

	vm := a.vm
	vm.Connection = a.source.State().String()
	vm.FlaggedLoans = append([]models.FlaggedLoan(nil), a.vm.FlaggedLoans...)
	vm.Alerts = append([]models.Alert(nil), a.vm.Alerts...)
	vm.AgentLog = append([]models.AgentLogEntry(nil), a.vm.AgentLog...)
	vm.Hedges = append([]json.RawMessage(nil), a.vm.Hedges...)
	return vm
}

func (a *Aggregator) onRiskUpdate(evt bus.Event) {
	var assessment models.RiskAssessment
	if !a.decode(evt, &assessment) {
		return
	}
	a.update(func(vm *ViewModel) {
		vm.Assessment = &assessment
	})
}

func (a *Aggregator) onLoanUpdate(evt bus.Event) {
	var flagged []models.FlaggedLoan
	if !a.decode(evt, &flagged) {
		return
	}
	a.update(func(vm *ViewModel) {
		vm.FlaggedLoans = flagged
	})
}

func (a *Aggregator) onAlert(evt bus.Event) {
	var alert models.Alert
	if !a.decode(evt, &alert) {
		return
	}
	a.update(func(vm *ViewModel) {
		vm.Alerts = append(vm.Alerts, alert)
		if len(vm.Alerts) > maxAlerts {
			vm.Alerts = vm.Alerts[len(vm.Alerts)-maxAlerts:]
		}
	})
}

func (a *Aggregator) onAgentLog(evt bus.Event) {
	var entry models.AgentLogEntry
	if !a.decode(evt, &entry) {
		return
	}
	a.update(func(vm *ViewModel) {
		vm.AgentLog = append(vm.AgentLog, entry)
		if len(vm.AgentLog) > maxLogEntries {
			vm.AgentLog = vm.AgentLog[len(vm.AgentLog)-maxLogEntries:]
		}
	})
}

func (a *Aggregator) onPolicyUpdate(evt bus.Event) {
	a.update(func(vm *ViewModel) {
		vm.Policy = append(json.RawMessage(nil), evt.Data...)
	})
}

func (a *Aggregator) onHedgeExecuted(evt bus.Event) {
	data := append(json.RawMessage(nil), evt.Data...)
	a.update(func(vm *ViewModel) {
		vm.Hedges = append(vm.Hedges, data)
		if len(vm.Hedges) > maxHedges {
			vm.Hedges = vm.Hedges[len(vm.Hedges)-maxHedges:]
		}
	})
}

func (a *Aggregator) onSystemStatus(evt bus.Event) {
	var status models.SystemStatus
	if !a.decode(evt, &status) {
		return
	}
	a.update(func(vm *ViewModel) {
		vm.Status = &status
	})
}

func (a *Aggregator) decode(evt bus.Event, into interface{}) bool {
	if err := json.Unmarshal(evt.Data, into); err != nil {
		a.logger.Warn("Dropping malformed event payload",
			zap.String("kind", string(evt.Type)),
			zap.Error(err))
		return false
	}
	return true
}

func (a *Aggregator) update(apply func(*ViewModel)) {
	a.mu.Lock()
	apply(&a.vm)
	a.vm.LastUpdated = time.Now().UTC()
	a.mu.Unlock()
}
