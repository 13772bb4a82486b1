package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the payload shape of an event. The enumeration is
// closed: producers may only publish the kinds listed here.
type EventKind string

const (
	EventRiskUpdate    EventKind = "risk_update"
	EventAgentLog      EventKind = "agent_log"
	EventAlert         EventKind = "alert"
	EventLoanUpdate    EventKind = "loan_update"
	EventPolicyUpdate  EventKind = "policy_update"
	EventSystemStatus  EventKind = "system_status"
	EventAudioAlert    EventKind = "audio_alert"
	EventAuthorization EventKind = "authorization"
	EventHedgeExecuted EventKind = "hedge_executed"
)

// Valid reports whether k is one of the closed set of event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventRiskUpdate, EventAgentLog, EventAlert, EventLoanUpdate,
		EventPolicyUpdate, EventSystemStatus, EventAudioAlert,
		EventAuthorization, EventHedgeExecuted:
		return true
	}
	return false
}

// Event is a single broadcast message. Events are immutable once constructed;
// the hub never modifies them after handoff.
type Event struct {
	Type      EventKind       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an Event with the current UTC timestamp. The payload is
// serialized once here so concurrent deliveries share the same bytes.
func NewEvent(kind EventKind, payload interface{}) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Type: kind, Data: data, Timestamp: time.Now().UTC()}, nil
}
