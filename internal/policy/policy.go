// Package policy evaluates global risk against configured thresholds and
// evolves that configuration from human overrides.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Fields of the policy document that overrides may target.
const (
	FieldRiskThreshold    = "risk_threshold"
	FieldPIKExposureLimit = "pik_exposure_limit"
	FieldAutoExecute      = "auto_execute_enabled"
	FieldHedgePercentages = "hedge_percentages"
	FieldCustomRules      = "custom_rules"
)

// Hedge percentage applied to sectors without an explicit entry, and the
// fixed percentage recommended while risk is elevated but not critical.
const (
	defaultSectorHedge = 10.0
	elevatedHedge      = 5.0
)

// Policy is the active policy document. It is persisted alongside its
// override history and survives restarts.
type Policy struct {
	RiskThreshold      float64            `json:"risk_threshold"`
	PIKExposureLimit   float64            `json:"pik_exposure_limit"`
	AutoExecuteEnabled bool               `json:"auto_execute_enabled"`
	HedgePercentages   map[string]float64 `json:"hedge_percentages"`
	CustomRules        []string           `json:"custom_rules"`
}

// DefaultPolicy returns the baseline policy used when no document exists yet.
func DefaultPolicy() Policy {
	return Policy{
		RiskThreshold:    70.0,
		PIKExposureLimit: 5_000_000,
		HedgePercentages: map[string]float64{
			"energy":    15.0,
			"currency":  20.0,
			"sovereign": 25.0,
		},
	}
}

// Override is a manual change to one policy field, applied immediately and
// kept in the document's history.
type Override struct {
	OverrideID string      `json:"override_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Field      string      `json:"field"`
	OldValue   interface{} `json:"old_value"`
	NewValue   interface{} `json:"new_value"`
	AppliedBy  string      `json:"applied_by"`
	Reason     string      `json:"reason,omitempty"`
}

// Diff statuses for proposed policy updates.
const (
	DiffProposed = "proposed"
	DiffApproved = "approved"
	DiffRejected = "rejected"
)

// Diff is a proposed policy change awaiting human review. Proposals are
// never applied automatically.
type Diff struct {
	DiffID             string      `json:"diff_id"`
	Timestamp          time.Time   `json:"timestamp"`
	Field              string      `json:"field"`
	OldValue           interface{} `json:"old_value"`
	NewValue           interface{} `json:"new_value"`
	Explanation        string      `json:"explanation"`
	ConfidenceScore    float64     `json:"confidence_score"`
	SupportingEvidence []string    `json:"supporting_evidence"`
	Status             string      `json:"status"`
}

// document is the on-disk shape of the policy file.
type document struct {
	Version     string     `json:"version"`
	LastUpdated time.Time  `json:"last_updated"`
	Config      Policy     `json:"config"`
	History     []Override `json:"history"`
}

func loadDocument(path string) (Policy, []Override, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Policy{}, nil, fmt.Errorf("parse policy file: %w", err)
	}

	policy := doc.Config
	if policy.HedgePercentages == nil {
		policy.HedgePercentages = DefaultPolicy().HedgePercentages
	}
	return policy, doc.History, nil
}

func saveDocument(path string, policy Policy, history []Override) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	doc := document{
		Version:     "1.0",
		LastUpdated: time.Now().UTC(),
		Config:      policy,
		History:     history,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
