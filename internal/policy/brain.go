package policy

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

// Publisher broadcasts events to connected dashboards.
type Publisher interface {
	Publish(bus.Event)
}

// Brain owns the active policy, turns risk scores into escalation decisions,
// and records every human correction in the reasoning bank.
type Brain struct {
	cfg    config.PolicyConfig
	bank   *ReasoningBank
	pub    Publisher
	logger *zap.Logger

	mu      sync.RWMutex
	policy  Policy
	history []Override

	now func() time.Time
}

// NewBrain loads the policy document from disk, creating the default one on
// first run. pub may be nil.
func NewBrain(cfg config.PolicyConfig, bank *ReasoningBank, pub Publisher, logger *zap.Logger) (*Brain, error) {
	b := &Brain{
		cfg:    cfg,
		bank:   bank,
		pub:    pub,
		logger: logger,
		now:    time.Now,
	}

	policy, history, err := loadDocument(cfg.PolicyFile)
	switch {
	case err == nil:
		b.policy, b.history = policy, history
		logger.Info("Loaded policy configuration",
			zap.String("file", cfg.PolicyFile),
			zap.Int("overrides", len(history)))
	case os.IsNotExist(err):
		b.policy = DefaultPolicy()
		if err := saveDocument(cfg.PolicyFile, b.policy, nil); err != nil {
			return nil, err
		}
		logger.Info("Created default policy configuration", zap.String("file", cfg.PolicyFile))
	default:
		return nil, err
	}
	return b, nil
}

// Current returns a copy of the active policy.
func (b *Brain) Current() Policy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Brain) snapshotLocked() Policy {
	policy := b.policy
	policy.HedgePercentages = make(map[string]float64, len(b.policy.HedgePercentages))
	for k, v := range b.policy.HedgePercentages {
		policy.HedgePercentages[k] = v
	}
	policy.CustomRules = append([]string(nil), b.policy.CustomRules...)
	return policy
}

// History returns the override history, oldest first.
func (b *Brain) History() []Override {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Override(nil), b.history...)
}

// EvaluateRisk turns a global risk score and the flagged portfolio into an
// escalation decision. Critical requires both the threshold breach and at
// least one flagged loan; either alone is elevated.
func (b *Brain) EvaluateRisk(riskScore float64, flagged []models.FlaggedLoan) models.EscalationDecision {
	b.mu.RLock()
	threshold := b.policy.RiskThreshold
	hedges := b.snapshotLocked().HedgePercentages
	b.mu.RUnlock()

	exceeded := riskScore > threshold
	comparator := "<="
	if exceeded {
		comparator = ">"
	}

	totalExposure := decimal.Zero
	for _, loan := range flagged {
		totalExposure = totalExposure.Add(loan.OutstandingBalance)
	}

	reasoning := []string{
		fmt.Sprintf("Global risk score: %.1f %s threshold %.1f", riskScore, comparator, threshold),
		fmt.Sprintf("Flagged loans: %d", len(flagged)),
		fmt.Sprintf("Total exposure: $%s", totalExposure.StringFixed(2)),
	}

	decision := models.EscalationDecision{
		AffectedLoans: flagged,
		TotalExposure: totalExposure,
	}
	switch {
	case exceeded && len(flagged) > 0:
		decision.Status = models.EscalationCritical
		decision.HedgePercentage = b.hedgeFor(flagged, hedges)
		decision.RecommendedAction = fmt.Sprintf("Execute %.0f%% BTC hedge immediately", decision.HedgePercentage)
		reasoning = append(reasoning, "CRITICAL: Risk threshold exceeded AND loans flagged")
	case exceeded || len(flagged) > 0:
		decision.Status = models.EscalationElevated
		decision.HedgePercentage = elevatedHedge
		decision.RecommendedAction = "Monitor closely, prepare for potential hedge"
		reasoning = append(reasoning, "ELEVATED: One condition met, monitoring required")
	default:
		decision.Status = models.EscalationNormal
		decision.RecommendedAction = "Continue normal operations"
		reasoning = append(reasoning, "NORMAL: No immediate action required")
	}
	decision.Reasoning = reasoning

	b.logger.Info("Evaluated risk",
		zap.Float64("risk_score", riskScore),
		zap.String("status", decision.Status),
		zap.Float64("hedge_percentage", decision.HedgePercentage))
	return decision
}

// hedgeFor picks the strongest configured hedge across the affected sectors.
func (b *Brain) hedgeFor(flagged []models.FlaggedLoan, hedges map[string]float64) float64 {
	best := 0.0
	for _, loan := range flagged {
		pct, ok := hedges[loan.Industry]
		if !ok {
			pct = defaultSectorHedge
		}
		if pct > best {
			best = pct
		}
	}
	return best
}

// GenerateAlert renders an escalation decision as a user-facing alert.
func (b *Brain) GenerateAlert(decision models.EscalationDecision) models.Alert {
	now := b.now().UTC()
	alert := models.Alert{
		AlertID:          "A" + now.Format("20060102150405"),
		Timestamp:        now,
		RecommendedHedge: decision.HedgePercentage,
	}

	switch decision.Status {
	case models.EscalationCritical:
		alert.Severity = "critical"
		alert.Title = "Shadow Default Risk Detected"
		alert.Message = fmt.Sprintf("High correlation detected. %d loans flagged. %s",
			len(decision.AffectedLoans), decision.RecommendedAction)
		alert.ActionRequired = true
	case models.EscalationElevated:
		alert.Severity = "warning"
		alert.Title = "Elevated Risk Level"
		alert.Message = "Risk conditions detected. " + decision.RecommendedAction
	default:
		alert.Severity = "info"
		alert.Title = "Normal Operations"
		alert.Message = "No immediate risks detected"
	}
	return alert
}

// ApplyOverride changes one policy field immediately, appends the change to
// the document history, distills it into the reasoning bank, and broadcasts
// the new policy.
func (b *Brain) ApplyOverride(field string, newValue interface{}, appliedBy, reason string) (Override, error) {
	b.mu.Lock()
	oldValue, err := b.setFieldLocked(field, newValue)
	if err != nil {
		b.mu.Unlock()
		return Override{}, err
	}

	override := Override{
		OverrideID: "PO" + b.now().UTC().Format("20060102150405"),
		Timestamp:  b.now().UTC(),
		Field:      field,
		OldValue:   oldValue,
		NewValue:   newValue,
		AppliedBy:  appliedBy,
		Reason:     reason,
	}
	b.history = append(b.history, override)
	saveErr := saveDocument(b.cfg.PolicyFile, b.policy, b.history)
	b.mu.Unlock()

	if saveErr != nil {
		return Override{}, saveErr
	}

	if err := b.distill(override); err != nil {
		b.logger.Warn("Failed to record override in reasoning bank", zap.Error(err))
	}
	b.publishPolicy()

	b.logger.Info("Applied policy override",
		zap.String("override_id", override.OverrideID),
		zap.String("field", field),
		zap.String("applied_by", appliedBy))
	return override, nil
}

// setFieldLocked mutates one field and returns its previous value. Unknown
// fields and mistyped values are rejected before anything changes.
func (b *Brain) setFieldLocked(field string, value interface{}) (interface{}, error) {
	switch field {
	case FieldRiskThreshold:
		v, ok := floatValue(value)
		if !ok || v < 0 || v > 100 {
			return nil, fmt.Errorf("%s must be a number in [0,100]", field)
		}
		old := b.policy.RiskThreshold
		b.policy.RiskThreshold = v
		return old, nil
	case FieldPIKExposureLimit:
		v, ok := floatValue(value)
		if !ok || v < 0 {
			return nil, fmt.Errorf("%s must be a non-negative number", field)
		}
		old := b.policy.PIKExposureLimit
		b.policy.PIKExposureLimit = v
		return old, nil
	case FieldAutoExecute:
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%s must be a boolean", field)
		}
		old := b.policy.AutoExecuteEnabled
		b.policy.AutoExecuteEnabled = v
		return old, nil
	case FieldHedgePercentages:
		v, err := hedgeMap(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		old := b.policy.HedgePercentages
		b.policy.HedgePercentages = v
		return old, nil
	case FieldCustomRules:
		v, err := stringSlice(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		old := b.policy.CustomRules
		b.policy.CustomRules = v
		return old, nil
	default:
		return nil, fmt.Errorf("unknown policy field %q", field)
	}
}

// distill records the override as a learned lesson. Confidence grows with
// the number of corroborating overrides of the same type.
func (b *Brain) distill(override Override) error {
	if b.bank == nil {
		return nil
	}

	prior, err := b.bank.ByType(override.Field)
	if err != nil {
		return err
	}

	entry := &ReasoningEntry{
		EntryID:      "RB-" + uuid.NewString(),
		Timestamp:    override.Timestamp,
		OverrideType: override.Field,
		Rationale:    override.Reason,
		ExtractedRule: fmt.Sprintf("Manual override: %s changed from %v to %v",
			override.Field, override.OldValue, override.NewValue),
		Confidence: math.Min(50+float64(len(prior))*15, 95),
	}
	if v, ok := floatValue(override.OldValue); ok {
		entry.OldValue = v
	}
	if v, ok := floatValue(override.NewValue); ok {
		entry.NewValue = v
	}
	return b.bank.Append(entry)
}

// ProposeUpdate builds a policy diff for human review, backed by whatever
// evidence the reasoning bank holds. It never mutates the policy.
func (b *Brain) ProposeUpdate(field string, newValue interface{}, reason string) (Diff, error) {
	policy := b.Current()
	oldValue, err := fieldValue(policy, field)
	if err != nil {
		return Diff{}, err
	}

	var evidence []string
	if b.bank != nil {
		patterns, err := b.bank.DetectPatterns(2)
		if err != nil {
			return Diff{}, err
		}
		for _, p := range patterns {
			if p.OverrideType == field {
				evidence = append(evidence,
					fmt.Sprintf("%d overrides detected (avg change: %.2f)", p.Occurrences, p.AverageChange))
			}
		}
		related, err := b.bank.ByType(field)
		if err != nil {
			return Diff{}, err
		}
		if len(related) > 0 {
			last := related[len(related)-1]
			evidence = append(evidence,
				"Most recent override: "+last.Timestamp.Format("2006-01-02 15:04"))
		}
	}

	diff := Diff{
		DiffID:    "PD" + b.now().UTC().Format("20060102150405"),
		Timestamp: b.now().UTC(),
		Field:     field,
		OldValue:  oldValue,
		NewValue:  newValue,
		Explanation: fmt.Sprintf("Proposing to change %s from %v to %v. %s",
			field, oldValue, newValue, reason),
		ConfidenceScore:    math.Min(50+float64(len(evidence))*15, 95),
		SupportingEvidence: evidence,
		Status:             DiffProposed,
	}
	b.logger.Info("Proposed policy update",
		zap.String("diff_id", diff.DiffID),
		zap.String("field", field),
		zap.Float64("confidence", diff.ConfidenceScore))
	return diff, nil
}

// ApplyDiff resolves a proposed diff. The verdict is always recorded in the
// reasoning bank; the policy changes only on approval.
func (b *Brain) ApplyDiff(diff Diff, approvedBy string, approved bool) (bool, error) {
	status := DiffRejected
	if approved {
		status = DiffApproved
	}

	if b.bank != nil {
		entry := &ReasoningEntry{
			EntryID:       "RB-" + uuid.NewString(),
			Timestamp:     b.now().UTC(),
			OverrideType:  diff.Field,
			Rationale:     fmt.Sprintf("Policy diff %s by %s", status, approvedBy),
			ExtractedRule: diff.Explanation,
			Confidence:    diff.ConfidenceScore,
		}
		if v, ok := floatValue(diff.OldValue); ok {
			entry.OldValue = v
		}
		if v, ok := floatValue(diff.NewValue); ok {
			entry.NewValue = v
		}
		if err := b.bank.Append(entry); err != nil {
			b.logger.Warn("Failed to record diff verdict", zap.Error(err))
		}
	}

	if !approved {
		b.logger.Info("Policy diff rejected",
			zap.String("diff_id", diff.DiffID),
			zap.String("by", approvedBy))
		return false, nil
	}

	if _, err := b.ApplyOverride(diff.Field, diff.NewValue, approvedBy, diff.Explanation); err != nil {
		return false, err
	}
	return true, nil
}

// Reasoning returns the newest lessons from the reasoning bank.
func (b *Brain) Reasoning(limit int) ([]ReasoningEntry, error) {
	if b.bank == nil {
		return nil, nil
	}
	return b.bank.Recent(limit)
}

// Reload re-reads the policy document from disk, picking up external edits.
func (b *Brain) Reload() error {
	policy, history, err := loadDocument(b.cfg.PolicyFile)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.policy = policy
	b.history = history
	b.mu.Unlock()

	b.logger.Info("Reloaded policy configuration", zap.String("file", b.cfg.PolicyFile))
	b.publishPolicy()
	return nil
}

// Watch reloads the policy whenever the document changes on disk. It blocks
// until ctx is cancelled.
func (b *Brain) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(b.cfg.PolicyFile)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}
	target := filepath.Base(b.cfg.PolicyFile)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := b.Reload(); err != nil {
				b.logger.Error("Failed to reload policy after change", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Error("Policy watcher error", zap.Error(err))
		}
	}
}

func (b *Brain) publishPolicy() {
	if b.pub == nil {
		return
	}
	evt, err := bus.NewEvent(bus.EventPolicyUpdate, b.Current())
	if err != nil {
		b.logger.Error("Failed to build policy update event", zap.Error(err))
		return
	}
	b.pub.Publish(evt)
}

func fieldValue(policy Policy, field string) (interface{}, error) {
	switch field {
	case FieldRiskThreshold:
		return policy.RiskThreshold, nil
	case FieldPIKExposureLimit:
		return policy.PIKExposureLimit, nil
	case FieldAutoExecute:
		return policy.AutoExecuteEnabled, nil
	case FieldHedgePercentages:
		return policy.HedgePercentages, nil
	case FieldCustomRules:
		return policy.CustomRules, nil
	default:
		return nil, fmt.Errorf("unknown policy field %q", field)
	}
}

// floatValue accepts the numeric types a JSON decode or Go caller may hand
// us.
func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func hedgeMap(v interface{}) (map[string]float64, error) {
	switch m := v.(type) {
	case map[string]float64:
		out := make(map[string]float64, len(m))
		for k, pct := range m {
			out[k] = pct
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]float64, len(m))
		for k, raw := range m {
			pct, ok := floatValue(raw)
			if !ok {
				return nil, fmt.Errorf("sector %q has non-numeric percentage", k)
			}
			out[k] = pct
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a sector-to-percentage map")
	}
}

func stringSlice(v interface{}) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...), nil
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, raw := range s {
			str, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of strings")
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings")
	}
}
