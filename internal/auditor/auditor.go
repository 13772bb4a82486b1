// Package auditor implements the forensic loan-risk pipeline: parsing a loan
// ledger, flagging PIK loans in risky sectors, and ranking them by exposure.
package auditor

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/pkg/metrics"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

// Ledger formats accepted by ParseLedger.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Confidence assigned to a flag when a PIK toggle was observed between two
// ledger snapshots; toggles are the strongest distress signal.
const toggleConfidence = 90.0

var dateLayouts = []string{time.RFC3339, "2006-01-02"}

// Auditor runs the loan risk pipeline. All operations are pure computations
// over their inputs; concurrent calls are fully independent.
type Auditor struct {
	cfg      config.AuditConfig
	logger   *zap.Logger
	validate *validator.Validate
}

// New creates an Auditor with the given tier breakpoints.
func New(cfg config.AuditConfig, logger *zap.Logger) *Auditor {
	return &Auditor{
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
	}
}

// AnalysisResult is the output of a full portfolio analysis.
type AnalysisResult struct {
	TotalLoans int                  `json:"total_loans"`
	Records    []models.LoanRecord  `json:"-"`
	Flagged    []models.FlaggedLoan `json:"ranked_flagged_loans"`
	Errors     []ValidationError    `json:"validation_errors"`
}

// ParseLedger reads a ledger file in CSV or JSON format. When format is
// empty it is inferred from the file extension. Malformed rows are skipped
// and reported as validation errors; every well-formed record is still
// returned. An unreadable source or unsupported format fails the whole call
// with ErrConfiguration.
func (a *Auditor) ParseLedger(path, format string) ([]models.LoanRecord, []ValidationError, error) {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrConfiguration, path, err)
	}
	defer f.Close()

	var records []models.LoanRecord
	var verrs []ValidationError
	switch format {
	case FormatCSV:
		records, verrs, err = a.parseCSV(f)
	case FormatJSON:
		records, verrs, err = a.parseJSON(f)
	default:
		return nil, nil, fmt.Errorf("%w: unsupported format %q (use csv or json)", ErrConfiguration, format)
	}
	if err != nil {
		return nil, nil, err
	}

	a.logger.Info("Parsed ledger",
		zap.String("path", path),
		zap.String("format", format),
		zap.Int("records", len(records)),
		zap.Int("skipped", len(verrs)))
	for range verrs {
		metrics.LedgerRowsSkipped.Inc()
	}
	return records, verrs, nil
}

func (a *Auditor) parseCSV(r io.Reader) ([]models.LoanRecord, []ValidationError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing CSV header: %v", ErrConfiguration, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}

	var records []models.LoanRecord
	var verrs []ValidationError
	line := 1 // header consumed
	for {
		row, err := cr.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			verrs = append(verrs, ValidationError{Row: line, Reason: err.Error()})
			continue
		}

		rec, verr := a.recordFromRow(cols, row, line)
		if verr != nil {
			verrs = append(verrs, *verr)
			continue
		}
		records = append(records, rec)
	}
	return records, verrs, nil
}

func (a *Auditor) recordFromRow(cols map[string]int, row []string, line int) (models.LoanRecord, *ValidationError) {
	field := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	rec := models.LoanRecord{
		LoanID:       field("loanId"),
		Borrower:     field("borrower"),
		Industry:     field("industry"),
		InterestType: field("interestType"),
	}
	fail := func(format string, args ...interface{}) *ValidationError {
		return &ValidationError{Row: line, LoanID: rec.LoanID, Reason: fmt.Sprintf(format, args...)}
	}

	principal, err := decimal.NewFromString(field("principalAmount"))
	if err != nil {
		return rec, fail("invalid principalAmount %q", field("principalAmount"))
	}
	balance, err := decimal.NewFromString(field("outstandingBalance"))
	if err != nil {
		return rec, fail("invalid outstandingBalance %q", field("outstandingBalance"))
	}
	maturity, err := parseDate(field("maturityDate"))
	if err != nil {
		return rec, fail("invalid maturityDate %q", field("maturityDate"))
	}

	rec.PrincipalAmount = principal
	rec.OutstandingBalance = balance
	rec.MaturityDate = maturity
	rec.Covenants = splitCovenants(field("covenants"))

	if verr := a.checkRecord(rec, line); verr != nil {
		return rec, verr
	}
	return rec, nil
}

func (a *Auditor) parseJSON(r io.Reader) ([]models.LoanRecord, []ValidationError, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read ledger: %v", ErrConfiguration, err)
	}

	// Accept both a bare array and an object with a "loans" key.
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		var wrapper struct {
			Loans []json.RawMessage `json:"loans"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Loans == nil {
			return nil, nil, fmt.Errorf("%w: ledger must be a JSON array of loans or an object with a loans key", ErrConfiguration)
		}
		entries = wrapper.Loans
	}

	var records []models.LoanRecord
	var verrs []ValidationError
	for i, entry := range entries {
		var rec models.LoanRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			verrs = append(verrs, ValidationError{Row: i, Reason: err.Error()})
			continue
		}
		if verr := a.checkRecord(rec, i); verr != nil {
			verrs = append(verrs, *verr)
			continue
		}
		records = append(records, rec)
	}
	return records, verrs, nil
}

// checkRecord validates a parsed record: required fields, closed interest
// type set, and non-negative amounts.
func (a *Auditor) checkRecord(rec models.LoanRecord, row int) *ValidationError {
	if err := a.validate.Struct(rec); err != nil {
		return &ValidationError{Row: row, LoanID: rec.LoanID, Reason: err.Error()}
	}
	if rec.PrincipalAmount.IsNegative() {
		return &ValidationError{Row: row, LoanID: rec.LoanID, Reason: "principalAmount must be non-negative"}
	}
	if rec.OutstandingBalance.IsNegative() {
		return &ValidationError{Row: row, LoanID: rec.LoanID, Reason: "outstandingBalance must be non-negative"}
	}
	return nil
}

// Flag returns the loans matching the risk predicate: interestType PIK and
// industry in riskySectors. Sector matching is exact and case-sensitive.
// When prior records are supplied, a loan that moved from a non-PIK mode to
// PIK is additionally marked as a detected toggle, the strongest signal.
func (a *Auditor) Flag(records []models.LoanRecord, riskySectors []string, correlatedEvent string, prior map[string]models.LoanRecord) []models.FlaggedLoan {
	sectors := make(map[string]struct{}, len(riskySectors))
	for _, s := range riskySectors {
		sectors[s] = struct{}{}
	}

	now := time.Now().UTC()
	var flagged []models.FlaggedLoan
	for _, rec := range records {
		if rec.InterestType != models.InterestPIK {
			continue
		}
		if _, risky := sectors[rec.Industry]; !risky {
			continue
		}

		fl := models.FlaggedLoan{
			LoanRecord:      rec,
			FlagReason:      fmt.Sprintf("PIK loan in high-risk sector (%s)", rec.Industry),
			RiskLevel:       a.Tier(rec.OutstandingBalance),
			CorrelatedEvent: correlatedEvent,
			FlaggedAt:       now,
		}
		if p, ok := prior[rec.LoanID]; ok && p.InterestType != models.InterestPIK {
			fl.ToggleDetected = true
			fl.PriorInterestType = p.InterestType
			fl.ConfidenceScore = toggleConfidence
			fl.FlagReason = fmt.Sprintf("PIK toggle detected (%s -> PIK) in high-risk sector (%s)",
				p.InterestType, rec.Industry)
		}

		metrics.LoansFlagged.WithLabelValues(string(fl.RiskLevel)).Inc()
		flagged = append(flagged, fl)
	}

	a.logger.Info("Flagged high-risk PIK loans",
		zap.Int("flagged", len(flagged)),
		zap.Int("total", len(records)))
	return flagged
}

// Tier maps an outstanding balance to its risk tier. Breakpoints come from
// configuration, are inclusive on the lower bound, and are evaluated
// highest-first, so the mapping is deterministic and monotonic.
func (a *Auditor) Tier(balance decimal.Decimal) models.RiskLevel {
	switch {
	case balance.GreaterThanOrEqual(a.cfg.CriticalBreakpoint):
		return models.RiskCritical
	case balance.GreaterThanOrEqual(a.cfg.HighBreakpoint):
		return models.RiskHigh
	case balance.GreaterThanOrEqual(a.cfg.MediumBreakpoint):
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Rank sorts flagged loans by outstanding balance, highest exposure first.
// The sort is stable: equal balances keep their first-seen order.
func (a *Auditor) Rank(flagged []models.FlaggedLoan) []models.FlaggedLoan {
	ranked := make([]models.FlaggedLoan, len(flagged))
	copy(ranked, flagged)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].OutstandingBalance.GreaterThan(ranked[j].OutstandingBalance)
	})
	return ranked
}

// Analyze runs the full pipeline: parse, flag, rank. Row-level problems are
// reported in the result; only source-level problems fail the call.
func (a *Auditor) Analyze(path string, riskySectors []string, correlatedEvent, format, priorPath string) (*AnalysisResult, error) {
	start := time.Now()
	defer func() {
		metrics.AnalyzeLatency.Observe(time.Since(start).Seconds())
	}()

	records, verrs, err := a.ParseLedger(path, format)
	if err != nil {
		return nil, err
	}

	var prior map[string]models.LoanRecord
	if priorPath != "" {
		priorRecords, priorErrs, err := a.ParseLedger(priorPath, "")
		if err != nil {
			return nil, err
		}
		if len(priorErrs) > 0 {
			a.logger.Warn("Prior ledger snapshot had malformed rows",
				zap.Int("skipped", len(priorErrs)))
		}
		prior = make(map[string]models.LoanRecord, len(priorRecords))
		for _, rec := range priorRecords {
			prior[rec.LoanID] = rec
		}
	}

	flagged := a.Flag(records, riskySectors, correlatedEvent, prior)
	return &AnalysisResult{
		TotalLoans: len(records),
		Records:    records,
		Flagged:    a.Rank(flagged),
		Errors:     verrs,
	}, nil
}

func parseDate(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func splitCovenants(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	covenants := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			covenants = append(covenants, trimmed)
		}
	}
	return covenants
}
