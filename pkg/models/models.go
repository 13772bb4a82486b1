package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Interest payment modes carried on a ledger row.
const (
	InterestPIK    = "PIK"
	InterestCash   = "Cash"
	InterestHybrid = "Hybrid"
)

// RiskLevel is the ordered severity classification derived from exposure size.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the position of the level in the total order, low first.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// LoanRecord represents a single row of the loan ledger, read-only once parsed.
type LoanRecord struct {
	LoanID             string          `json:"loanId" validate:"required"`
	Borrower           string          `json:"borrower" validate:"required"`
	Industry           string          `json:"industry" validate:"required"`
	InterestType       string          `json:"interestType" validate:"required,oneof=PIK Cash Hybrid"`
	PrincipalAmount    decimal.Decimal `json:"principalAmount"`
	OutstandingBalance decimal.Decimal `json:"outstandingBalance"`
	MaturityDate       time.Time       `json:"maturityDate" validate:"required"`
	Covenants          []string        `json:"covenants"`
}

// FlaggedLoan is a LoanRecord annotated by the forensic auditor. A re-run of the
// pipeline produces a new set; flagged loans are never mutated after creation.
type FlaggedLoan struct {
	LoanRecord
	FlagReason        string    `json:"flagReason"`
	RiskLevel         RiskLevel `json:"riskLevel"`
	CorrelatedEvent   string    `json:"correlatedEvent"`
	FlaggedAt         time.Time `json:"flaggedAt"`
	ConfidenceScore   float64   `json:"confidenceScore,omitempty" validate:"omitempty,min=0,max=100"`
	PriorInterestType string    `json:"priorInterestType,omitempty"`
	ToggleDetected    bool      `json:"toggleDetected,omitempty"`
}

// NewsArticle represents a news article returned by the search API.
type NewsArticle struct {
	Title          string    `json:"title" validate:"required"`
	URL            string    `json:"url" validate:"required,url"`
	PublishedDate  time.Time `json:"published_date"`
	Snippet        string    `json:"snippet"`
	RelevanceScore float64   `json:"relevance_score" validate:"min=0,max=1"`
}

// Sentiment categories for an assessment.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
	SentimentCritical = "critical"
)

// RiskAssessment represents a geopolitical risk assessment produced by a scan.
type RiskAssessment struct {
	Timestamp       time.Time     `json:"timestamp"`
	GlobalRiskScore float64       `json:"global_risk_score" validate:"min=0,max=100"`
	AffectedSectors []string      `json:"affected_sectors"`
	SourceArticles  []NewsArticle `json:"source_articles"`
	Sentiment       string        `json:"sentiment" validate:"oneof=positive neutral negative critical"`
}

// Escalation statuses produced by policy evaluation.
const (
	EscalationNormal   = "normal"
	EscalationElevated = "elevated"
	EscalationCritical = "critical"
)

// EscalationDecision is the outcome of evaluating a risk score against policy.
type EscalationDecision struct {
	Status            string          `json:"status"`
	RecommendedAction string          `json:"recommended_action"`
	HedgePercentage   float64         `json:"hedge_percentage"`
	AffectedLoans     []FlaggedLoan   `json:"affected_loans"`
	TotalExposure     decimal.Decimal `json:"total_exposure"`
	Reasoning         []string        `json:"reasoning"`
}

// AgentLogEntry is a line of agent activity streamed to dashboards.
type AgentLogEntry struct {
	Agent     string    `json:"agent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemStatus is a heartbeat snapshot of the service.
type SystemStatus struct {
	Status        string    `json:"status"`
	ActiveClients int       `json:"active_clients"`
	LastScan      time.Time `json:"last_scan,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Alert is a user-facing notification derived from an escalation decision.
type Alert struct {
	AlertID          string    `json:"alert_id"`
	Timestamp        time.Time `json:"timestamp"`
	Severity         string    `json:"severity"` // info, warning, critical
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	ActionRequired   bool      `json:"action_required"`
	RecommendedHedge float64   `json:"recommended_hedge"`
}
