package auditor

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks source-level failures: an unreadable ledger file or
// an unsupported format. These fail the whole call and are never retried.
var ErrConfiguration = errors.New("ledger configuration error")

// ValidationError records one malformed ledger row. Row-level problems are
// skipped and reported, never fatal to the overall parse.
type ValidationError struct {
	Row    int    `json:"row"` // CSV: 1-based file line; JSON: 0-based array index
	LoanID string `json:"loanId,omitempty"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	if e.LoanID != "" {
		return fmt.Sprintf("row %d (loan %s): %s", e.Row, e.LoanID, e.Reason)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}
