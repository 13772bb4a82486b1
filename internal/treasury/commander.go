// Package treasury executes Bitcoin hedges with pre-flight checks,
// post-trade verification, and bounded retries.
package treasury

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/pkg/metrics"
)

// Publisher broadcasts events to connected dashboards.
type Publisher interface {
	Publish(bus.Event)
}

// Hedge result statuses.
const (
	HedgeCompleted = "completed"
	HedgeFailed    = "failed"
)

// Authorization is the human go-ahead a hedge requires, typically produced
// by acknowledging a critical alert.
type Authorization struct {
	AlertID    string `json:"alertId"`
	Authorized bool   `json:"authorized"`
	Method     string `json:"method,omitempty"`
	By         string `json:"by,omitempty"`
}

// MemoryEntry is one step of the commander's decision trace.
type MemoryEntry struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// HedgeResult is the outcome of a hedge attempt, including the full decision
// trace for transparency.
type HedgeResult struct {
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	TradeID         string          `json:"tradeId,omitempty"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Asset           string          `json:"asset"`
	Amount          decimal.Decimal `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	TotalCost       decimal.Decimal `json:"totalCost"`
	HedgePercentage float64         `json:"hedge_percentage"`
	RetryAttempted  bool            `json:"retry_attempted,omitempty"`
	Report          string          `json:"human_readable_report,omitempty"`
	Reasoning       []MemoryEntry   `json:"agent_reasoning"`
}

// Commander executes hedges against a trading venue and keeps a decision
// trace of every step it takes.
type Commander struct {
	cfg    config.TreasuryConfig
	venue  Venue
	pub    Publisher
	logger *zap.Logger

	mu     sync.Mutex
	memory []MemoryEntry

	after func(time.Duration) <-chan time.Time
}

// NewCommander creates a Commander. pub may be nil.
func NewCommander(cfg config.TreasuryConfig, venue Venue, pub Publisher, logger *zap.Logger) *Commander {
	return &Commander{
		cfg:    cfg,
		venue:  venue,
		pub:    pub,
		logger: logger,
		after:  time.After,
	}
}

// CalculateHedgeAmount converts a hedge percentage of the portfolio into a
// BTC quantity at the given price.
func (c *Commander) CalculateHedgeAmount(portfolioValue decimal.Decimal, hedgePercentage float64, btcPrice decimal.Decimal) decimal.Decimal {
	hedgeValue := portfolioValue.Mul(decimal.NewFromFloat(hedgePercentage)).Div(decimal.NewFromInt(100))
	amount := hedgeValue.Div(btcPrice)

	c.remember("calculate_hedge", fmt.Sprintf(
		"Hedging %.2f%% of $%s portfolio at $%s/BTC = %s BTC",
		hedgePercentage, portfolioValue.StringFixed(2), btcPrice.StringFixed(2), amount.StringFixed(8)))
	c.logger.Info("Calculated hedge",
		zap.String("btc_amount", amount.StringFixed(8)),
		zap.String("hedge_value", hedgeValue.StringFixed(2)))
	return amount
}

// ExecuteHedge runs the full hedge sequence: price discovery, sizing,
// pre-flight checks, order placement, verification, and bounded retries when
// verification fails. An unauthorized request fails fast without touching
// the venue.
func (c *Commander) ExecuteHedge(ctx context.Context, auth Authorization, hedgePercentage float64) (*HedgeResult, error) {
	c.logger.Info("Starting hedge execution",
		zap.String("alert_id", auth.AlertID),
		zap.Float64("hedge_percentage", hedgePercentage))

	price, err := c.venue.BTCPrice(ctx)
	if err != nil {
		return c.fail("price_unavailable", err)
	}
	c.remember("get_btc_price", "Retrieved BTC price $"+price.StringFixed(2))

	amount := c.CalculateHedgeAmount(c.cfg.PortfolioValue, hedgePercentage, price)

	if reason, ok := c.preflight(auth, amount, price); !ok {
		result := &HedgeResult{
			Status:    HedgeFailed,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
			Reasoning: c.Memory(),
		}
		c.finish(result)
		return result, nil
	}

	execution, verified, retried, err := c.placeAndVerify(ctx, amount, price)
	if err != nil {
		return c.fail("venue_error", err)
	}
	if !verified {
		result := &HedgeResult{
			Status:         HedgeFailed,
			Reason:         "verification_failed",
			Timestamp:      time.Now().UTC(),
			RetryAttempted: retried,
			Reasoning:      c.Memory(),
		}
		c.finish(result)
		return result, nil
	}

	result := c.finalize(execution, amount, price, retried)
	c.finish(result)
	return result, nil
}

// preflight checks authorization, sizing, and affordability before any
// order reaches the venue.
func (c *Commander) preflight(auth Authorization, amount, price decimal.Decimal) (string, bool) {
	estimatedCost := amount.Mul(price)

	switch {
	case !auth.Authorized:
		c.remember("preflight_check", "Rejected: hedge is not authorized")
		return "not_authorized", false
	case amount.LessThanOrEqual(decimal.Zero):
		c.remember("preflight_check", "Rejected: computed hedge amount is not positive")
		return "invalid_amount", false
	case estimatedCost.GreaterThan(c.cfg.PortfolioValue):
		c.remember("preflight_check", "Rejected: estimated cost exceeds portfolio value")
		return "insufficient_funds", false
	}

	c.remember("preflight_check", fmt.Sprintf(
		"Verified authorization and funds; estimated cost $%s", estimatedCost.StringFixed(2)))
	return "", true
}

// placeAndVerify places the order and confirms the fill, retrying with a
// doubling delay when verification comes back unfilled.
func (c *Commander) placeAndVerify(ctx context.Context, amount, price decimal.Decimal) (Execution, bool, bool, error) {
	var lastExec Execution
	retried := false

	for attempt := 0; ; attempt++ {
		execution, err := c.venue.PlaceOrder(ctx, "BTC", amount, price)
		if err != nil {
			return Execution{}, false, retried, err
		}
		c.remember("execute_trade", fmt.Sprintf(
			"Placed market buy for %s BTC at $%s (order %s)",
			amount.StringFixed(8), price.StringFixed(2), execution.ExchangeOrderID))

		status, err := c.venue.OrderStatus(ctx, execution.ExchangeOrderID)
		if err != nil {
			return Execution{}, false, retried, err
		}
		if status.Status == OrderFilled {
			c.remember("verify_execution", "Confirmed order "+execution.ExchangeOrderID+" was filled")
			return status, true, retried, nil
		}
		lastExec = status

		if attempt >= c.cfg.MaxRetries {
			c.remember("adaptive_retry", fmt.Sprintf(
				"Giving up after %d attempts; last order status %q", attempt+1, status.Status))
			return lastExec, false, retried, nil
		}

		retried = true
		delay := c.cfg.RetryBase << attempt
		c.remember("adaptive_retry", fmt.Sprintf(
			"Order %s reported %q; retrying in %s", execution.ExchangeOrderID, status.Status, delay))
		select {
		case <-ctx.Done():
			return lastExec, false, retried, ctx.Err()
		case <-c.after(delay):
		}
	}
}

func (c *Commander) finalize(execution Execution, amount, price decimal.Decimal, retried bool) *HedgeResult {
	totalCost := execution.FillAmount.Mul(execution.FillPrice)
	actualPct := 0.0
	if c.cfg.PortfolioValue.IsPositive() {
		actualPct, _ = totalCost.Div(c.cfg.PortfolioValue).Mul(decimal.NewFromInt(100)).Float64()
	}

	result := &HedgeResult{
		Status:          HedgeCompleted,
		TradeID:         "trade_" + uuid.NewString(),
		ExchangeOrderID: execution.ExchangeOrderID,
		Timestamp:       time.Now().UTC(),
		Asset:           "BTC",
		Amount:          execution.FillAmount,
		Price:           execution.FillPrice,
		TotalCost:       totalCost,
		HedgePercentage: actualPct,
		RetryAttempted:  retried,
	}
	result.Report = c.report(result)
	c.remember("finalize_trade", "Trade completed, portfolio updated")
	result.Reasoning = c.Memory()

	c.logger.Info("Hedge execution completed",
		zap.String("trade_id", result.TradeID),
		zap.String("total_cost", totalCost.StringFixed(2)))
	return result
}

func (c *Commander) report(result *HedgeResult) string {
	return fmt.Sprintf(`HEDGE EXECUTION REPORT
======================
Trade ID: %s
Timestamp: %s

TRADE DETAILS:
- Asset: Bitcoin (BTC)
- Amount: %s BTC
- Price: $%s per BTC
- Total Cost: $%s

PORTFOLIO IMPACT:
- Portfolio Value: $%s
- Hedge Percentage: %.2f%%

STATUS: COMPLETED
Exchange Order ID: %s
`,
		result.TradeID,
		result.Timestamp.Format(time.RFC3339),
		result.Amount.StringFixed(8),
		result.Price.StringFixed(2),
		result.TotalCost.StringFixed(2),
		c.cfg.PortfolioValue.StringFixed(2),
		result.HedgePercentage,
		result.ExchangeOrderID)
}

func (c *Commander) fail(reason string, err error) (*HedgeResult, error) {
	c.remember("failure", reason+": "+err.Error())
	result := &HedgeResult{
		Status:    HedgeFailed,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Reasoning: c.Memory(),
	}
	c.finish(result)
	c.logger.Error("Hedge execution failed", zap.String("reason", reason), zap.Error(err))
	return result, err
}

// finish records metrics and broadcasts the outcome.
func (c *Commander) finish(result *HedgeResult) {
	metrics.HedgesExecuted.WithLabelValues(result.Status).Inc()
	if c.pub == nil {
		return
	}
	evt, err := bus.NewEvent(bus.EventHedgeExecuted, result)
	if err != nil {
		c.logger.Error("Failed to build hedge event", zap.Error(err))
		return
	}
	c.pub.Publish(evt)
}

// Memory returns a copy of the decision trace.
func (c *Commander) Memory() []MemoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MemoryEntry(nil), c.memory...)
}

// ClearMemory resets the decision trace for a new trading session.
func (c *Commander) ClearMemory() {
	c.mu.Lock()
	c.memory = nil
	c.mu.Unlock()
	c.logger.Info("Agent memory cleared")
}

func (c *Commander) remember(step, detail string) {
	c.mu.Lock()
	c.memory = append(c.memory, MemoryEntry{Step: step, Timestamp: time.Now().UTC(), Detail: detail})
	c.mu.Unlock()
}
