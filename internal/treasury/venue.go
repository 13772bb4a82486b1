package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/sovereign-sentinel/sentinel/internal/config"
)

// Order states reported by the trading venue.
const (
	OrderFilled   = "filled"
	OrderPending  = "pending"
	OrderRejected = "rejected"
)

// Execution is the venue's record of a placed order.
type Execution struct {
	ExchangeOrderID string          `json:"order_id"`
	Status          string          `json:"status"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	FillAmount      decimal.Decimal `json:"fill_amount"`
}

// Venue abstracts the trading backend so hedge logic can be tested without a
// live exchange.
type Venue interface {
	BTCPrice(ctx context.Context) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, asset string, amount, price decimal.Decimal) (Execution, error)
	OrderStatus(ctx context.Context, exchangeOrderID string) (Execution, error)
}

// RESTVenue talks to the trading service over its JSON API.
type RESTVenue struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTVenue creates a venue client from treasury configuration.
func NewRESTVenue(cfg config.TreasuryConfig) *RESTVenue {
	return &RESTVenue{
		baseURL: cfg.TradingBaseURL,
		apiKey:  cfg.TradingAPIKey,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// BTCPrice returns the current BTC spot price in USD.
func (v *RESTVenue) BTCPrice(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Asset string          `json:"asset"`
		Price decimal.Decimal `json:"price"`
	}
	if err := v.do(ctx, http.MethodGet, "/price/BTC", nil, &out); err != nil {
		return decimal.Zero, fmt.Errorf("fetch BTC price: %w", err)
	}
	if out.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("venue returned non-positive BTC price %s", out.Price)
	}
	return out.Price, nil
}

// PlaceOrder submits a market buy order.
func (v *RESTVenue) PlaceOrder(ctx context.Context, asset string, amount, price decimal.Decimal) (Execution, error) {
	in := map[string]interface{}{
		"asset":  asset,
		"side":   "buy",
		"amount": amount,
		"price":  price,
	}
	var out Execution
	if err := v.do(ctx, http.MethodPost, "/orders", in, &out); err != nil {
		return Execution{}, fmt.Errorf("place order: %w", err)
	}
	return out, nil
}

// OrderStatus fetches the current state of a previously placed order.
func (v *RESTVenue) OrderStatus(ctx context.Context, exchangeOrderID string) (Execution, error) {
	var out Execution
	if err := v.do(ctx, http.MethodGet, "/orders/"+exchangeOrderID, nil, &out); err != nil {
		return Execution{}, fmt.Errorf("check order %s: %w", exchangeOrderID, err)
	}
	return out, nil
}

func (v *RESTVenue) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trading API returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
