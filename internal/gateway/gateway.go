// Package gateway wraps the external payment gateway's order, capture,
// refund, and payout API. Every mutating call carries a caller-supplied
// idempotency reference (order id, refund id, payout id) so retries are
// safe on the gateway side.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway/circuitbreaker"
)

var (
	// ErrNotConfigured is returned when the gateway credentials are
	// missing. Callers surface this as a 503 to the client.
	ErrNotConfigured = errors.New("payment gateway not configured")

	// ErrUnavailable is returned on timeouts, 5xx responses, and an
	// open circuit breaker. Retriable after backoff.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

// Config holds gateway adapter configuration
type Config struct {
	BaseURL       string        `envconfig:"GATEWAY_BASE_URL"`
	APIKey        string        `envconfig:"GATEWAY_API_KEY"`
	WebhookSecret string        `envconfig:"GATEWAY_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`

	BreakerMaxFailures  int           `envconfig:"GATEWAY_BREAKER_MAX_FAILURES" default:"5"`
	BreakerResetTimeout time.Duration `envconfig:"GATEWAY_BREAKER_RESET_TIMEOUT" default:"30s"`
}

// Customer identifies the paying passenger to the gateway.
type Customer struct {
	ID    string `json:"customer_id"`
	Name  string `json:"customer_name"`
	Phone string `json:"customer_phone"`
	Email string `json:"customer_email,omitempty"`
}

// OrderRequest creates a payment order that holds funds on authorize.
type OrderRequest struct {
	OrderID   string
	Amount    money.Money
	Customer  Customer
	ReturnURL string
	Notes     map[string]string
}

// OrderSession is the gateway's handle for a created order.
type OrderSession struct {
	OrderID          string `json:"order_id"`
	PaymentSessionID string `json:"payment_session_id"`
}

// CaptureRequest debits previously authorized funds.
type CaptureRequest struct {
	OrderID   string
	PaymentID string
	Amount    money.Money
}

// CaptureResult reports the outcome of a capture call.
type CaptureResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// RefundRequest returns captured funds. RefundID is the idempotency
// key; re-submitting with the same id must not duplicate the refund.
type RefundRequest struct {
	OrderID  string
	RefundID string
	Amount   money.Money
	Reason   string
}

// RefundResult reports the accepted refund.
type RefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// PayoutAccount is the driver's receiving account. Either bank details
// or a UPI VPA must be present.
type PayoutAccount struct {
	HolderName    string `json:"holder_name"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	VPA           string `json:"vpa,omitempty"`
}

// PayoutRequest transfers funds out to a driver. PayoutID is the
// idempotency key.
type PayoutRequest struct {
	PayoutID  string
	Account   PayoutAccount
	Amount    money.Money
	Narration string
}

// PayoutResult reports the accepted payout. UTR is the bank's unique
// transaction reference, present once the transfer is processed.
type PayoutResult struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
	UTR      string `json:"utr,omitempty"`
}

// Adapter is the HTTP client for the payment gateway
type Adapter struct {
	config     Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// New creates a gateway adapter
func New(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: circuitbreaker.New(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		logger:  logger,
	}
}

// IsConfigured reports whether gateway credentials are present
func (a *Adapter) IsConfigured() bool {
	return a.config.BaseURL != "" && a.config.APIKey != ""
}

// CreateOrder registers a payment order with the gateway and returns
// the session the passenger completes payment against.
func (a *Adapter) CreateOrder(ctx context.Context, req OrderRequest) (*OrderSession, error) {
	payload := struct {
		OrderID     string            `json:"order_id"`
		AmountMinor int64             `json:"amount_minor"`
		Currency    string            `json:"currency"`
		Customer    Customer          `json:"customer"`
		ReturnURL   string            `json:"return_url,omitempty"`
		Notes       map[string]string `json:"notes,omitempty"`
	}{
		OrderID:     req.OrderID,
		AmountMinor: req.Amount.AmountMinor,
		Currency:    string(req.Amount.Currency),
		Customer:    req.Customer,
		ReturnURL:   req.ReturnURL,
		Notes:       req.Notes,
	}

	a.logger.Info("creating gateway order",
		"order_id", req.OrderID,
		"amount", req.Amount.AmountMinor,
	)

	var session OrderSession
	if err := a.call(ctx, http.MethodPost, "/orders", payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CapturePayment debits the held funds for an authorized payment
func (a *Adapter) CapturePayment(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	payload := struct {
		PaymentID   string `json:"payment_id"`
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{
		PaymentID:   req.PaymentID,
		AmountMinor: req.Amount.AmountMinor,
		Currency:    string(req.Amount.Currency),
	}

	a.logger.Info("capturing payment",
		"order_id", req.OrderID,
		"payment_id", req.PaymentID,
		"amount", req.Amount.AmountMinor,
	)

	var result CaptureResult
	if err := a.call(ctx, http.MethodPost, "/orders/"+req.OrderID+"/capture", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateRefund submits a refund for a captured order
func (a *Adapter) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	payload := struct {
		RefundID    string `json:"refund_id"`
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
		Reason      string `json:"reason,omitempty"`
	}{
		RefundID:    req.RefundID,
		AmountMinor: req.Amount.AmountMinor,
		Currency:    string(req.Amount.Currency),
		Reason:      req.Reason,
	}

	a.logger.Info("creating gateway refund",
		"order_id", req.OrderID,
		"refund_id", req.RefundID,
		"amount", req.Amount.AmountMinor,
	)

	var result RefundResult
	if err := a.call(ctx, http.MethodPost, "/orders/"+req.OrderID+"/refunds", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreatePayout transfers funds out to a driver account
func (a *Adapter) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	payload := struct {
		PayoutID    string        `json:"payout_id"`
		Account     PayoutAccount `json:"account"`
		AmountMinor int64         `json:"amount_minor"`
		Currency    string        `json:"currency"`
		Narration   string        `json:"narration,omitempty"`
	}{
		PayoutID:    req.PayoutID,
		Account:     req.Account,
		AmountMinor: req.Amount.AmountMinor,
		Currency:    string(req.Amount.Currency),
		Narration:   req.Narration,
	}

	a.logger.Info("creating gateway payout",
		"payout_id", req.PayoutID,
		"amount", req.Amount.AmountMinor,
	)

	var result PayoutResult
	if err := a.call(ctx, http.MethodPost, "/payouts", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature the gateway
// sends with each webhook. The signed message is the timestamp header,
// a dot, and the raw body; the signature is base64 encoded. Comparison
// is constant time.
func (a *Adapter) VerifyWebhookSignature(rawBody []byte, signature, timestamp string) bool {
	if a.config.WebhookSecret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

func (a *Adapter) call(ctx context.Context, method, path string, payload, out interface{}) error {
	if !a.IsConfigured() {
		return ErrNotConfigured
	}

	err := a.breaker.Execute(ctx, func() error {
		return a.doRequest(ctx, method, path, payload, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
	}
	return err
}

func (a *Adapter) doRequest(ctx context.Context, method, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, httpResp.StatusCode, string(respBody))
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("gateway error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
