// Package api exposes the settlement engine over HTTP: payment
// initiation, pickup verification and capture, admin refunds, trip
// settlement, wallet operations, and the gateway webhook sink.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/capture"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/api"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/middleware"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/money"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/escrow"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/payments"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/wallet"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/webhook"
)

const (
	errCodeBookingNotFound      = "BOOKING_NOT_FOUND"
	errCodeInvalidBookingStatus = "INVALID_BOOKING_STATUS"
	errCodeGatewayUnavailable   = "PAYMENT_SERVICE_UNAVAILABLE"
	errCodeInvalidOTP           = "INVALID_OTP"
	errCodeNotAllVerified       = "NOT_ALL_PASSENGERS_VERIFIED"
	errCodeZeroRefund           = "ZERO_REFUND_AMOUNT"
	errCodeNoCollectedPayment   = "NO_COLLECTED_PAYMENT"
	errCodeAlreadyRefunded      = "ALREADY_REFUNDED"
	errCodeNoFailedRefund       = "NO_FAILED_REFUND"
	errCodeCollectionIncomplete = "COLLECTION_INCOMPLETE"
	errCodeAdvanceNotPaid       = "ADVANCE_NOT_PAID"
)

// PaymentService drives payment initiation, refunds, and plan purchase.
type PaymentService interface {
	InitiatePayment(ctx context.Context, userID string, req payments.InitiateRequest) (*payments.InitiateResult, error)
	CreateRefund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResult, error)
	RetryRefund(ctx context.Context, bookingID string) (*payments.RefundResult, error)
	PurchaseSubscription(ctx context.Context, userID, returnURL string) (*payments.SubscriptionOrder, error)
	TripPayments(ctx context.Context, tripID string) (*payments.TripPaymentSummary, error)
}

// CaptureController verifies pickups and captures held payments.
type CaptureController interface {
	CanStartTrip(ctx context.Context, tripID string) (capture.TripReadiness, error)
	VerifyPickup(ctx context.Context, bookingID, otp string) (*capture.VerificationResult, error)
	CaptureAllHeldPayments(ctx context.Context, tripID string) (*capture.CaptureResult, error)
}

// EscrowScheduler releases driver payouts at trip boundaries.
type EscrowScheduler interface {
	OnTripStart(ctx context.Context, tripID string) (*escrow.StageResult, error)
	OnTripComplete(ctx context.Context, tripID string) (*escrow.StageResult, error)
}

// WalletService serves balance reads and withdrawals.
type WalletService interface {
	GetBalance(ctx context.Context, userID string) (*wallet.Balance, error)
	ListEntries(ctx context.Context, userID string, limit, offset int) ([]*wallet.Entry, int64, error)
	Withdraw(ctx context.Context, userID string, amount money.Money, account gateway.PayoutAccount) (*wallet.WithdrawalResult, error)
}

// WebhookProcessor ingests gateway deliveries.
type WebhookProcessor interface {
	Process(ctx context.Context, rawBody []byte, signature, timestamp string) (*webhook.Outcome, error)
}

// Handler handles settlement HTTP requests
type Handler struct {
	payments PaymentService
	capture  CaptureController
	escrow   EscrowScheduler
	wallet   WalletService
	webhooks WebhookProcessor
}

// NewHandler creates a settlement handler
func NewHandler(p PaymentService, c CaptureController, e EscrowScheduler, w WalletService, wh WebhookProcessor) *Handler {
	return &Handler{payments: p, capture: c, escrow: e, wallet: w, webhooks: wh}
}

// Routes returns the /api/v1 routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/payments", func(r chi.Router) {
		r.With(middleware.RequireActor).Post("/initiate", h.InitiatePayment)
		r.With(middleware.RequireActor).Post("/subscriptions", h.PurchaseSubscription)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Post("/capture/{tripId}", h.CaptureTripPayments)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin)
		r.Post("/refunds", h.CreateRefund)
		r.Post("/refunds/{bookingId}/retry", h.RetryRefund)
	})

	r.Route("/trips", func(r chi.Router) {
		r.Get("/{tripId}/readiness", h.TripReadiness)
		r.Post("/{tripId}/start", h.StartTrip)
		r.Post("/{tripId}/complete", h.CompleteTrip)
		r.Get("/{tripId}/payments", h.TripPayments)
	})

	r.Route("/wallet", func(r chi.Router) {
		r.Use(middleware.RequireActor)
		r.Get("/", h.WalletBalance)
		r.Get("/entries", h.WalletEntries)
		r.Post("/withdraw", h.Withdraw)
	})

	return r
}

// WebhookRoutes returns the /webhooks routes
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/payment-gateway", h.PaymentGatewayWebhook)
	return r
}

// InitiatePaymentRequest is the API request for starting payment collection
type InitiatePaymentRequest struct {
	BookingID           string `json:"booking_id" validate:"required,max=64"`
	HasFreeCancellation bool   `json:"has_free_cancellation"`
	ApplyWallet         bool   `json:"apply_wallet"`
	ReturnURL           string `json:"return_url" validate:"omitempty,url,max=2048"`
}

// InitiatePayment handles POST /payments/initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.payments.InitiatePayment(r.Context(), middleware.GetUserID(r.Context()), payments.InitiateRequest{
		BookingID:           req.BookingID,
		HasFreeCancellation: req.HasFreeCancellation,
		ApplyWallet:         req.ApplyWallet,
		ReturnURL:           req.ReturnURL,
	})
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.WriteError(w, http.StatusNotFound, errCodeBookingNotFound, "booking not found")
		case errors.Is(err, payments.ErrNotPayable):
			api.WriteError(w, http.StatusBadRequest, errCodeInvalidBookingStatus, "booking is not payable")
		case gatewayDown(err):
			api.ServiceUnavailable(w, errCodeGatewayUnavailable, "payment service unavailable, try again")
		default:
			api.InternalError(w, "failed to initiate payment")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, res)
}

// SubscriptionRequest is the API request for buying the free-cancellation plan
type SubscriptionRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,url,max=2048"`
}

// PurchaseSubscription handles POST /payments/subscriptions
func (h *Handler) PurchaseSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.payments.PurchaseSubscription(r.Context(), middleware.GetUserID(r.Context()), req.ReturnURL)
	if err != nil {
		if gatewayDown(err) {
			api.ServiceUnavailable(w, errCodeGatewayUnavailable, "payment service unavailable, try again")
			return
		}
		api.InternalError(w, "failed to create subscription order")
		return
	}

	api.WriteData(w, http.StatusCreated, res)
}

// VerifyOTPRequest is the API request for a pickup verification
type VerifyOTPRequest struct {
	BookingID string `json:"booking_id" validate:"required,max=64"`
	OTP       string `json:"otp" validate:"required,len=6,numeric"`
}

// VerifyOTP handles POST /payments/verify-otp
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.capture.VerifyPickup(r.Context(), req.BookingID, req.OTP)
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrInvalidOTP):
			api.WriteError(w, http.StatusBadRequest, errCodeInvalidOTP, "invalid pickup otp")
		case database.IsNotFound(err):
			api.WriteError(w, http.StatusNotFound, errCodeBookingNotFound, "booking not found")
		default:
			api.InternalError(w, "failed to verify pickup")
		}
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// CaptureTripPayments handles POST /payments/capture/{tripId}
func (h *Handler) CaptureTripPayments(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	if tripID == "" {
		api.BadRequest(w, "trip ID required")
		return
	}

	res, err := h.capture.CaptureAllHeldPayments(r.Context(), tripID)
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrNotAllVerified):
			api.WriteError(w, http.StatusBadRequest, errCodeNotAllVerified, "not all passengers verified")
		case database.IsNotFound(err):
			api.NotFound(w, "trip not found")
		default:
			api.InternalError(w, "failed to capture payments")
		}
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// RefundRequest is the API request for an admin refund
type RefundRequest struct {
	BookingID           string `json:"booking_id" validate:"required,max=64"`
	AmountMinor         int64  `json:"amount_minor" validate:"gte=0"`
	Reason              string `json:"reason" validate:"required,max=255"`
	UseCalculatedAmount bool   `json:"use_calculated_amount"`
}

// CreateRefund handles POST /admin/refunds
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	if !req.UseCalculatedAmount && req.AmountMinor <= 0 {
		api.BadRequest(w, "amount_minor required unless use_calculated_amount is set")
		return
	}

	res, err := h.payments.CreateRefund(r.Context(), payments.RefundRequest{
		BookingID:           req.BookingID,
		Amount:              money.New(req.AmountMinor, money.INR),
		Reason:              req.Reason,
		UseCalculatedAmount: req.UseCalculatedAmount,
	})
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.WriteError(w, http.StatusNotFound, errCodeBookingNotFound, "booking not found")
		case errors.Is(err, payments.ErrAlreadyRefunded):
			api.WriteError(w, http.StatusConflict, errCodeAlreadyRefunded, "booking already refunded")
		case errors.Is(err, payments.ErrZeroRefund):
			api.WriteError(w, http.StatusBadRequest, errCodeZeroRefund, "refund amount comes to zero")
		case errors.Is(err, payments.ErrNoCollectedPayment):
			api.WriteError(w, http.StatusBadRequest, errCodeNoCollectedPayment, "no collected payment to refund")
		default:
			api.InternalError(w, "failed to create refund")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, res)
}

// RetryRefund handles POST /admin/refunds/{bookingId}/retry
func (h *Handler) RetryRefund(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingId")
	if bookingID == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	res, err := h.payments.RetryRefund(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, payments.ErrNoFailedRefund) {
			api.WriteError(w, http.StatusBadRequest, errCodeNoFailedRefund, "no failed refund to retry")
			return
		}
		api.InternalError(w, "failed to retry refund")
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// TripReadiness handles GET /trips/{tripId}/readiness
func (h *Handler) TripReadiness(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	if tripID == "" {
		api.BadRequest(w, "trip ID required")
		return
	}

	res, err := h.capture.CanStartTrip(r.Context(), tripID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "trip not found")
			return
		}
		api.InternalError(w, "failed to check trip readiness")
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// StartTrip handles POST /trips/{tripId}/start
func (h *Handler) StartTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	if tripID == "" {
		api.BadRequest(w, "trip ID required")
		return
	}

	res, err := h.escrow.OnTripStart(r.Context(), tripID)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "trip not found")
		case errors.Is(err, escrow.ErrCollectionIncomplete):
			api.WriteError(w, http.StatusConflict, errCodeCollectionIncomplete, "fare collection is not complete")
		case errors.Is(err, database.ErrConflict):
			api.Conflict(w, "trip is not startable")
		case gatewayDown(err):
			api.ServiceUnavailable(w, errCodeGatewayUnavailable, "payment service unavailable, try again")
		default:
			api.InternalError(w, "failed to start trip")
		}
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// CompleteTrip handles POST /trips/{tripId}/complete
func (h *Handler) CompleteTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	if tripID == "" {
		api.BadRequest(w, "trip ID required")
		return
	}

	res, err := h.escrow.OnTripComplete(r.Context(), tripID)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "trip not found")
		case errors.Is(err, escrow.ErrAdvanceNotYetPaid):
			api.WriteError(w, http.StatusConflict, errCodeAdvanceNotPaid, "driver advance has not been paid")
		case errors.Is(err, database.ErrConflict):
			api.Conflict(w, "trip is not completable")
		case gatewayDown(err):
			api.ServiceUnavailable(w, errCodeGatewayUnavailable, "payment service unavailable, try again")
		default:
			api.InternalError(w, "failed to complete trip")
		}
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// TripPayments handles GET /trips/{tripId}/payments
func (h *Handler) TripPayments(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	if tripID == "" {
		api.BadRequest(w, "trip ID required")
		return
	}

	res, err := h.payments.TripPayments(r.Context(), tripID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "trip not found")
			return
		}
		api.InternalError(w, "failed to load trip payments")
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// WalletBalance handles GET /wallet
func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.wallet.GetBalance(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		api.InternalError(w, "failed to load wallet balance")
		return
	}

	api.WriteData(w, http.StatusOK, balance)
}

// WalletEntries handles GET /wallet/entries
func (h *Handler) WalletEntries(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)

	entries, total, err := h.wallet.ListEntries(r.Context(), middleware.GetUserID(r.Context()), params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list wallet entries")
		return
	}

	api.WritePaginated(w, entries, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(entries)) < total,
	})
}

// WithdrawRequest is the API request for a wallet withdrawal
type WithdrawRequest struct {
	AmountMinor int64                 `json:"amount_minor" validate:"required,gt=0"`
	Account     gateway.PayoutAccount `json:"account"`
}

// Withdraw handles POST /wallet/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	if req.Account.VPA == "" && (req.Account.AccountNumber == "" || req.Account.IFSC == "") {
		api.BadRequest(w, "account needs a vpa or an account_number with ifsc")
		return
	}

	res, err := h.wallet.Withdraw(r.Context(), middleware.GetUserID(r.Context()), money.New(req.AmountMinor, money.INR), req.Account)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrInsufficientBalance):
			api.WriteError(w, http.StatusBadRequest, api.ErrCodeInsufficientBalance, "insufficient withdrawable balance")
		case gatewayDown(err):
			api.ServiceUnavailable(w, errCodeGatewayUnavailable, "payout service unavailable, try again")
		default:
			api.InternalError(w, "failed to withdraw")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, res)
}

// PaymentGatewayWebhook handles POST /webhooks/payment-gateway. The
// body is read raw; signature verification needs the exact bytes.
func (h *Handler) PaymentGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		api.BadRequest(w, "unreadable webhook body")
		return
	}

	outcome, err := h.webhooks.Process(r.Context(), body, r.Header.Get("x-webhook-signature"), r.Header.Get("x-webhook-timestamp"))
	if err != nil {
		if errors.Is(err, webhook.ErrBadSignature) {
			api.Unauthorized(w, "invalid webhook signature")
			return
		}
		api.InternalError(w, "failed to process webhook")
		return
	}

	api.WriteData(w, http.StatusOK, outcome)
}

func gatewayDown(err error) bool {
	return errors.Is(err, gateway.ErrUnavailable) || errors.Is(err, gateway.ErrNotConfigured)
}
