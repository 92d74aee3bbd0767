package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/entitlement"
	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/metering"
	"github.com/dmitrymomot/billingkit/pkg/plan"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// Router exposes the billing API over HTTP. The webhook endpoint carries its
// own HMAC authentication; everything else is expected to sit behind the
// platform's ingress auth.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/subscriptions", s.handleCreateSubscription)
	r.Get("/subscriptions/{id}", s.handleGetSubscription)
	r.Get("/subscriptions/{id}/history", s.handleHistory)
	r.Post("/subscriptions/{id}/suspend", s.transitionHandler(s.SuspendSubscription))
	r.Post("/subscriptions/{id}/reactivate", s.transitionHandler(s.ReactivateSubscription))
	r.Post("/subscriptions/{id}/cancel", s.transitionHandler(s.CancelSubscription))
	r.Post("/subscriptions/{id}/plan", s.handleChangePlan)
	r.Post("/subscriptions/{id}/usage", s.handleRecordUsage)
	r.Post("/subscriptions/{id}/flush", s.handleFlush)
	r.Get("/subscriptions/{id}/summary", s.handleSummary)

	r.Get("/customers/{customerID}/subscriptions", s.handleCustomerSubscriptions)
	r.Get("/customers/{customerID}/entitlements/{feature}", s.handleEntitlement)
	r.Get("/customers/{customerID}/quota/{dimension}", s.handleCheckQuota)
	r.Post("/customers/{customerID}/quota/{dimension}/reserve", s.handleReserve)

	r.Method(http.MethodPost, "/webhooks/marketplace", webhook.NewHTTPHandler(s.ingestor))

	return r
}

func (s *Service) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
		PlanID     string `json:"plan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := s.CreateSubscription(r.Context(), req.CustomerID, req.PlanID)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Service) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := s.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	history, err := s.SubscriptionHistory(r.Context(), id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// transitionHandler adapts one lifecycle operation to an HTTP endpoint.
func (s *Service) transitionHandler(op func(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		sub, err := op(r.Context(), id)
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

func (s *Service) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := s.ChangePlan(r.Context(), id, req.PlanID)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Service) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Dimension      plan.Dimension `json:"dimension"`
		Quantity       int64          `json:"quantity"`
		IdempotencyKey string         `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	ack, err := s.RecordUsage(r.Context(), id, req.Dimension, req.Quantity, req.IdempotencyKey)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}

	status := http.StatusAccepted
	if ack.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, ack)
}

func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.FlushUsage(r.Context(), id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	summary, err := s.BillingSummary(r.Context(), id, r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleCustomerSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.CustomerSubscriptions(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Service) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	entitled := s.HasEntitlement(r.Context(),
		chi.URLParam(r, "customerID"),
		plan.Feature(chi.URLParam(r, "feature")))
	writeJSON(w, http.StatusOK, map[string]bool{"entitled": entitled})
}

func (s *Service) handleCheckQuota(w http.ResponseWriter, r *http.Request) {
	quantity := int64(1)
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid quantity %q", raw))
			return
		}
		quantity = parsed
	}

	quota, err := s.CheckQuota(r.Context(),
		chi.URLParam(r, "customerID"),
		plan.Dimension(chi.URLParam(r, "dimension")), quantity)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (s *Service) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity       int64  `json:"quantity"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	quota, err := s.ReserveQuota(r.Context(),
		chi.URLParam(r, "customerID"),
		plan.Dimension(chi.URLParam(r, "dimension")), req.Quantity, req.IdempotencyKey)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errStatus maps domain errors onto HTTP statuses.
func errStatus(err error) int {
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, metering.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrDuplicateSubscription),
		errors.Is(err, subscription.ErrInvalidTransition),
		errors.Is(err, subscription.ErrAlreadyCancelled),
		errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, subscription.ErrInvalidPlan),
		errors.Is(err, subscription.ErrDowngradeNotPossible),
		errors.Is(err, metering.ErrInvalidQuantity),
		errors.Is(err, metering.ErrMissingIdempotencyKey),
		errors.Is(err, metering.ErrDimensionNotInPlan),
		errors.Is(err, entitlement.ErrDimensionNotGated),
		errors.Is(err, entitlement.ErrDimensionNotCovered):
		return http.StatusUnprocessableEntity
	case errors.Is(err, metering.ErrSubscriptionNotActive),
		errors.Is(err, entitlement.ErrNoActiveSubscription):
		return http.StatusForbidden
	case errors.Is(err, entitlement.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
