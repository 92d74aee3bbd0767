package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds the Paddle webhook integration settings.
type PaddleConfig struct {
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
}

// PaddleAdapter translates Paddle webhook deliveries into marketplace
// notifications. Paddle signs with its own scheme, so verification goes
// through the official SDK verifier instead of the shared-secret headers the
// generic endpoint uses; dedupe and dispatch are shared with the ingestor.
type PaddleAdapter struct {
	verifier *paddle.WebhookVerifier
	ingestor *Ingestor
}

// NewPaddleAdapter wires a Paddle-specific ingestion front end.
func NewPaddleAdapter(cfg PaddleConfig, ingestor *Ingestor) (*PaddleAdapter, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrInvalidConfiguration, errors.New("paddle webhook secret is required"))
	}
	if ingestor == nil {
		panic("webhook: ingestor is required")
	}
	return &PaddleAdapter{
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		ingestor: ingestor,
	}, nil
}

// paddleEnvelope is the subset of Paddle's event payload the adapter reads.
type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Process verifies a Paddle delivery and dispatches the mapped notification.
func (a *PaddleAdapter) Process(ctx context.Context, payload []byte, signature string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := a.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var env paddleEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	if env.EventID == "" {
		return nil, errors.Join(ErrInvalidPayload, errors.New("missing event ID"))
	}

	n, err := a.toNotification(env)
	if err != nil {
		return nil, err
	}
	return a.ingestor.ProcessNotification(ctx, n)
}

// ServeHTTP exposes the adapter as a POST endpoint for Paddle deliveries.
func (a *PaddleAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	result, err := a.Process(r.Context(), payload, r.Header.Get("Paddle-Signature"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// toNotification maps a Paddle event onto the closed notification set.
// Unmapped event types keep their original name so the ingestor can log and
// acknowledge them.
func (a *PaddleAdapter) toNotification(env paddleEnvelope) (Notification, error) {
	n := Notification{
		MessageID:  env.EventID,
		Kind:       mapPaddleEventType(env.EventType),
		OccurredAt: env.OccurredAt,
		Raw:        env.Data,
	}

	var data struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		CustomData struct {
			CustomerID string `json:"customer_id"`
		} `json:"custom_data"`
		Items []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Notification{}, errors.Join(ErrInvalidPayload, fmt.Errorf("paddle event %s: %w", env.EventID, err))
	}

	n.SubscriptionID = data.ID
	n.CustomerID = data.CustomData.CustomerID
	if len(data.Items) > 0 {
		n.PlanID = data.Items[0].Price.ID
	}
	return n, nil
}

func mapPaddleEventType(eventType string) NotificationKind {
	switch eventType {
	case "subscription.created", "transaction.completed":
		return KindSubscriptionCreated
	case "subscription.canceled":
		return KindSubscriptionCancelled
	case "subscription.paused":
		return KindSubscriptionSuspended
	case "subscription.resumed":
		return KindSubscriptionReactivated
	case "subscription.updated":
		return KindPlanChanged
	case "transaction.payment_failed":
		return KindPaymentFailed
	default:
		return NotificationKind(eventType)
	}
}
