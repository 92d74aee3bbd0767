package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

// NotificationKind is one of the closed set of marketplace message types the
// ingestor dispatches on.
type NotificationKind string

const (
	KindSubscriptionCreated     NotificationKind = "subscription.created"
	KindSubscriptionCancelled   NotificationKind = "subscription.cancelled"
	KindSubscriptionSuspended   NotificationKind = "subscription.suspended"
	KindSubscriptionReactivated NotificationKind = "subscription.reactivated"
	KindPlanChanged             NotificationKind = "subscription.plan_changed"
	KindPaymentFailed           NotificationKind = "payment.failed"
)

// Notification is one parsed marketplace message.
type Notification struct {
	MessageID      string           `json:"message_id"`
	Kind           NotificationKind `json:"kind"`
	OccurredAt     time.Time        `json:"occurred_at"`
	CustomerID     string           `json:"customer_id"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	PlanID         string           `json:"plan_id,omitempty"`
	// Raw preserves the original payload for handlers that need
	// provider-specific fields.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Result is the recorded outcome of processing one message. Replays of an
// already processed message return the original result with Duplicate set.
type Result struct {
	MessageID   string           `json:"message_id"`
	Kind        NotificationKind `json:"kind"`
	Success     bool             `json:"success"`
	ActionTaken string           `json:"action_taken"`
	Duplicate   bool             `json:"duplicate,omitempty"`
	ProcessedAt time.Time        `json:"processed_at"`
}

// Handler processes one verified, deduplicated notification. The returned
// action string lands in the recorded result for observability. An error
// releases the dedupe claim so marketplace redelivery can retry the message.
type Handler func(ctx context.Context, n Notification) (string, error)

// Config holds ingestion settings.
type Config struct {
	// Secret is the shared HMAC secret the marketplace signs messages with.
	Secret string `env:"WEBHOOK_SECRET,required"`
	// Tolerance bounds message timestamp skew in both directions.
	Tolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	// DedupeTTL bounds how long processed message IDs are remembered. Must
	// comfortably exceed the marketplace's redelivery horizon.
	DedupeTTL time.Duration `env:"WEBHOOK_DEDUPE_TTL" envDefault:"720h"`
}

// Ingestor verifies, deduplicates and dispatches marketplace messages.
type Ingestor struct {
	cfg      Config
	store    ledger.Ledger
	handlers map[NotificationKind]Handler
	log      *slog.Logger
	now      func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(i *Ingestor) {
		if log != nil {
			i.log = log
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIngestor wires the webhook ingestor. The ledger backs deduplication.
func NewIngestor(cfg Config, store ledger.Ledger, opts ...Option) (*Ingestor, error) {
	if cfg.Secret == "" {
		return nil, errors.Join(ErrInvalidConfiguration, errors.New("webhook secret is required"))
	}
	if store == nil {
		panic("webhook: ledger is required")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 30 * 24 * time.Hour
	}

	i := &Ingestor{
		cfg:      cfg,
		store:    store,
		handlers: make(map[NotificationKind]Handler),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Handle registers the handler for a notification kind. Registration happens
// at wiring time, before any traffic; it is not safe to call concurrently
// with Process.
func (i *Ingestor) Handle(kind NotificationKind, h Handler) {
	i.handlers[kind] = h
}

func dedupeKey(messageID string) string { return "wh:" + messageID }

// inFlightMarker is the claim value stored while a message is being handled.
var inFlightMarker = []byte("pending")

// Process authenticates and dispatches one raw message. Verification happens
// before any state is touched, so a forged or stale message leaves no trace
// and can never block a later legitimate delivery of the same message ID.
func (i *Ingestor) Process(ctx context.Context, payload []byte, headers SignatureHeaders) (*Result, error) {
	if err := Verify(i.cfg.Secret, payload, headers, i.cfg.Tolerance, i.now()); err != nil {
		i.log.WarnContext(ctx, "webhook rejected",
			slog.String("message_id", headers.MessageID),
			slog.Any("error", err))
		return nil, err
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	n.MessageID = headers.MessageID
	if n.Raw == nil {
		n.Raw = json.RawMessage(payload)
	}

	return i.dispatch(ctx, n)
}

// ProcessNotification dispatches an already verified notification. Used by
// provider adapters that authenticate with the provider's own scheme.
func (i *Ingestor) ProcessNotification(ctx context.Context, n Notification) (*Result, error) {
	if n.MessageID == "" {
		return nil, errors.Join(ErrInvalidPayload, errors.New("message ID is required"))
	}
	return i.dispatch(ctx, n)
}

func (i *Ingestor) dispatch(ctx context.Context, n Notification) (*Result, error) {
	claimed, err := i.store.SetNX(ctx, dedupeKey(n.MessageID), inFlightMarker, i.cfg.DedupeTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return i.recordedResult(ctx, n.MessageID)
	}

	handler, known := i.handlers[n.Kind]
	if !known {
		// Unknown kinds are acknowledged, not errored: failing them would put
		// the marketplace into an endless redelivery loop for messages this
		// system will never act on.
		i.log.InfoContext(ctx, "unhandled webhook kind acknowledged",
			slog.String("message_id", n.MessageID),
			slog.String("kind", string(n.Kind)))
		return i.finish(ctx, n, true, "ignored")
	}

	action, err := handler(ctx, n)
	if err != nil {
		// Release the claim so the marketplace redelivery retries the handler.
		if derr := i.store.Delete(ctx, dedupeKey(n.MessageID)); derr != nil {
			i.log.ErrorContext(ctx, "failed to release webhook claim",
				slog.String("message_id", n.MessageID), slog.Any("error", derr))
		}
		i.log.ErrorContext(ctx, "webhook handler failed",
			slog.String("message_id", n.MessageID),
			slog.String("kind", string(n.Kind)),
			slog.Any("error", err))
		return nil, err
	}

	return i.finish(ctx, n, true, action)
}

// finish records the outcome under the dedupe key so replays can answer
// without re-running side effects.
func (i *Ingestor) finish(ctx context.Context, n Notification, success bool, action string) (*Result, error) {
	result := &Result{
		MessageID:   n.MessageID,
		Kind:        n.Kind,
		Success:     success,
		ActionTaken: action,
		ProcessedAt: i.now().UTC(),
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := i.store.Put(ctx, dedupeKey(n.MessageID), raw); err != nil {
		i.log.ErrorContext(ctx, "failed to record webhook outcome",
			slog.String("message_id", n.MessageID), slog.Any("error", err))
	}
	return result, nil
}

// recordedResult returns the stored outcome of an already claimed message.
// A still-pending claim means another delivery of the same message is being
// handled right now; the caller should have the marketplace retry later.
func (i *Ingestor) recordedResult(ctx context.Context, messageID string) (*Result, error) {
	raw, err := i.store.Get(ctx, dedupeKey(messageID))
	if errors.Is(err, ledger.ErrKeyNotFound) {
		// Claim released between our SetNX and this read: the concurrent
		// delivery failed. Let redelivery retry.
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, err
	}

	if string(raw) == string(inFlightMarker) {
		return nil, ErrInFlight
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	result.Duplicate = true
	return &result, nil
}
