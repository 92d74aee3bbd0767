package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	headerSignature = "X-Marketplace-Signature"
	headerTimestamp = "X-Marketplace-Timestamp"
	headerMessageID = "X-Marketplace-Message-Id"
)

// SignatureHeaders carries the authentication material of one message.
// Signature format: HMAC-SHA256(secret, timestamp + "." + payload), following
// the timestamp-binding scheme Stripe-style webhook providers use.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	MessageID string
}

// Apply sets the signature headers on an outgoing request. Used by tests and
// by integrations that forward messages downstream.
func (s SignatureHeaders) Apply(h http.Header) {
	h.Set(headerSignature, s.Signature)
	h.Set(headerTimestamp, strconv.FormatInt(s.Timestamp, 10))
	h.Set(headerMessageID, s.MessageID)
}

// Sign produces signature headers for a payload at the given time. A zero
// message ID gets a fresh UUID.
func Sign(secret string, payload []byte, at time.Time, messageID string) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}
	if messageID == "" {
		messageID = uuid.New().String()
	}

	ts := at.Unix()
	return SignatureHeaders{
		Signature: computeSignature(secret, ts, payload),
		Timestamp: ts,
		MessageID: messageID,
	}, nil
}

// Verify authenticates a payload against its signature headers. The timestamp
// must fall within tolerance of now in either direction: stale messages are
// replay attempts, far-future ones are clock manipulation. Comparison is
// constant-time.
func Verify(secret string, payload []byte, headers SignatureHeaders, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return ErrInvalidPayload
	}
	if headers.Signature == "" || headers.Timestamp == 0 {
		return ErrMissingHeaders
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(headers.Timestamp, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: message aged %v", ErrStaleMessage, age)
		}
	}

	expected := computeSignature(secret, headers.Timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(headers.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// ExtractHeaders reads signature headers from an HTTP request.
func ExtractHeaders(h http.Header) (SignatureHeaders, error) {
	sig := SignatureHeaders{
		Signature: h.Get(headerSignature),
		MessageID: h.Get(headerMessageID),
	}
	if raw := h.Get(headerTimestamp); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return SignatureHeaders{}, fmt.Errorf("%w: malformed timestamp", ErrMissingHeaders)
		}
		sig.Timestamp = ts
	}

	if sig.Signature == "" || sig.Timestamp == 0 || sig.MessageID == "" {
		return SignatureHeaders{}, ErrMissingHeaders
	}
	return sig, nil
}

func computeSignature(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
