package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

const testSecret = "whsec_test"

func newTestIngestor(t *testing.T) *webhook.Ingestor {
	t.Helper()
	ing, err := webhook.NewIngestor(webhook.Config{Secret: testSecret}, ledger.NewMemory())
	require.NoError(t, err)
	return ing
}

func signedMessage(t *testing.T, messageID string, n webhook.Notification) ([]byte, webhook.SignatureHeaders) {
	t.Helper()
	payload, err := json.Marshal(n)
	require.NoError(t, err)
	headers, err := webhook.Sign(testSecret, payload, time.Now(), messageID)
	require.NoError(t, err)
	return payload, headers
}

func TestIngestor_Process(t *testing.T) {
	t.Parallel()

	t.Run("dispatches to the registered handler", func(t *testing.T) {
		t.Parallel()
		ing := newTestIngestor(t)

		var got webhook.Notification
		ing.Handle(webhook.KindSubscriptionCreated, func(_ context.Context, n webhook.Notification) (string, error) {
			got = n
			return "subscription created", nil
		})

		payload, headers := signedMessage(t, "msg-1", webhook.Notification{
			Kind:       webhook.KindSubscriptionCreated,
			CustomerID: "acct-1",
			PlanID:     "pro",
		})

		result, err := ing.Process(context.Background(), payload, headers)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "subscription created", result.ActionTaken)
		assert.False(t, result.Duplicate)
		assert.Equal(t, "msg-1", got.MessageID)
		assert.Equal(t, "acct-1", got.CustomerID)
	})

	t.Run("replay returns recorded outcome without re-running the handler", func(t *testing.T) {
		t.Parallel()
		ing := newTestIngestor(t)

		var calls atomic.Int32
		ing.Handle(webhook.KindSubscriptionCancelled, func(context.Context, webhook.Notification) (string, error) {
			calls.Add(1)
			return "subscription cancelled", nil
		})

		payload, headers := signedMessage(t, "msg-2", webhook.Notification{
			Kind:       webhook.KindSubscriptionCancelled,
			CustomerID: "acct-1",
		})

		first, err := ing.Process(context.Background(), payload, headers)
		require.NoError(t, err)
		require.False(t, first.Duplicate)

		second, err := ing.Process(context.Background(), payload, headers)
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
		assert.True(t, second.Success)
		assert.Equal(t, first.ActionTaken, second.ActionTaken)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("concurrent deliveries run the side effect once", func(t *testing.T) {
		t.Parallel()
		ing := newTestIngestor(t)

		var calls atomic.Int32
		ing.Handle(webhook.KindSubscriptionSuspended, func(context.Context, webhook.Notification) (string, error) {
			calls.Add(1)
			return "subscription suspended", nil
		})

		payload, headers := signedMessage(t, "msg-3", webhook.Notification{
			Kind:       webhook.KindSubscriptionSuspended,
			CustomerID: "acct-1",
		})

		const deliveries = 10
		var wg sync.WaitGroup
		wg.Add(deliveries)
		for range deliveries {
			go func() {
				defer wg.Done()
				// Losers may observe the winner still in flight; both outcomes
				// are acceptable as long as the handler runs once.
				_, err := ing.Process(context.Background(), payload, headers)
				if err != nil {
					assert.ErrorIs(t, err, webhook.ErrInFlight)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("tampered body is rejected and never recorded", func(t *testing.T) {
		t.Parallel()
		ing := newTestIngestor(t)

		var calls atomic.Int32
		ing.Handle(webhook.KindSubscriptionCreated, func(context.Context, webhook.Notification) (string, error) {
			calls.Add(1)
			return "subscription created", nil
		})

		payload, headers := signedMessage(t, "msg-4", webhook.Notification{
			Kind:       webhook.KindSubscriptionCreated,
			CustomerID: "acct-1",
		})

		tampered := []byte(strings.Replace(string(payload), "acct-1", "acct-666", 1))
		_, err := ing.Process(context.Background(), tampered, headers)
		require.ErrorIs(t, err, webhook.ErrInvalidSignature)
		assert.Zero(t, calls.Load())

		// The rejected delivery must not block the legitimate one.
		result, err := ing.Process(context.Background(), payload, headers)
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("unknown kind is acknowledged", func(t *testing.T) {
		t.Parallel()
		ing := newTestIngestor(t)

		payload, headers := signedMessage(t, "msg-5", webhook.Notification{
			Kind:       "marketplace.promotion_started",
			CustomerID: "acct-1",
		})

		result, err := ing.Process(context.Background(), payload, headers)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "ignored", result.ActionTaken)
	})

	t.Run("handler failure releases the claim for redelivery", func(t *testing.T) {
		t.Parallel()
		ing := newTestIngestor(t)

		var calls atomic.Int32
		ing.Handle(webhook.KindPlanChanged, func(context.Context, webhook.Notification) (string, error) {
			if calls.Add(1) == 1 {
				return "", errors.New("store unavailable")
			}
			return "plan changed", nil
		})

		payload, headers := signedMessage(t, "msg-6", webhook.Notification{
			Kind:       webhook.KindPlanChanged,
			CustomerID: "acct-1",
			PlanID:     "enterprise",
		})

		_, err := ing.Process(context.Background(), payload, headers)
		require.Error(t, err)

		result, err := ing.Process(context.Background(), payload, headers)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.False(t, result.Duplicate)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestHTTPHandler(t *testing.T) {
	t.Parallel()

	newServer := func(t *testing.T) (*httptest.Server, *atomic.Int32) {
		t.Helper()
		ing := newTestIngestor(t)
		var calls atomic.Int32
		ing.Handle(webhook.KindSubscriptionCreated, func(context.Context, webhook.Notification) (string, error) {
			calls.Add(1)
			return "subscription created", nil
		})
		srv := httptest.NewServer(webhook.NewHTTPHandler(ing))
		t.Cleanup(srv.Close)
		return srv, &calls
	}

	post := func(t *testing.T, srv *httptest.Server, payload []byte, headers webhook.SignatureHeaders) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(string(payload)))
		require.NoError(t, err)
		headers.Apply(req.Header)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("accepts a signed message", func(t *testing.T) {
		t.Parallel()
		srv, calls := newServer(t)
		payload, headers := signedMessage(t, "msg-10", webhook.Notification{
			Kind:       webhook.KindSubscriptionCreated,
			CustomerID: "acct-1",
		})

		resp := post(t, srv, payload, headers)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result webhook.Result
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.True(t, result.Success)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("rejects a bad signature with 401", func(t *testing.T) {
		t.Parallel()
		srv, calls := newServer(t)
		payload, headers := signedMessage(t, "msg-11", webhook.Notification{
			Kind: webhook.KindSubscriptionCreated,
		})
		headers.Signature = "deadbeef"

		resp := post(t, srv, payload, headers)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Zero(t, calls.Load())
	})

	t.Run("rejects missing headers with 401", func(t *testing.T) {
		t.Parallel()
		srv, _ := newServer(t)
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects non-POST", func(t *testing.T) {
		t.Parallel()
		srv, _ := newServer(t)
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
