package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxPayloadBytes caps webhook request bodies. Marketplace notifications are
// small; anything larger is abuse.
const maxPayloadBytes = 1 << 20

// NewHTTPHandler exposes the ingestor as a POST endpoint. Authentication
// failures answer 401 so a misconfigured secret shows up immediately in the
// marketplace's delivery logs; in-flight duplicates answer 409 to request a
// later retry.
func NewHTTPHandler(ingestor *Ingestor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

		headers, err := ExtractHeaders(r.Header)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		result, err := ingestor.Process(r.Context(), payload, headers)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrStaleMessage),
		errors.Is(err, ErrMissingHeaders):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
