package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ReporterConfig holds the external reporting API client settings.
type ReporterConfig struct {
	BaseURL string        `env:"METERING_REPORTER_URL,required"`
	Token   string        `env:"METERING_REPORTER_TOKEN,required"`
	Timeout time.Duration `env:"METERING_REPORTER_TIMEOUT" envDefault:"10s"`
}

// HTTPReporter submits usage batches to the marketplace reporting API over
// JSON. Every call carries a bounded timeout; retry policy belongs to the
// engine, which owns the backoff strategy and the ambiguity resolution.
type HTTPReporter struct {
	cfg    ReporterConfig
	client *http.Client
}

// NewHTTPReporter creates a reporting client. A nil http.Client falls back
// to a default client with the configured timeout.
func NewHTTPReporter(cfg ReporterConfig, client *http.Client) (*HTTPReporter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("metering: reporter base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("metering: invalid reporter base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPReporter{cfg: cfg, client: client}, nil
}

type submitRequest struct {
	Items []ReportItem `json:"items"`
}

type submitResponse struct {
	Results []ReportResult `json:"results"`
}

func (r *HTTPReporter) Submit(ctx context.Context, items []ReportItem) ([]ReportResult, error) {
	body, err := json.Marshal(submitRequest{Items: items})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/usage", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metering: reporting API returned %s", resp.Status)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (r *HTTPReporter) Lookup(ctx context.Context, token string) (*ReportResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.cfg.BaseURL+"/v1/usage/"+url.PathEscape(token), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrSubmissionNotFound
	default:
		return nil, fmt.Errorf("metering: reporting API returned %s", resp.Status)
	}

	var result ReportResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}
