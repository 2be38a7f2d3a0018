package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lox/damwatch/internal/httputil"
	"github.com/lox/damwatch/internal/metrics"
	"github.com/lox/damwatch/internal/models"
)

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code == http.StatusRequestTimeout || e.code >= 500
}

// HTTPSource pulls a JSON array of records from a telemetry or forecast endpoint.
type HTTPSource struct {
	name    string
	url     string
	client  *http.Client
	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPSource(name, url string, policy RetryPolicy, breakerTimeout time.Duration) *HTTPSource {
	if breakerTimeout <= 0 {
		breakerTimeout = time.Minute
	}
	return &HTTPSource{
		name:   name,
		url:    url,
		client: httputil.NewClient(),
		retry:  policy,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    5 * time.Minute,
			Timeout:     breakerTimeout,
		}),
	}
}

func (h *HTTPSource) Name() string { return h.name }

func (h *HTTPSource) Fetch(ctx context.Context, ref time.Time) ([]models.RawRecord, *FetchResult, error) {
	endpoint := expandDate(h.url, ref)
	result := &FetchResult{Endpoint: endpoint}

	var body []byte
	operation := func() error {
		result.Attempts++
		start := time.Now()
		out, err := h.breaker.Execute(func() (interface{}, error) {
			return h.get(ctx, endpoint, result)
		})
		metrics.FetchLatency.WithLabelValues(h.name).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.FetchAttemptsTotal.WithLabelValues(h.name, statusLabel(result.HTTPStatus)).Inc()
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("fetch %s: %w", h.name, err))
			}
			var se *statusError
			if errors.As(err, &se) && !se.retryable() {
				return backoff.Permanent(fmt.Errorf("fetch %s: %w", h.name, err))
			}
			return fmt.Errorf("fetch %s: %w", h.name, err)
		}

		metrics.FetchAttemptsTotal.WithLabelValues(h.name, statusLabel(result.HTTPStatus)).Inc()
		body = out.([]byte)
		return nil
	}

	if err := backoff.Retry(operation, h.retry.backOff(ctx)); err != nil {
		return nil, result, err
	}

	records, err := decodeRecords(body)
	if err != nil {
		return nil, result, fmt.Errorf("fetch %s: %w", h.name, err)
	}
	result.RecordCount = len(records)
	return records, result, nil
}

func (h *HTTPSource) get(ctx context.Context, endpoint string, result *FetchResult) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		result.HTTPStatus = 0
		return nil, err
	}
	defer resp.Body.Close()

	result.HTTPStatus = resp.StatusCode
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	result.ResponseSize = len(body)

	if resp.StatusCode != http.StatusOK {
		if len(body) > 200 {
			body = body[:200]
		}
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

func statusLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code)
}
