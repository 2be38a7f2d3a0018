package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/damwatch/internal/models"
)

// Source fetches raw records for the day containing ref.
type Source interface {
	Name() string
	Fetch(ctx context.Context, ref time.Time) ([]models.RawRecord, *FetchResult, error)
}

// FetchResult describes a fetch for the audit trail.
type FetchResult struct {
	Endpoint     string
	Attempts     int
	HTTPStatus   int
	ResponseSize int
	RecordCount  int
}

// RetryPolicy is a bounded fixed-delay retry: at most Attempts tries with
// Delay between them.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)
}

// NewSource picks a transport from the URL scheme. The URL may contain a
// {date} placeholder, replaced with the reference date on every fetch.
func NewSource(name, rawURL string, policy RetryPolicy, breakerTimeout time.Duration) (Source, error) {
	u, err := url.Parse(strings.ReplaceAll(rawURL, "{date}", "2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("%s source: %w", name, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(name, rawURL, policy, breakerTimeout), nil
	case "ftp":
		return NewFTPSource(name, rawURL, policy)
	default:
		return nil, fmt.Errorf("%s source: unsupported scheme %q", name, u.Scheme)
	}
}

func expandDate(template string, ref time.Time) string {
	return strings.ReplaceAll(template, "{date}", ref.Format("2006-01-02"))
}

// decodeRecords accepts a bare JSON array or an object with a "data" array.
func decodeRecords(body []byte) ([]models.RawRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Data []models.RawRecord `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		return wrapped.Data, nil
	}
	var records []models.RawRecord
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return records, nil
}
