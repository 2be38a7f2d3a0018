package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/damwatch/internal/metrics"
	"github.com/lox/damwatch/internal/models"
)

// FTPSource reads a JSON product drop from an FTP server.
type FTPSource struct {
	name     string
	url      string
	user     string
	password string
	timeout  time.Duration
	retry    RetryPolicy
}

func NewFTPSource(name, rawURL string, policy RetryPolicy) (*FTPSource, error) {
	u, err := url.Parse(expandDate(rawURL, time.Time{}))
	if err != nil {
		return nil, fmt.Errorf("%s source: %w", name, err)
	}
	src := &FTPSource{
		name:     name,
		url:      rawURL,
		user:     "anonymous",
		password: "anonymous",
		timeout:  30 * time.Second,
		retry:    policy,
	}
	if u.User != nil {
		src.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			src.password = pw
		}
	}
	return src, nil
}

func (f *FTPSource) Name() string { return f.name }

func (f *FTPSource) Fetch(ctx context.Context, ref time.Time) ([]models.RawRecord, *FetchResult, error) {
	u, err := url.Parse(expandDate(f.url, ref))
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", f.name, err)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}
	result := &FetchResult{Endpoint: u.Redacted()}

	var body []byte
	operation := func() error {
		result.Attempts++
		start := time.Now()
		body, err = f.retr(ctx, addr, u.Path)
		metrics.FetchLatency.WithLabelValues(f.name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.FetchAttemptsTotal.WithLabelValues(f.name, "error").Inc()
			return fmt.Errorf("fetch %s: %w", f.name, err)
		}
		metrics.FetchAttemptsTotal.WithLabelValues(f.name, "ok").Inc()
		return nil
	}

	if err := backoff.Retry(operation, f.retry.backOff(ctx)); err != nil {
		return nil, result, err
	}
	result.ResponseSize = len(body)

	records, err := decodeRecords(body)
	if err != nil {
		return nil, result, fmt.Errorf("fetch %s: %w", f.name, err)
	}
	result.RecordCount = len(records)
	return records, result, nil
}

func (f *FTPSource) retr(ctx context.Context, addr, path string) ([]byte, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(f.user, f.password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
