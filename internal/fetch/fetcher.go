// Package fetch retrieves untrusted web content behind an SSRF guard and a
// per-origin circuit breaker, retrying transient failures locally.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

const (
	defaultMaxBytes     = 5 << 20 // 5MB
	defaultMaxRetries   = 2
	defaultMaxRedirects = 5
	defaultUserAgent    = "larder/1.0 (+recipe ingest)"
)

// Document is a fetched response body.
type Document struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	RetrievedAt time.Time
}

// Fetcher retrieves documents through a Guard and a Breaker.
type Fetcher struct {
	guard          *Guard
	breaker        *Breaker
	client         *http.Client
	maxRetries     uint64
	maxBytes       int64
	initialBackoff time.Duration
	userAgent      string
	logger         *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxRetries sets the number of local retries of a transient failure.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRetries = uint64(n)
		}
	}
}

// WithMaxBytes caps the response body size.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(f *Fetcher) { f.initialBackoff = d }
}

// WithTimeout sets the overall per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.client.Timeout = d }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a Fetcher. Connections are dialed through the guard so
// every resolved address is checked, and every redirect hop is re-validated.
func NewFetcher(guard *Guard, breaker *Breaker, opts ...Option) *Fetcher {
	transport := &http.Transport{
		DialContext:           guard.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
	f := &Fetcher{
		guard:   guard,
		breaker: breaker,
		client: &http.Client{
			Transport:     transport,
			Timeout:       30 * time.Second,
			CheckRedirect: guard.CheckRedirect(defaultMaxRedirects),
		},
		maxRetries:     defaultMaxRetries,
		maxBytes:       defaultMaxBytes,
		initialBackoff: 500 * time.Millisecond,
		userAgent:      defaultUserAgent,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch retrieves rawURL. A URL rejected by the guard or an origin with an
// open circuit fails with a Blocked error before any request is sent. Transient
// failures are retried; exhausting the retries counts as one breaker failure.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	ctx, span := telemetry.Tracer("fetch").Start(ctx, "fetch.document")
	defer span.End()

	u, err := ParseURL(rawURL)
	if err != nil {
		f.observe(span, "blocked", err)
		return nil, err
	}
	origin := Origin(u)
	span.SetAttributes(attribute.String("larder.fetch.origin", origin))

	if err := f.breaker.Allow(origin); err != nil {
		f.observe(span, "blocked", err)
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.initialBackoff
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	var doc *Document
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			telemetry.FetchRetries.Inc()
		}
		// Resolution is retried with the fetch; a failed lookup is transient.
		if _, err := f.guard.CheckURL(ctx, u.String()); err != nil {
			if errors.Is(err, task.ErrTransient) {
				f.logger.Debug("transient resolve failure", "origin", origin, "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		d, err := f.fetchOnce(ctx, u.String())
		if err != nil {
			if errors.Is(err, task.ErrTransient) {
				f.logger.Debug("transient fetch failure", "origin", origin, "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		doc = d
		return nil
	}

	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, f.maxRetries), ctx))
	if err != nil {
		if errors.Is(err, task.ErrTransient) {
			f.breaker.RecordFailure(origin)
			f.logger.Warn("fetch failed after retries", "origin", origin, "attempts", attempt, "error", err)
			f.observe(span, "transient", err)
			return nil, err
		}
		outcome := "error"
		if errors.Is(err, task.ErrBlocked) {
			outcome = "blocked"
		}
		f.observe(span, outcome, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("larder.fetch.attempts", attempt))
	f.observe(span, "ok", nil)
	return doc, nil
}

func (f *Fetcher) observe(span trace.Span, outcome string, err error) {
	telemetry.FetchRequests.WithLabelValues(outcome).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, task.Errorf(task.CodeTransient, "%s returned status %d", rawURL, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, task.Wrap(task.CodeTransient, err, "reading response body")
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", rawURL, f.maxBytes)
	}

	return &Document{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		RetrievedAt: time.Now().UTC(),
	}, nil
}

// classifyTransportError separates guard rejections and cancellation from
// network failures worth retrying.
func classifyTransportError(ctx context.Context, err error) error {
	var te *task.Error
	if errors.As(err, &te) && te.Code == task.CodeBlocked {
		return te
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return task.Wrap(task.CodeTransient, err, "network error")
	}
	return task.Wrap(task.CodeTransient, err, "request failed")
}
