// Package recordcard implements parcel.Fetcher against the record card API using gocolly.
package recordcard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/telemetry"
)

// Config controls upstream access.
type Config struct {
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Limiter throttles outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type attemptResult struct {
	statusCode int
	body       []byte
	duration   time.Duration
}

// Fetcher issues GET {base}/recordcard/{id} with bounded retries.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       Limiter
	clock         parcel.Clock
	logger        *zap.Logger
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter, clock parcel.Clock, logger *zap.Logger) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = base.String()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Fetch returns the record card for id. A 404 yields parcel.ErrNotFound and is
// not retried; exhausted retries yield *parcel.TransientError.
func (f *Fetcher) Fetch(ctx context.Context, id string) (parcel.RawRecord, error) {
	target := f.recordURL(id)
	var (
		lastErr    error
		lastStatus int
		attempt    int
	)
	for attempt = 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			telemetry.ObserveRetry()
			if err := sleepCtx(ctx, f.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, target); err != nil {
				lastErr = err
				break
			}
		}

		res, err := f.fetchOnce(ctx, target)
		telemetry.ObserveFetch(res.statusCode, res.duration)
		lastErr, lastStatus = err, res.statusCode
		if err == nil {
			switch {
			case res.statusCode >= 200 && res.statusCode < 300:
				return parcel.RawRecord{
					ID:         id,
					StatusCode: res.statusCode,
					Body:       res.body,
					FetchedAt:  f.now(),
					Duration:   res.duration,
					Attempts:   attempt,
				}, nil
			case res.statusCode == http.StatusNotFound:
				return parcel.RawRecord{}, fmt.Errorf("recordcard %s: %w", id, parcel.ErrNotFound)
			case !retryableStatus(res.statusCode):
				return parcel.RawRecord{}, &parcel.TransientError{ID: id, StatusCode: res.statusCode, Attempts: attempt}
			}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		f.logger.Debug("upstream attempt failed",
			zap.String("parcel_id", id),
			zap.Int("attempt", attempt),
			zap.Int("status", res.statusCode),
			zap.Error(err),
		)
	}
	if attempt > f.cfg.MaxAttempts {
		attempt = f.cfg.MaxAttempts
	}
	return parcel.RawRecord{}, &parcel.TransientError{ID: id, StatusCode: lastStatus, Attempts: attempt, Err: lastErr}
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) (attemptResult, error) {
	var (
		result   attemptResult
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return attemptResult{duration: time.Since(start)}, fmt.Errorf("recordcard fetch canceled: %w", ctx.Err())
	case err := <-done:
		result.duration = time.Since(start)
		if err != nil {
			return result, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return result, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return result, nil
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *attemptResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = attemptResult{
			statusCode: r.StatusCode,
			body:       append([]byte(nil), r.Body...),
			duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) recordURL(id string) string {
	return f.cfg.BaseURL + "/recordcard/" + url.PathEscape(id)
}

func (f *Fetcher) now() time.Time {
	if f.clock == nil {
		return time.Now().UTC()
	}
	return f.clock.Now()
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
