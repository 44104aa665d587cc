// Package fetch is the single gateway to upstream EDGAR hosts. Every request
// waits on one shared token bucket, carries the configured User-Agent and is
// retried on transport failures, 5xx and 429 responses.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/infra"
	"github.com/seenimoa/edgarsync/pkg/models"
)

// errorBodyLimit caps how much of an error response is read for markers.
const errorBodyLimit = 4096

// HTTPDoer is the subset of *http.Client the fetcher needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is an immutable description of one GET. Build a fresh one per
// call; the fetcher never mutates it.
type Request struct {
	URL    string
	Params url.Values

	// CheckBody enables the validation and no-match marker scan of 200
	// responses. Set for browse queries, not for documents.
	CheckBody bool
}

// NewRequest describes a plain document or index download.
func NewRequest(rawURL string, params url.Values) Request {
	return Request{URL: rawURL, Params: cloneValues(params)}
}

// NewQuery describes a browse query whose body is scanned for failure markers.
func NewQuery(rawURL string, params url.Values) Request {
	return Request{URL: rawURL, Params: cloneValues(params), CheckBody: true}
}

// String returns the full request URL.
func (r Request) String() string {
	if len(r.Params) == 0 {
		return r.URL
	}
	sep := "?"
	if strings.Contains(r.URL, "?") {
		sep = "&"
	}
	return r.URL + sep + r.Params.Encode()
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Fetcher issues rate-limited, retried GETs. It owns its token bucket; call
// Close when done.
type Fetcher struct {
	client    HTTPDoer
	userAgent string
	bucket    *infra.TokenBucket
	rate      float64
	retries   int
	pause     time.Duration
	factor    float64
	timeout   time.Duration
	log       *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithRateLimit sets the requests-per-second budget.
func WithRateLimit(perSecond float64) Option {
	return func(f *Fetcher) { f.rate = perSecond }
}

// WithBucket hands the fetcher an existing token bucket. The fetcher takes
// ownership and closes it in Close.
func WithBucket(tb *infra.TokenBucket) Option {
	return func(f *Fetcher) { f.bucket = tb }
}

// WithRetry sets the number of extra attempts, the pause before the first
// retry and the factor the pause grows by after each attempt. A factor of 1
// or less keeps the pause constant.
func WithRetry(retries int, pause time.Duration, factor float64) Option {
	return func(f *Fetcher) {
		f.retries = retries
		f.pause = pause
		f.factor = factor
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.log = l
		}
	}
}

// New creates a Fetcher and starts its token bucket.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		userAgent: edgar.DefaultUserAgent,
		rate:      edgar.DefaultRequestsPerSecond,
		retries:   3,
		pause:     500 * time.Millisecond,
		factor:    2,
		timeout:   30 * time.Second,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	}
	if f.bucket == nil {
		f.bucket = infra.NewTokenBucket(f.rate)
	}
	f.log = f.log.Named("fetch")
	return f
}

// Close stops the token bucket's refill loop, waiting at most timeout.
func (f *Fetcher) Close(timeout time.Duration) error {
	if err := f.bucket.Close(timeout); err != nil {
		return fmt.Errorf("close fetcher: %w", err)
	}
	return nil
}

// Get returns the body of req.
func (f *Fetcher) Get(ctx context.Context, req Request) ([]byte, error) {
	var body []byte
	err := f.retry(ctx, req, func(resp *http.Response) error {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &TransportError{URL: req.String(), Err: fmt.Errorf("read body: %w", err)}
		}
		if req.CheckBody {
			if err := checkMarkers(req.String(), resp.StatusCode, data); err != nil {
				return backoff.Permanent(err)
			}
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Download streams task.URL to task.Path. The file appears at its
// destination only once fully written.
func (f *Fetcher) Download(ctx context.Context, task models.DownloadTask) (int64, error) {
	req := NewRequest(task.URL, nil)
	var n int64
	err := f.retry(ctx, req, func(resp *http.Response) error {
		written, err := infra.WriteFileAtomic(task.Path, resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &TransportError{URL: task.URL, Err: err}
		}
		n = written
		return nil
	})
	if err != nil {
		return 0, err
	}
	f.log.Debug("downloaded",
		zap.String("url", task.URL),
		zap.String("path", task.Path),
		zap.String("size", humanize.Bytes(uint64(n))),
	)
	return n, nil
}

// FetchBatch downloads every task concurrently. Concurrency is bounded only
// by the shared token budget. The first failure cancels the remaining tasks
// and is returned.
func (f *Fetcher) FetchBatch(ctx context.Context, tasks []models.DownloadTask) error {
	if len(tasks) == 0 {
		return nil
	}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	sizes := make([]int64, len(tasks))
	for i, task := range tasks {
		g.Go(func() error {
			n, err := f.Download(gctx, task)
			if err != nil {
				return fmt.Errorf("download %s: %w", task.URL, err)
			}
			sizes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var total int64
	for _, n := range sizes {
		total += n
	}
	f.log.Info("batch complete",
		zap.Int("files", len(tasks)),
		zap.String("bytes", humanize.Bytes(uint64(total))),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// retry runs one rate-limited GET per attempt and hands successful responses
// to handle. handle returns a retryable error, a backoff.Permanent error or nil.
func (f *Fetcher) retry(ctx context.Context, req Request, handle func(*http.Response) error) error {
	target := req.String()
	attempt := 0
	op := func() error {
		attempt++
		if err := f.bucket.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.do(ctx, target)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		return handle(resp)
	}
	notify := func(err error, wait time.Duration) {
		f.log.Warn("request failed, retrying",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, f.policy(ctx), notify)
}

// policy returns the retry schedule for one call.
func (f *Fetcher) policy(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if f.factor > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = f.pause
		eb.Multiplier = f.factor
		eb.RandomizationFactor = 0
		eb.MaxInterval = time.Hour
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(f.pause)
	}
	retries := f.retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// do issues the GET and maps failing responses to typed errors. On success the
// caller owns resp.Body.
func (f *Fetcher) do(ctx context.Context, target string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &QueryError{URL: target, Kind: KindStatus, Message: err.Error()}
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{URL: target, Err: err}
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}

	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		bytes.Contains(snippet, []byte(edgar.MarkerTooManyRequest)):
		return nil, &QueryError{URL: target, StatusCode: resp.StatusCode, Kind: KindRateLimited}
	case resp.StatusCode >= 500:
		return nil, &TransportError{URL: target, StatusCode: resp.StatusCode}
	default:
		return nil, &QueryError{
			URL:        target,
			StatusCode: resp.StatusCode,
			Kind:       KindStatus,
			Message:    truncate(strings.TrimSpace(string(snippet)), 200),
		}
	}
}

// checkMarkers scans a successful browse response for failure markers.
func checkMarkers(target string, status int, body []byte) error {
	if bytes.Contains(body, []byte(edgar.MarkerInvalidValue)) {
		return &QueryError{URL: target, StatusCode: status, Kind: KindInvalidValue, Message: edgar.MarkerInvalidValue}
	}
	for _, m := range edgar.NoMatchMarkers {
		if bytes.Contains(body, []byte(m)) {
			return &QueryError{URL: target, StatusCode: status, Kind: KindNoMatches, Message: m}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
