package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/buyve/rpcgate/pkg/endpoints"
)

// Default configuration values.
const (
	// DefaultMaxRetries bounds retries after the initial attempt.
	DefaultMaxRetries = 3

	// DefaultCallTimeout is the per-call HTTP timeout.
	DefaultCallTimeout = 10 * time.Second

	// DefaultBackoffBase is the initial retry delay.
	DefaultBackoffBase = 250 * time.Millisecond

	// DefaultBackoffCap caps the exponential retry delay.
	DefaultBackoffCap = 4 * time.Second

	// maxResponseSize bounds how much of an endpoint response is read.
	maxResponseSize = 10 * 1024 * 1024 // 10MB
)

// Config holds dispatcher configuration.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// CallTimeout bounds each individual HTTP call.
	CallTimeout time.Duration

	// BackoffBase is the initial delay between retries.
	BackoffBase time.Duration

	// BackoffCap is the maximum delay between retries.
	BackoffCap time.Duration

	// UserAgent identifies the gateway on outbound requests.
	UserAgent string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  DefaultMaxRetries,
		CallTimeout: DefaultCallTimeout,
		BackoffBase: DefaultBackoffBase,
		BackoffCap:  DefaultBackoffCap,
		UserAgent:   "rpcgate/" + Version,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaults.CallTimeout
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = defaults.BackoffCap
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	return c
}

// Version is the gateway version reported on outbound headers.
var Version = "0.1.0"

// CounterSnapshot is a point-in-time copy of the request counters.
type CounterSnapshot struct {
	Total     uint64 `json:"total"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

// Dispatcher performs JSON-RPC calls against whichever endpoint the
// selector picks, rotating on failure.
type Dispatcher struct {
	config   Config
	selector *endpoints.Selector
	client   *http.Client
	logger   *zap.Logger

	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

// New creates a dispatcher over selector.
func New(selector *endpoints.Selector, config Config, logger *zap.Logger) *Dispatcher {
	config = config.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		config:   config,
		selector: selector,
		client: &http.Client{
			Timeout: config.CallTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				// Content negotiation is handled below; the transport
				// must not inject its own Accept-Encoding.
				DisableCompression: true,
			},
		},
		logger: logger,
	}
}

// Counters returns the cumulative request counters.
func (d *Dispatcher) Counters() CounterSnapshot {
	return CounterSnapshot{
		Total:     d.total.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Retried:   d.retried.Load(),
	}
}

// Selector returns the selector backing this dispatcher.
func (d *Dispatcher) Selector() *endpoints.Selector {
	return d.selector
}

// Dispatch sends req to a healthy endpoint and returns the response
// envelope. Transport and provider failures blacklist the endpoint and
// rotate to the next one, up to MaxRetries retries with capped
// exponential backoff. Application-level RPC errors are returned in the
// envelope untouched. When every endpoint is blacklisted the call fails
// fast with an ExhaustionError and no network traffic.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	d.total.Add(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.config.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = d.config.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			d.failed.Add(1)
			return nil, err
		}

		var url string
		var ok bool
		if attempt == 0 {
			url, ok = d.selector.Preferred()
		} else {
			// Retries re-scan from the cursor, never reusing the sticky
			// endpoint that just failed.
			url, ok = d.selector.Next()
		}
		if !ok {
			d.failed.Add(1)
			return nil, &ExhaustionError{Snapshot: d.selector.Blacklist().Snapshot()}
		}

		// The first retry goes out immediately; later ones back off.
		if attempt >= 2 {
			select {
			case <-ctx.Done():
				d.failed.Add(1)
				return nil, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		resp, err := d.call(ctx, url, req)
		if err != nil {
			ft := d.selector.MarkFailure(url, err)
			d.logger.Warn("endpoint call failed",
				zap.String("endpoint", url),
				zap.String("method", req.Method),
				zap.String("failureType", string(ft)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			lastErr = err
			d.retried.Add(1)
			continue
		}

		if resp.Error != nil && providerFault(resp.Error) {
			ft := d.selector.MarkFailure(url, resp.Error)
			d.logger.Warn("endpoint returned provider fault",
				zap.String("endpoint", url),
				zap.String("failureType", string(ft)),
				zap.Int("code", resp.Error.Code),
				zap.Int("attempt", attempt))
			lastErr = resp.Error
			d.retried.Add(1)
			continue
		}

		d.selector.MarkSuccess(url)
		d.succeeded.Add(1)
		resp.Endpoint = url
		return resp, nil
	}

	d.failed.Add(1)
	return nil, fmt.Errorf("%w after %d attempts: %v",
		ErrRetriesExhausted, d.config.MaxRetries+1, lastErr)
}

// call performs a single HTTP JSON-RPC exchange with url.
func (d *Dispatcher) call(ctx context.Context, url string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", d.config.UserAgent)
	httpReq.Header.Set("Accept-Encoding", "gzip, zstd")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := readBody(httpResp)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &endpoints.HTTPStatusError{
			StatusCode: httpResp.StatusCode,
			Body:       truncate(string(respBody), 256),
		}
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// readBody reads the response body, decompressing per Content-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		reader = zr
	}

	return io.ReadAll(io.LimitReader(reader, maxResponseSize))
}

// truncate shortens s for inclusion in error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
