// Package http implements the CDN transport: resumable pak transfers and
// build manifest fetches.
//
// Built on go-resty/resty with the pooled transport from
// hashicorp/go-retryablehttp. Retries are left to the download scheduler and
// the engine, so the client itself never retries. Every request waits on a
// shared rate limiter and carries an X-Request-ID, taken from the context
// when the call was made on behalf of an API request. Hosts that keep
// failing are skipped for a while; requests to them fail at once with
// status 0.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/paksync/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/tracing"
)

const (
	HeaderTransferID = "X-Transfer-ID"
	HeaderRequestID  = tracing.Header
)

// Options configures a Client.
type Options struct {
	// Timeout bounds a whole pak transfer. Zero means no limit.
	Timeout time.Duration
	// ManifestTimeout bounds one manifest fetch.
	ManifestTimeout time.Duration
	// RequestsPerSecond paces outbound requests. Zero or less disables pacing.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// HostFailures is how many consecutive failures open a host's breaker.
	// Zero or less disables the breaker.
	HostFailures int
	HostCooldown time.Duration
	// Now is the breaker's time source. Nil uses time.Now.
	Now func() time.Time
}

// DefaultOptions returns the settings used when none are given.
func DefaultOptions() Options {
	return Options{
		ManifestTimeout:   30 * time.Second,
		RequestsPerSecond: 20,
		Burst:             40,
		UserAgent:         "paksync/1.0",
		HostFailures:      5,
		HostCooldown:      30 * time.Second,
	}
}

// Client talks to CDN hosts.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	hosts   *resilience.Hosts
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. A nil logger disables logging.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ManifestTimeout <= 0 {
		opts.ManifestTimeout = DefaultOptions().ManifestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions().UserAgent
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	restyClient := resty.New().
		SetTransport(retryClient.HTTPClient.Transport).
		SetRetryCount(0).
		SetHeader("User-Agent", opts.UserAgent)
	if opts.Timeout > 0 {
		restyClient.SetTimeout(opts.Timeout)
	}

	logger = logger.Named("cdn")
	var hosts *resilience.Hosts
	if opts.HostFailures > 0 {
		hosts = resilience.NewHosts(resilience.Settings{
			FailureThreshold: uint32(opts.HostFailures),
			Cooldown:         opts.HostCooldown,
			Now:              opts.Now,
			OnStateChange: func(host string, from, to resilience.State) {
				logger.Info("CDN host state changed",
					zap.String("host", host),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		resty:   restyClient,
		limiter: newLimiter(opts.RequestsPerSecond, opts.Burst),
		hosts:   hosts,
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// SetRateLimit replaces the outbound pacing.
func (c *Client) SetRateLimit(rps float64, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter = newLimiter(rps, burst)
}

// request waits for the limiter and returns a request bound to ctx.
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	c.mu.Lock()
	limiter := c.limiter
	c.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}
	rid := tracing.FromContext(ctx)
	if rid == "" {
		rid = tracing.NewRequestID()
	}
	return c.resty.R().
		SetContext(ctx).
		SetHeader(HeaderRequestID, string(rid)), nil
}

// admit checks the breaker for rawURL's host. The returned func records the
// outcome: no response or a 5xx counts against the host.
func (c *Client) admit(rawURL string) (func(status int, err error), error) {
	if c.hosts == nil {
		return func(int, error) {}, nil
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	ticket, err := c.hosts.Allow(host)
	if err != nil {
		return nil, fmt.Errorf("skipping %s: %w", host, err)
	}
	return func(status int, err error) {
		if errors.Is(err, context.Canceled) {
			c.hosts.Release(ticket)
			return
		}
		c.hosts.Done(ticket, err == nil && status > 0 && status < 500)
	}, nil
}

// HostState reports the breaker state for host.
func (c *Client) HostState(host string) resilience.State {
	if c.hosts == nil {
		return resilience.StateClosed
	}
	return c.hosts.State(host)
}

// FetchManifest downloads url and returns its body and HTTP status. status
// is 0 when no response was received.
func (c *Client) FetchManifest(ctx context.Context, url string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ManifestTimeout)
	defer cancel()

	done, err := c.admit(url)
	if err != nil {
		return nil, 0, err
	}
	req, err := c.request(ctx)
	if err != nil {
		done(0, context.Canceled)
		return nil, 0, err
	}
	resp, err := req.
		SetHeader("Accept", "application/json").
		Get(url)
	if err != nil {
		done(0, err)
		c.logger.Warn("Manifest request failed", zap.String("url", url), zap.Error(err))
		return nil, 0, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	done(resp.StatusCode(), nil)

	c.logger.Debug("Manifest response",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode()),
		zap.Int("bytes", len(resp.Body())),
		zap.Duration("time", resp.Time()))
	return resp.Body(), resp.StatusCode(), nil
}

// Close cancels every running transfer and waits for them to exit.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}
