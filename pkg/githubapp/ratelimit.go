/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubapp

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// GitHub rate limit headers, in Go canonical form.
// https://docs.github.com/en/rest/using-the-rest-api/rate-limits-for-the-rest-api#checking-the-status-of-your-rate-limit
const (
	HeaderRetryAfter          = "Retry-After"
	HeaderXRateLimitReset     = "X-Ratelimit-Reset"
	HeaderXRateLimitRemaining = "X-Ratelimit-Remaining"
)

const (
	defaultRetryAfter = time.Minute
	maxRateLimitRetry = 3
)

// RateLimitTransport paces GitHub requests and, when GitHub reports that a
// rate limit was hit, holds every request until the limit resets.
type RateLimitTransport struct {
	base    http.RoundTripper
	clock   clockwork.Clock
	limiter *rate.Limiter

	mu      sync.Mutex
	until   time.Time
	resumed chan struct{}
}

// NewRateLimitTransport wraps base. qps bounds the steady request rate; zero
// or less means unbounded.
func NewRateLimitTransport(base http.RoundTripper, qps float64, clock clockwork.Clock) *RateLimitTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	limit, burst := rate.Inf, 100
	if qps > 0 {
		limit, burst = rate.Limit(qps), max(1, int(qps))
	}
	return &RateLimitTransport{
		base:    base,
		clock:   clock,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (t *RateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if err := t.wait(ctx); err != nil {
			return nil, err
		}

		r := req
		if attempt > 0 {
			r = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				r.Body = body
			}
		}
		resp, err := t.base.RoundTrip(r)
		if err != nil {
			return resp, err
		}

		pause, limited := t.retryAfter(ctx, resp)
		if !limited {
			return resp, nil
		}
		t.pauseFor(pause)
		if attempt+1 >= maxRateLimitRetry || (req.Body != nil && req.GetBody == nil) {
			return resp, nil
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// retryAfter reports whether resp signals a rate limit and how long to hold
// requests if so.
// https://docs.github.com/en/rest/using-the-rest-api/rate-limits-for-the-rest-api#exceeding-the-rate-limit
func (t *RateLimitTransport) retryAfter(ctx context.Context, resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	log := clog.FromContext(ctx)

	if v := resp.Header.Get(HeaderRetryAfter); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			log.With("retry_after", seconds).Warn("GitHub rate limit hit, pausing requests")
			return time.Duration(seconds) * time.Second, true
		}
		log.Warnf("Failed to parse %s header %q", HeaderRetryAfter, v)
	}

	remaining := resp.Header.Get(HeaderXRateLimitRemaining)
	if remaining == "0" {
		if v := resp.Header.Get(HeaderXRateLimitReset); v != "" {
			seconds, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				reset := time.Unix(seconds, 0)
				if d := reset.Sub(t.clock.Now()); d > 0 {
					log.With("reset_at", reset).Warn("GitHub rate limit exhausted, pausing until reset")
					return d, true
				}
			} else {
				log.Warnf("Failed to parse %s header %q", HeaderXRateLimitReset, v)
			}
		}
	} else if resp.StatusCode == http.StatusForbidden {
		// A plain 403 without an exhausted budget is a permission error.
		return 0, false
	}

	log.With("retry_after", defaultRetryAfter).Warn("GitHub rate limit hit without reset headers")
	return defaultRetryAfter, true
}

func (t *RateLimitTransport) wait(ctx context.Context) error {
	t.mu.Lock()
	resumed := t.resumed
	t.mu.Unlock()

	if resumed != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		}
	}
	return t.limiter.Wait(ctx)
}

// pauseFor holds requests for d, extending any shorter pause in effect.
func (t *RateLimitTransport) pauseFor(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	until := t.clock.Now().Add(d)
	if !until.After(t.until) {
		return
	}
	t.until = until
	if t.resumed == nil {
		t.resumed = make(chan struct{})
	}
	ch := t.resumed
	timer := t.clock.NewTimer(d)
	go func() {
		<-timer.Chan()
		t.mu.Lock()
		defer t.mu.Unlock()
		// A later, longer pause owns the channel now.
		if t.resumed == ch && !t.clock.Now().Before(t.until) {
			close(ch)
			t.resumed = nil
			t.until = time.Time{}
		}
	}()
}
