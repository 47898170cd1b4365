/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	mReqCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_client_request_count",
			Help: "The total number of HTTP requests",
		},
		[]string{"code", "method", "host", "path"},
	)
	mReqInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_client_request_in_flight",
			Help: "The number of outgoing HTTP requests currently inflight",
		},
		[]string{"method", "host", "path"},
	)
	mReqDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_request_duration_seconds",
			Help:    "The duration of HTTP requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"code", "method", "host", "path"},
	)
)

var (
	bucketsMu = sync.RWMutex{}
	buckets   = map[string]string{
		"api.github.com": githubAPIBucket,
		"github.com":     "github",
	}
)

const githubAPIBucket = "github-api"

// SetGitHubAPIHost registers an additional host, e.g. a GitHub Enterprise
// Server, whose requests are bucketed as GitHub API calls.
func SetGitHubAPIHost(host string) {
	bucketsMu.Lock()
	defer bucketsMu.Unlock()
	buckets[host] = githubAPIBucket
}

func bucketize(host string) string {
	bucketsMu.RLock()
	defer bucketsMu.RUnlock()
	if b, ok := buckets[host]; ok {
		return b
	}
	return "other"
}

// WrapTransport wraps an http.RoundTripper with instrumentation.
func WrapTransport(t http.RoundTripper) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	return instrumentRoundTripper(
		instrumentGitHubRateLimits(
			otelhttp.NewTransport(t)))
}

func mapErrorToLabel(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context canceled"):
		return "context-canceled"
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "i/o timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection-refused"
	case strings.Contains(msg, "TLS handshake"):
		return "tls-handshake-error"
	case strings.Contains(msg, "unexpected EOF"):
		return "unexpected-eof"
	default:
		return "unknown-error"
	}
}

func instrumentRoundTripper(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		host := bucketize(r.URL.Host)
		path := ""
		if host == githubAPIBucket {
			path = bucketizePath(r.URL.Path)
		}

		g := mReqInFlight.With(prometheus.Labels{"method": r.Method, "host": host, "path": path})
		g.Inc()
		defer g.Dec()

		start := time.Now()
		resp, err := next.RoundTrip(r)
		code := ""
		if err != nil {
			code = mapErrorToLabel(err)
		} else {
			code = fmt.Sprintf("%d", resp.StatusCode)
			mReqDuration.With(prometheus.Labels{
				"code":   code,
				"method": r.Method,
				"host":   host,
				"path":   path,
			}).Observe(time.Since(start).Seconds())
		}
		mReqCount.With(prometheus.Labels{
			"code":   code,
			"method": r.Method,
			"host":   host,
			"path":   path,
		}).Inc()
		return resp, err
	}
}

var (
	mGitHubRateLimitRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "github_rate_limit_remaining",
			Help: "The number of requests remaining in the current rate limit window",
		},
		[]string{"resource"},
	)
	mGitHubRateLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "github_rate_limit",
			Help: "The number of requests allowed during the rate limit window",
		},
		[]string{"resource"},
	)
	mGitHubRateLimitReset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "github_rate_limit_reset",
			Help: "The timestamp at which the current rate limit window resets",
		},
		[]string{"resource"},
	)
)

// instrumentGitHubRateLimits records the rate limit headers GitHub returns.
// See https://docs.github.com/en/rest/using-the-rest-api/rate-limits-for-the-rest-api?apiVersion=2022-11-28
func instrumentGitHubRateLimits(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		resp, err := next.RoundTrip(r)
		if err != nil || bucketize(r.URL.Host) != githubAPIBucket {
			return resp, err
		}
		if resp.Header.Get("X-RateLimit-Limit") == "" {
			return resp, err
		}
		resource := resp.Header.Get("X-RateLimit-Resource")
		if resource == "" {
			resource = "unknown"
		}
		val := func(key string) float64 {
			i, err := strconv.ParseInt(resp.Header.Get(key), 10, 64)
			if err != nil {
				return 0
			}
			return float64(i)
		}
		labels := prometheus.Labels{"resource": resource}
		mGitHubRateLimitRemaining.With(labels).Set(val("X-RateLimit-Remaining"))
		mGitHubRateLimit.With(labels).Set(val("X-RateLimit-Limit"))
		mGitHubRateLimitReset.With(labels).Set(val("X-RateLimit-Reset"))
		return resp, err
	}
}
