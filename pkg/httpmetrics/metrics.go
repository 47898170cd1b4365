/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package httpmetrics instruments inbound handlers and outbound transports
// with Prometheus metrics and OpenTelemetry traces.
package httpmetrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/compute/metadata"
	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
)

const (
	// GitHubEventHeader names the webhook event type.
	GitHubEventHeader = "X-GitHub-Event"
	// CeTypeHeader names the CloudEvent type in binary mode.
	CeTypeHeader = "Ce-Type"
)

// ServeMetrics serves /metrics, and /debug/pprof when enabled, on port until
// ctx is cancelled.
func ServeMetrics(ctx context.Context, port int, enablePprof bool) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return Serve(ctx, srv)
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving %s: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			clog.ErrorContextf(ctx, "Shutting down %s: %v", srv.Addr, err)
		}
		return nil
	}
}

var (
	inFlightGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "A gauge of requests currently being served by the wrapped handler.",
		},
		[]string{"handler"},
	)
	duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"handler", "method"},
	)
	counter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_status",
			Help: "The number of processed requests by response code and event type.",
		},
		[]string{"handler", "method", "code", "event"},
	)
)

// Handler wraps a given http handler in standard metrics handlers.
func Handler(name string, handler http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerInFlight(
		inFlightGauge.With(labels),
		promhttp.InstrumentHandlerDuration(
			duration.MustCurryWith(labels),
			instrumentHandlerCounter(
				counter.MustCurryWith(labels),
				otelhttp.NewHandler(handler, name),
			),
		),
	)
}

// SetupTracer installs the global tracer provider. Spans go to Cloud Trace
// when running on GCP without an OTLP endpoint, and to the OTLP/HTTP
// exporter configured by the standard OTEL_* environment otherwise.
//
// Expected usage:
//
//	defer httpmetrics.SetupTracer(ctx)()
func SetupTracer(ctx context.Context) func() {
	var projectID string
	if metadata.OnGCE() {
		projectID, _ = metadata.ProjectIDWithContext(ctx)
	}

	var options []trace.TracerProviderOption
	if os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" && projectID != "" {
		options = tracerOptionsGCP(ctx, projectID)
	} else {
		options = tracerOptions(ctx)
	}
	tp := trace.NewTracerProvider(options...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			clog.ErrorContextf(ctx, "Error shutting down tracer provider: %v", err)
		}
	}
}

func tracerOptionsGCP(ctx context.Context, projectID string) []trace.TracerProviderOption {
	exporter, err := texporter.New(
		texporter.WithProjectID(projectID),
		// Trace uploads must not trace themselves.
		texporter.WithTraceClientOptions([]option.ClientOption{option.WithTelemetryDisabled()}),
	)
	if err != nil {
		clog.FatalContextf(ctx, "tracerOptionsGCP() = %v", err)
	}
	res, err := resource.New(ctx,
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		clog.FatalContextf(ctx, "tracerOptionsGCP() = %v", err)
	}
	return []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithBatcher(exporter),
	}
}

func tracerOptions(ctx context.Context) []trace.TracerProviderOption {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "tracerOptions() = %v", err)
	}
	return []trace.TracerProviderOption{
		trace.WithResource(resource.Default()),
		trace.WithBatcher(exporter),
	}
}

type delegator struct {
	http.ResponseWriter
	Status int
}

func (d *delegator) WriteHeader(status int) {
	d.Status = status
	d.ResponseWriter.WriteHeader(status)
}

func eventType(r *http.Request) string {
	if e := r.Header.Get(GitHubEventHeader); e != "" {
		return e
	}
	return r.Header.Get(CeTypeHeader)
}

func instrumentHandlerCounter(counter *prometheus.CounterVec, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := &delegator{
			ResponseWriter: w,
			Status:         http.StatusOK,
		}

		next.ServeHTTP(d, r)
		counter.With(prometheus.Labels{
			"method": r.Method,
			"code":   strconv.Itoa(d.Status),
			"event":  eventType(r),
		}).Inc()
	}
}
