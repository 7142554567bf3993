// Package proxy implements the gateway's request path: classify the request
// by route prefix, pick the next target of the owning service, rewrite the
// request for that target and stream the backend's response back.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/service-gateway/internal/apierror"
	"github.com/dskow/service-gateway/internal/balancer"
	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/metrics"
	"github.com/dskow/service-gateway/internal/middleware"
	"github.com/dskow/service-gateway/internal/registry"
	"github.com/dskow/service-gateway/internal/routing"
)

// Failure classes surfaced by the forwarder. They are wrapped with request
// detail and matched with errors.Is.
var (
	ErrRouteNotFound      = errors.New("route not found")
	ErrNoBackend          = errors.New("no backend available")
	ErrBackendUnreachable = errors.New("backend unreachable")
)

// Options tunes forwarding behaviour shared by all services.
type Options struct {
	// ForwardedHeaders appends X-Forwarded-For/Host/Proto to outbound
	// requests. When false, inbound forwarding headers pass through untouched.
	ForwardedHeaders bool
	// FlushInterval is passed to httputil.ReverseProxy. Negative flushes
	// after every write.
	FlushInterval time.Duration
}

// OptionsFromConfig extracts forwarding options from the server config.
func OptionsFromConfig(s config.ServerConfig) Options {
	return Options{ForwardedHeaders: s.ForwardedHeaders, FlushInterval: s.FlushInterval}
}

// Forwarder routes requests to registered services. It is safe for
// concurrent use; the only shared mutable state is each service's pool.
type Forwarder struct {
	registry *registry.Registry
	proxies  map[string]*httputil.ReverseProxy
	failLogs map[string]*rate.Sometimes
	opts     Options
	logger   *slog.Logger
}

// selection is the per-request routing decision carried to Rewrite and
// ErrorHandler through the request context.
type selection struct {
	service *registry.Service
	target  balancer.Target
}

type selectionKey struct{}

func withSelection(ctx context.Context, sel *selection) context.Context {
	return context.WithValue(ctx, selectionKey{}, sel)
}

func selectionFrom(ctx context.Context) *selection {
	sel, _ := ctx.Value(selectionKey{}).(*selection)
	return sel
}

// New builds a Forwarder with one reverse proxy and transport per service.
func New(reg *registry.Registry, opts Options, logger *slog.Logger) *Forwarder {
	f := &Forwarder{
		registry: reg,
		proxies:  make(map[string]*httputil.ReverseProxy),
		failLogs: make(map[string]*rate.Sometimes),
		opts:     opts,
		logger:   logger,
	}

	for _, svc := range reg.Services() {
		f.proxies[svc.Name] = &httputil.ReverseProxy{
			Rewrite:       f.rewrite,
			Transport:     newTransport(svc),
			FlushInterval: opts.FlushInterval,
			ErrorHandler:  f.handleError,
			ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		for _, t := range svc.Pool.Targets() {
			f.failLogs[failKey(svc.Name, t)] = &rate.Sometimes{First: 3, Interval: 10 * time.Second}
		}
		metrics.ServiceTargets.WithLabelValues(svc.Name).Set(float64(svc.Pool.Len()))
	}

	return f
}

func failKey(service string, t balancer.Target) string {
	return service + "|" + t.String()
}

// newTransport returns an HTTP/1.1 transport for one service. The service
// timeout bounds dialing and waiting for response headers; streaming the
// body afterwards is not time-limited.
func newTransport(svc *registry.Service) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   svc.Timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.ResponseHeaderTimeout = svc.Timeout
	t.ForceAttemptHTTP2 = false
	t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}

	if cp := svc.Config.ConnectionPool; cp != nil {
		if cp.MaxIdleConns > 0 {
			t.MaxIdleConns = cp.MaxIdleConns
		}
		if cp.MaxIdlePerHost > 0 {
			t.MaxIdleConnsPerHost = cp.MaxIdlePerHost
		}
		if cp.IdleTimeout > 0 {
			t.IdleConnTimeout = cp.IdleTimeout
		}
	}
	return t
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Match on the escaped form so an encoded slash never crosses a
	// prefix boundary.
	svc, ok := f.registry.Match(r.URL.EscapedPath())
	if !ok {
		metrics.RouteMisses.Inc()
		apierror.NotFound(w, r)
		return
	}

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	defer func() {
		metrics.RequestsTotal.WithLabelValues(svc.Name, r.Method, strconv.Itoa(rec.statusCode)).Inc()
		metrics.RequestDuration.WithLabelValues(svc.Name, r.Method).Observe(time.Since(start).Seconds())
	}()

	target, ok := svc.Pool.Next()
	if !ok {
		middleware.SetRoute(r.Context(), svc.Name, "")
		metrics.NoBackendTotal.WithLabelValues(svc.Name).Inc()
		err := fmt.Errorf("%w for service %s", ErrNoBackend, svc.Name)
		f.logger.Warn("no target available", "service", svc.Name, "path", r.URL.Path, "error", err)
		apierror.Unavailable(rec, r, apierror.NoBackend, "no target available for service "+svc.Name)
		return
	}

	middleware.SetRoute(r.Context(), svc.Name, target.String())
	metrics.TargetSelections.WithLabelValues(svc.Name, target.String()).Inc()
	f.logger.Debug("forwarding request",
		"service", svc.Name,
		"target", target.String(),
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetRequestID(r.Context()),
	)

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	ctx := withSelection(r.Context(), &selection{service: svc, target: target})
	f.proxies[svc.Name].ServeHTTP(rec, r.WithContext(ctx))
}

// rewrite points the outbound request at the selected target: the matched
// prefix is stripped, the query kept verbatim and Host set to the target's.
func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	sel := selectionFrom(pr.In.Context())
	base := sel.target.URL()

	path, rawPath := rewritePath(pr.In.URL.Path, pr.In.URL.RawPath, sel.service.Prefix)

	out := pr.Out
	out.URL.Scheme = base.Scheme
	out.URL.Host = base.Host
	out.URL.Path = base.Path + path
	out.URL.RawPath = ""
	if rawPath != "" {
		out.URL.RawPath = base.EscapedPath() + rawPath
	}
	out.URL.RawQuery = pr.In.URL.RawQuery
	out.Host = ""

	// Rewrite strips inbound forwarding headers from Out; put them back so
	// they reach the backend unchanged, or extend them when enabled.
	for _, h := range forwardingHeaders {
		if v, ok := pr.In.Header[h]; ok {
			out.Header[h] = v
		}
	}
	if f.opts.ForwardedHeaders {
		// Appends to the X-Forwarded-For chain copied above and replaces
		// X-Forwarded-Host and X-Forwarded-Proto.
		pr.SetXForwarded()
	}
}

var forwardingHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// rewritePath strips prefix from the decoded path and, when the inbound URL
// carries a distinct escaped form, from that too. An escaped form that does
// not start with the prefix is dropped and net/url re-encodes the path.
func rewritePath(path, rawPath, prefix string) (string, string) {
	stripped := routing.StripPrefix(path, prefix)
	if rawPath == "" || !routing.MatchesPrefix(rawPath, prefix) {
		return stripped, ""
	}
	return stripped, routing.StripPrefix(rawPath, prefix)
}

// handleError translates a failed backend exchange into the 503 envelope.
// Once any part of the response has reached the client the connection is
// aborted instead.
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	sel := selectionFrom(r.Context())
	service, target := "unknown", "unknown"
	if sel != nil {
		service, target = sel.service.Name, sel.target.String()
	}

	reason := classify(r, err)
	metrics.BackendErrors.WithLabelValues(service, target, reason).Inc()

	if reason == reasonCanceled {
		f.logger.Debug("client went away before backend responded",
			"service", service, "target", target, "path", r.URL.Path, "error", err)
		panic(http.ErrAbortHandler)
	}

	if sel != nil {
		if s := f.failLogs[failKey(service, sel.target)]; s != nil {
			s.Do(func() {
				f.logger.Warn("backend request failed",
					"service", service,
					"target", target,
					"reason", reason,
					"path", r.URL.Path,
					"request_id", middleware.GetRequestID(r.Context()),
					"error", err,
				)
			})
		}
	}

	if rec, ok := w.(*responseRecorder); ok && rec.written {
		panic(http.ErrAbortHandler)
	}

	switch reason {
	case reasonBodyTooLarge:
		apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.MsgBodyTooLarge, apierror.BodyTooLarge,
			"request body exceeds maximum allowed size")
	case reasonTimeout:
		apierror.Unavailable(w, r, apierror.BackendTimeout, fmt.Errorf("%w: %w", ErrBackendUnreachable, err).Error())
	default:
		apierror.Unavailable(w, r, apierror.BackendUnreachable, fmt.Errorf("%w: %w", ErrBackendUnreachable, err).Error())
	}
}

const (
	reasonCanceled     = "canceled"
	reasonTimeout      = "timeout"
	reasonBodyTooLarge = "body_too_large"
	reasonUnreachable  = "unreachable"
)

func classify(r *http.Request, err error) string {
	var maxBytes *http.MaxBytesError
	var netErr net.Error
	switch {
	case errors.As(err, &maxBytes):
		return reasonBodyTooLarge
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		return reasonCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return reasonTimeout
	default:
		return reasonUnreachable
	}
}

// responseRecorder captures the status code and whether the response has
// started, so a late failure is never answered with a second envelope.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written && code >= 200 {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing streamed responses.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
