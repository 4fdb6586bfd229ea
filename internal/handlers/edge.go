package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mini-cloud/edge/internal/proxy"
	"github.com/mini-cloud/edge/internal/routing"
)

// PlatformRule is the name of the rule that keeps reserved hosts on the
// platform.
const PlatformRule = "platform-host"

// NewEdgeTable builds the ordered routing table in front of everything:
// reserved hosts go to the platform, hosts naming a running app go to that
// app, and everything else falls through to the platform.
func NewEdgeTable(platform http.Handler, resolver *routing.Resolver, forwarder *proxy.Forwarder, logger *slog.Logger) *routing.Table {
	return routing.NewTable(platform,
		routing.HostRule(PlatformRule, resolver, platform),
		proxy.AppRule(resolver, forwarder, logger),
	)
}

// NewEdgeHandler wraps the edge table with request ids, client address
// rewriting, access logging and panic recovery.
func NewEdgeHandler(platform http.Handler, resolver *routing.Resolver, forwarder *proxy.Forwarder, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	var h http.Handler = NewEdgeTable(platform, resolver, forwarder, logger)
	h = middleware.Recoverer(h)
	h = requestLogger(logger.With("component", "http"))(h)
	h = middleware.RealIP(h)
	h = middleware.RequestID(h)
	return h
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"host", r.Host,
					"path", r.URL.Path,
					"remote", r.RemoteAddr,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
