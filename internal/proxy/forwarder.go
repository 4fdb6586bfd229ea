// Package proxy forwards app traffic, including WebSocket upgrades, to the
// backend container picked by the routing resolver.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/mini-cloud/edge/internal/models"
)

type Forwarder struct {
	transport http.RoundTripper
	logger    *slog.Logger
}

func NewForwarder(logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Forwarder{transport: transport, logger: logger.With("component", "proxy")}
}

// ParseTarget turns a backend address into a URL, assuming http when the
// address carries no scheme.
func ParseTarget(address string) (*url.URL, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("empty backend address")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	target, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid backend address %q: %w", address, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("backend address %q has no host", address)
	}
	return target, nil
}

// Forward proxies r to target. The target's scheme, host and port replace the
// request's; method, path, query, body and headers (Authorization included)
// pass through. Upgrade requests are switched to a bidirectional stream that
// lives until either side closes.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target *url.URL) {
	started := time.Now()
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
		},
		Transport:     f.transport,
		FlushInterval: -1,
		ErrorHandler:  f.errorHandler(target),
	}
	rp.ServeHTTP(w, r)

	f.logger.Debug("Forwarded request",
		"host", r.Host,
		"method", r.Method,
		"path", r.URL.Path,
		"target", target.Host,
		"upgrade", r.Header.Get("Upgrade"),
		"duration", time.Since(started),
	)
}

func (f *Forwarder) errorHandler(target *url.URL) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(r.Context().Err(), context.Canceled) {
			f.logger.Debug("Client went away during proxying", "host", r.Host, "target", target.Host)
			return
		}
		f.logger.Warn("Backend unreachable", "host", r.Host, "target", target.Host, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(models.ErrorResponse{
			Error: "Bad gateway",
			Code:  http.StatusText(http.StatusBadGateway),
		})
	}
}
