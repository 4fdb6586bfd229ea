package proxy

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mini-cloud/edge/internal/routing"
)

// AppRule routes requests whose host resolves to a running app to that app's
// backend. Every resolution failure, registry outages included, is a
// non-match so the request falls through to the platform.
func AppRule(resolver *routing.Resolver, forwarder *Forwarder, logger *slog.Logger) routing.Rule {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy")

	return routing.Rule{
		Name: "app",
		Match: func(r *http.Request) (http.Handler, bool) {
			record, err := resolver.Resolve(r.Context(), r.Host)
			if err != nil {
				switch {
				case errors.Is(err, routing.ErrNoSubdomain),
					errors.Is(err, routing.ErrReserved),
					errors.Is(err, routing.ErrNoMatch):
				case errors.Is(err, routing.ErrNotRunning):
					logger.Debug("App not running, falling through", "host", r.Host, "error", err)
				default:
					logger.Warn("App resolution failed, falling through", "host", r.Host, "error", err)
				}
				return nil, false
			}

			target, err := ParseTarget(record.BackendAddress)
			if err != nil {
				logger.Warn("App has no usable backend address", "app_id", record.ID, "error", err)
				return nil, false
			}

			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				forwarder.Forward(w, r, target)
			}), true
		},
	}
}
