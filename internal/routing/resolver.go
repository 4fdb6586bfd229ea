// Package routing decides whether an inbound request addresses a deployed
// application, and dispatches requests through an ordered list of rules.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/mini-cloud/edge/internal/models"
)

// Resolution failures. None of them is an error for the request: callers
// fall through to the next handler.
var (
	ErrNoSubdomain = errors.New("host has no subdomain label")
	ErrReserved    = errors.New("host label is reserved for the platform")
	ErrNoMatch     = errors.New("no app matches host label")
	ErrNotRunning  = errors.New("matching app is not running")
)

// DefaultReserved are the labels served by the platform itself.
var DefaultReserved = []string{"www", "dashboard", "platform"}

// AppLister is the slice of the registry client the resolver needs.
type AppLister interface {
	ListApps(ctx context.Context) ([]models.AppRecord, error)
}

type Resolver struct {
	apps     AppLister
	reserved map[string]struct{}
	logger   *slog.Logger
}

func NewResolver(apps AppLister, reserved []string, logger *slog.Logger) *Resolver {
	if reserved == nil {
		reserved = DefaultReserved
	}
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(reserved))
	for _, label := range reserved {
		set[strings.ToLower(label)] = struct{}{}
	}
	return &Resolver{apps: apps, reserved: set, logger: logger.With("component", "routing")}
}

// Label returns the leftmost DNS label of host, lower-cased and without port.
// IP literals and single-label hosts such as "localhost" have no subdomain
// and yield "".
func Label(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	label, _, found := strings.Cut(host, ".")
	if !found {
		return ""
	}
	return strings.ToLower(label)
}

// Reserved reports whether host's leftmost label belongs to the platform.
func (r *Resolver) Reserved(host string) bool {
	_, ok := r.reserved[Label(host)]
	return ok
}

// Resolve returns the running app addressed by host. The app set is fetched
// fresh on every call; nothing is cached.
func (r *Resolver) Resolve(ctx context.Context, host string) (models.AppRecord, error) {
	label := Label(host)
	if label == "" {
		return models.AppRecord{}, ErrNoSubdomain
	}
	if _, ok := r.reserved[label]; ok {
		return models.AppRecord{}, ErrReserved
	}

	records, err := r.apps.ListApps(ctx)
	if err != nil {
		return models.AppRecord{}, fmt.Errorf("failed to list apps: %w", err)
	}

	var matches []models.AppRecord
	for _, record := range records {
		if Label(record.Hostname) == label {
			matches = append(matches, record)
		}
	}
	if len(matches) == 0 {
		return models.AppRecord{}, ErrNoMatch
	}
	if len(matches) > 1 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		r.logger.Warn("Multiple apps share a host label, using the first", "label", label, "app_ids", ids)
	}

	chosen := matches[0]
	switch chosen.Status {
	case models.StatusRunning:
		return chosen, nil
	case models.StatusStopped, models.StatusBuilding, models.StatusFailed:
		return models.AppRecord{}, fmt.Errorf("%w: %s is %s", ErrNotRunning, chosen.ID, chosen.Status)
	}
	return models.AppRecord{}, fmt.Errorf("%w: %s has status %s", ErrNotRunning, chosen.ID, chosen.Status)
}
