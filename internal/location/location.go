// Package location defines the device location provider consumed by the SOS
// flow and the best-effort acquisition chain built on top of it.
package location

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// DefaultMaxAge is the freshness allowance for the primary position fetch.
const DefaultMaxAge = 10 * time.Second

// Gating errors surfaced to the user as retryable prompts. None of them
// count as a cancellation.
var (
	ErrServicesDisabled = errors.New("location services are disabled")
	ErrPermissionDenied = errors.New("location permission was denied")
	ErrUnavailable      = errors.New("location is unavailable")
)

// Provider supplies best-effort device coordinates.
type Provider interface {
	// ServicesEnabled reports whether device location services are on.
	ServicesEnabled(ctx context.Context) (bool, error)

	// RequestPermission prompts for foreground location permission and
	// reports whether it was granted.
	RequestPermission(ctx context.Context) (bool, error)

	// PermissionStatus reports the already-granted state without prompting.
	PermissionStatus(ctx context.Context) (bool, error)

	// CurrentPosition fetches a fresh fix, accepting a cached one no older
	// than maxAge. Returns an error when no fix can be obtained in time.
	CurrentPosition(ctx context.Context, maxAge time.Duration) (*models.Location, error)

	// LastKnownPosition returns the most recent cached fix, or nil.
	LastKnownPosition(ctx context.Context) (*models.Location, error)
}

// Acquire runs the full acquisition chain for a verified submission:
// services check, permission prompt, fresh fix with a last-known fallback.
// The returned errors are the package sentinels, suitable for retry
// prompting.
func Acquire(ctx context.Context, p Provider) (*models.Location, error) {
	enabled, err := p.ServicesEnabled(ctx)
	if err != nil {
		slog.Warn("location: services check failed", "error", err)
		return nil, ErrUnavailable
	}
	if !enabled {
		return nil, ErrServicesDisabled
	}

	granted, err := p.RequestPermission(ctx)
	if err != nil {
		slog.Warn("location: permission request failed", "error", err)
		return nil, ErrUnavailable
	}
	if !granted {
		return nil, ErrPermissionDenied
	}

	loc, err := p.CurrentPosition(ctx, DefaultMaxAge)
	if err != nil {
		slog.Warn("location: primary fetch failed, falling back to last known", "error", err)
	}
	if loc == nil {
		loc, err = p.LastKnownPosition(ctx)
		if err != nil {
			slog.Warn("location: last known fetch failed", "error", err)
		}
	}
	if loc == nil {
		return nil, ErrUnavailable
	}
	return loc, nil
}

// BestEffortLastKnown returns a cached fix for the unverified path. It never
// prompts: only the already-granted permission state is consulted, and every
// failure simply yields nil.
func BestEffortLastKnown(ctx context.Context, p Provider) *models.Location {
	enabled, err := p.ServicesEnabled(ctx)
	if err != nil || !enabled {
		return nil
	}
	granted, err := p.PermissionStatus(ctx)
	if err != nil || !granted {
		return nil
	}
	loc, err := p.LastKnownPosition(ctx)
	if err != nil {
		slog.Warn("location: best-effort last known fetch failed", "error", err)
		return nil
	}
	return loc
}
