// Package policy implements the SOS abuse-prevention engine: it counts
// repeated cancellations, escalates them into warnings and a temporary
// suspension, and gates access while a suspension is active.
//
// Local persistence is authoritative for gating. Remote suspension metadata
// is written best-effort so responder tooling can see it; failures there are
// logged and never block local enforcement.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/lifeline-ph/sosflow/internal/counter"
)

// Policy constants. Thresholds are fixed policy, not computed.
const (
	// WarnThreshold is the cancellation count at which warnings begin.
	WarnThreshold = 3
	// SuspendThreshold is the cancellation count that triggers a suspension.
	SuspendThreshold = 5
	// SuspensionDuration is how long a suspension lasts once imposed.
	SuspensionDuration = 3 * 24 * time.Hour
	// syncTimeout bounds each best-effort remote sync attempt.
	syncTimeout = 10 * time.Second
)

// SuspendedUntilLayout formats the human-readable suspension end written to
// the remote identity store, and parses it back when local persistence is
// empty.
const SuspendedUntilLayout = time.RFC1123

// SuspensionSync pushes suspension metadata to the remote identity store.
// Every call is best-effort: errors are logged by the engine and discarded.
type SuspensionSync interface {
	SetSuspension(ctx context.Context, userID string, until time.Time) error
	ClearSuspension(ctx context.Context, userID string) error
}

// OutcomeKind classifies the result of recording a cancellation.
type OutcomeKind string

const (
	OutcomeNone    OutcomeKind = "none"
	OutcomeWarn    OutcomeKind = "warn"
	OutcomeSuspend OutcomeKind = "suspend"
)

// CancelOutcome is the decision returned by RecordCancellation.
type CancelOutcome struct {
	Kind  OutcomeKind
	Count int       // new cancellation count, for warn messaging
	Until time.Time // suspension end, set when Kind is OutcomeSuspend
}

// Access is the decision returned by CheckAccess.
type Access struct {
	Allowed bool
	Until   time.Time // suspension end, set when not allowed
}

// Engine owns the per-user cancel count and suspension state.
// Access is single-threaded per device; the flow serializes calls.
type Engine struct {
	counters       *counter.UserStore
	sync           SuspensionSync // may be nil
	cancelCount    int
	suspendedUntil time.Time // zero when not suspended
}

// NewEngine loads cancel state from the counter store. When the local
// suspension record is empty, serverSuspendedUntil (the human-readable
// value from the identity store) is consulted as a fallback.
func NewEngine(counters *counter.UserStore, sync SuspensionSync, serverSuspendedUntil string) *Engine {
	e := &Engine{
		counters:    counters,
		sync:        sync,
		cancelCount: counters.GetInt(counter.KindCancelCount),
	}
	e.suspendedUntil = counters.GetTime(counter.KindSuspendedUntil)
	if e.suspendedUntil.IsZero() && serverSuspendedUntil != "" {
		until, err := time.Parse(SuspendedUntilLayout, serverSuspendedUntil)
		if err != nil {
			slog.Warn("policy: server suspended-until unparsable", "user", counters.UserID(), "value", serverSuspendedUntil)
		} else {
			e.suspendedUntil = until
		}
	}
	slog.Debug("policy engine initialized", "user", counters.UserID(),
		"cancelCount", e.cancelCount, "suspended", !e.suspendedUntil.IsZero())
	return e
}

// CancelCount returns the current cancellation count.
func (e *Engine) CancelCount() int {
	return e.cancelCount
}

// SuspendedUntil returns the active suspension end, or the zero time.
func (e *Engine) SuspendedUntil() time.Time {
	return e.suspendedUntil
}

// CheckAccess decides whether the user may start an SOS flow at the given
// instant. An expired suspension is cleared lazily here, on the first
// access attempt past its end.
func (e *Engine) CheckAccess(now time.Time) Access {
	if e.suspendedUntil.IsZero() {
		return Access{Allowed: true}
	}
	if now.Before(e.suspendedUntil) {
		return Access{Allowed: false, Until: e.suspendedUntil}
	}
	e.ClearSuspension()
	return Access{Allowed: true}
}

// ClearSuspension removes the suspension locally and fires a best-effort
// remote clear. Local removal is authoritative for gating.
func (e *Engine) ClearSuspension() {
	if err := e.counters.Remove(counter.KindSuspendedUntil); err != nil {
		slog.Warn("policy: could not remove persisted suspension", "user", e.counters.UserID(), "error", err)
	}
	e.suspendedUntil = time.Time{}
	e.syncClear()
	slog.Info("policy: suspension cleared", "user", e.counters.UserID())
}

// RecordCancellation increments and persists the cancel count, returning
// a warning once the count approaches the threshold and imposing a
// suspension when it reaches it.
func (e *Engine) RecordCancellation(now time.Time) CancelOutcome {
	next := e.cancelCount + 1
	if err := e.counters.SetInt(counter.KindCancelCount, next); err != nil {
		slog.Warn("policy: could not persist cancel count", "user", e.counters.UserID(), "error", err)
	}
	e.cancelCount = next
	slog.Info("policy: cancellation recorded", "user", e.counters.UserID(), "count", next)

	if next >= SuspendThreshold {
		until := now.Add(SuspensionDuration)
		e.suspend(until)
		return CancelOutcome{Kind: OutcomeSuspend, Count: next, Until: until}
	}
	if next >= WarnThreshold {
		return CancelOutcome{Kind: OutcomeWarn, Count: next}
	}
	return CancelOutcome{Kind: OutcomeNone, Count: next}
}

// RecordSuccess resets the cancel count after a successful submission.
// An active suspension is deliberately left untouched.
func (e *Engine) RecordSuccess() {
	if err := e.counters.Remove(counter.KindCancelCount); err != nil {
		slog.Warn("policy: could not reset cancel count", "user", e.counters.UserID(), "error", err)
	}
	e.cancelCount = 0
	slog.Debug("policy: cancel count reset after successful submission", "user", e.counters.UserID())
}

// suspend persists the suspension, resets the cancel count, and fires the
// best-effort remote write. Persist-then-reflect: the durable write comes
// first so a crash cannot lose an imposed suspension.
func (e *Engine) suspend(until time.Time) {
	if err := e.counters.SetTime(counter.KindSuspendedUntil, until); err != nil {
		slog.Warn("policy: could not persist suspension", "user", e.counters.UserID(), "error", err)
	}
	if err := e.counters.Remove(counter.KindCancelCount); err != nil {
		slog.Warn("policy: could not reset cancel count on suspension", "user", e.counters.UserID(), "error", err)
	}
	e.suspendedUntil = until
	e.cancelCount = 0
	e.syncSet(until)
	slog.Info("policy: suspension imposed", "user", e.counters.UserID(), "until", until)
}

// syncSet pushes suspension metadata remotely without blocking the caller.
func (e *Engine) syncSet(until time.Time) {
	if e.sync == nil || e.counters.UserID() == counter.LocalUserID {
		return
	}
	userID := e.counters.UserID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		if err := e.sync.SetSuspension(ctx, userID, until); err != nil {
			slog.Warn("policy: remote suspension write failed", "user", userID, "error", err)
		}
	}()
}

// syncClear removes suspension metadata remotely without blocking the caller.
func (e *Engine) syncClear() {
	if e.sync == nil || e.counters.UserID() == counter.LocalUserID {
		return
	}
	userID := e.counters.UserID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		if err := e.sync.ClearSuspension(ctx, userID); err != nil {
			slog.Warn("policy: remote suspension clear failed", "user", userID, "error", err)
		}
	}()
}
