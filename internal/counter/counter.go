// Package counter provides typed, per-user keyed access to the persistent
// counters and flags the SOS core keeps across restarts: the cancellation
// count, the suspension expiry, the intro-shown flag, and the "Other"
// category draft text.
//
// Keys are derived as {purpose}_{userID} with a device-local fallback when
// no identity is present, so unauthenticated devices still accumulate
// counters without colliding across users.
package counter

import (
	"log/slog"
	"strconv"
	"time"
)

// Kind identifies a persisted counter purpose.
type Kind string

const (
	KindCancelCount    Kind = "sos_cancel_count"
	KindSuspendedUntil Kind = "sos_suspended_until"
	KindIntroShown     Kind = "sos_intro_shown"
	KindOtherDraft     Kind = "sos_other_draft"
)

// LocalUserID is the fallback key segment used when no user identity is
// present.
const LocalUserID = "local"

// KV is the minimal key-value surface the counter store needs from a
// storage backend.
type KV interface {
	GetKV(key string) (string, error)
	SetKV(key, value string) error
	DeleteKV(key string) error
}

// UserStore reads and writes counters for a single user (or the local
// device identity).
type UserStore struct {
	kv     KV
	userID string
}

// ForUser returns a UserStore keyed by the given user ID, falling back to
// the device-local identity when the ID is empty.
func ForUser(kv KV, userID string) *UserStore {
	if userID == "" {
		userID = LocalUserID
	}
	return &UserStore{kv: kv, userID: userID}
}

// UserID returns the identity segment this store is keyed by.
func (u *UserStore) UserID() string {
	return u.userID
}

// Key returns the storage key for a counter kind.
func (u *UserStore) Key(kind Kind) string {
	return string(kind) + "_" + u.userID
}

// Get retrieves the raw value for a counter kind; empty string when unset.
func (u *UserStore) Get(kind Kind) (string, error) {
	return u.kv.GetKV(u.Key(kind))
}

// Set stores the raw value for a counter kind.
func (u *UserStore) Set(kind Kind, value string) error {
	return u.kv.SetKV(u.Key(kind), value)
}

// Remove deletes the value for a counter kind.
func (u *UserStore) Remove(kind Kind) error {
	return u.kv.DeleteKV(u.Key(kind))
}

// GetInt retrieves a numeric counter, returning 0 when unset or unparsable.
// Persistence errors are logged and swallowed: the zero value keeps the
// emergency flow available.
func (u *UserStore) GetInt(kind Kind) int {
	raw, err := u.Get(kind)
	if err != nil {
		slog.Warn("counter read failed, using zero", "kind", kind, "user", u.userID, "error", err)
		return 0
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("counter value unparsable, using zero", "kind", kind, "user", u.userID, "value", raw)
		return 0
	}
	return n
}

// SetInt stores a numeric counter.
func (u *UserStore) SetInt(kind Kind, n int) error {
	return u.Set(kind, strconv.Itoa(n))
}

// GetTime retrieves a timestamp counter stored as epoch milliseconds.
// Returns the zero time when unset or unparsable.
func (u *UserStore) GetTime(kind Kind) time.Time {
	raw, err := u.Get(kind)
	if err != nil {
		slog.Warn("counter read failed, using zero time", "kind", kind, "user", u.userID, "error", err)
		return time.Time{}
	}
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("counter timestamp unparsable, using zero time", "kind", kind, "user", u.userID, "value", raw)
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SetTime stores a timestamp counter as epoch milliseconds.
func (u *UserStore) SetTime(kind Kind, t time.Time) error {
	return u.Set(kind, strconv.FormatInt(t.UnixMilli(), 10))
}
