package store

import (
	"context"
	"fmt"
	"time"
)

// suspendedUntilLayout is the human-readable form written to the user
// record so responder tooling can read it directly.
const suspendedUntilLayout = time.RFC1123

// SuspensionRecorder mirrors suspension decisions onto the user record.
// It satisfies the policy engine's sync interface; callers treat every
// write as best effort.
type SuspensionRecorder struct {
	store Store
	now   func() time.Time
}

func NewSuspensionRecorder(s Store) *SuspensionRecorder {
	return &SuspensionRecorder{store: s, now: time.Now}
}

// SetSuspension marks the user suspended until the given time.
func (r *SuspensionRecorder) SetSuspension(ctx context.Context, userID string, until time.Time) error {
	at := r.now()
	if err := r.store.UpdateSuspension(userID, true, &at, until.Format(suspendedUntilLayout)); err != nil {
		return fmt.Errorf("failed to record suspension for %s: %w", userID, err)
	}
	return nil
}

// ClearSuspension removes the suspension marker from the user record.
func (r *SuspensionRecorder) ClearSuspension(ctx context.Context, userID string) error {
	if err := r.store.UpdateSuspension(userID, false, nil, ""); err != nil {
		return fmt.Errorf("failed to clear suspension for %s: %w", userID, err)
	}
	return nil
}
