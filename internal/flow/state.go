// Package flow defines state management interfaces for the SOS submission flow.
package flow

import (
	"context"
	"time"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// StateManager defines the interface for managing flow state.
type StateManager interface {
	// GetCurrentState retrieves the current state for a user in a flow
	GetCurrentState(ctx context.Context, userID string, flowType models.FlowType) (models.StateType, error)

	// SetCurrentState updates the current state for a user in a flow
	SetCurrentState(ctx context.Context, userID string, flowType models.FlowType, state models.StateType) error

	// GetStateData retrieves additional data associated with the user's state
	GetStateData(ctx context.Context, userID string, flowType models.FlowType, key models.DataKey) (string, error)

	// SetStateData stores additional data associated with the user's state
	SetStateData(ctx context.Context, userID string, flowType models.FlowType, key models.DataKey, value string) error

	// ResetState removes all state data for a user in a flow
	ResetState(ctx context.Context, userID string, flowType models.FlowType) error
}

// Timer defines the interface for scheduling cancelable delayed actions.
type Timer interface {
	// ScheduleAfter schedules a function to run after a delay and returns
	// a handle usable with Cancel
	ScheduleAfter(delay time.Duration, fn func()) (string, error)

	// Cancel cancels a scheduled function by handle
	Cancel(id string) error

	// Stop cancels all scheduled functions
	Stop()
}

// ReportStore is the append-only report log consumed by the flow: the write
// target for submissions and the source of truth for duplicate lookups.
type ReportStore interface {
	AddReport(r models.SosReport) (string, error)
	ListRecentReports(since time.Time) ([]models.SosReport, error)
}

// Notifier is told about every recorded report so responders can be paged.
// Calls are best-effort; the flow logs and discards errors.
type Notifier interface {
	ReportRecorded(ctx context.Context, r models.SosReport) error
}
