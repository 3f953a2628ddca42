// Package store provides storage backends for sosflow.
//
// The Store interface covers the three persistence concerns of the SOS core:
// the append-only report log, the per-user key-value counters, and the flow
// state snapshots. It also backs the identity context (user profiles and
// their suspension metadata). SQLite and PostgreSQL implementations share
// the interface with an in-memory store used as the default and in tests.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// Store defines the persistence operations used by the SOS core.
type Store interface {
	// AddReport appends a new report and returns its generated ID.
	AddReport(r models.SosReport) (string, error)

	// ListRecentReports returns reports submitted at or after since,
	// newest first. Used for the duplicate scan.
	ListRecentReports(since time.Time) ([]models.SosReport, error)

	// GetKV retrieves a counter value; empty string when the key is absent.
	GetKV(key string) (string, error)

	// SetKV stores a counter value.
	SetKV(key, value string) error

	// DeleteKV removes a counter value.
	DeleteKV(key string) error

	// SaveFlowState stores or updates flow state for a user.
	SaveFlowState(state models.FlowState) error

	// GetFlowState retrieves flow state for a user; nil when absent.
	GetFlowState(userID string, flowType string) (*models.FlowState, error)

	// DeleteFlowState removes flow state for a user.
	DeleteFlowState(userID string, flowType string) error

	// GetUserProfile retrieves a user profile; nil when absent.
	GetUserProfile(userID string) (*models.UserProfile, error)

	// SaveUserProfile inserts or replaces a user profile.
	SaveUserProfile(p models.UserProfile) error

	// UpdateSuspension sets or clears the suspension metadata on a profile.
	UpdateSuspension(userID string, suspended bool, suspendedAt *time.Time, suspendedUntil string) error

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path as the store DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string as the store DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". File paths and
// anything that is not recognizably a Postgres URL or key-value DSN are
// treated as SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a non-durable Store used as the default backend and in
// tests. Access is guarded so API handlers and timer callbacks can share it.
type InMemoryStore struct {
	mu         sync.Mutex
	reports    []models.SosReport
	kv         map[string]string
	flowStates map[string]models.FlowState
	users      map[string]models.UserProfile
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		kv:         make(map[string]string),
		flowStates: make(map[string]models.FlowState),
		users:      make(map[string]models.UserProfile),
	}
}

func flowStateKey(userID, flowType string) string {
	return userID + "|" + flowType
}

// AddReport appends a new report and returns its generated ID.
func (s *InMemoryStore) AddReport(r models.SosReport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	s.reports = append(s.reports, r)
	return r.ID, nil
}

// ListRecentReports returns reports submitted at or after since, newest first.
func (s *InMemoryStore) ListRecentReports(since time.Time) ([]models.SosReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SosReport
	for _, r := range s.reports {
		if !r.SubmittedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

// GetKV retrieves a counter value; empty string when the key is absent.
func (s *InMemoryStore) GetKV(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

// SetKV stores a counter value.
func (s *InMemoryStore) SetKV(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

// DeleteKV removes a counter value.
func (s *InMemoryStore) DeleteKV(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// SaveFlowState stores or updates flow state for a user.
func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowStates[flowStateKey(state.UserID, string(state.FlowType))] = state
	return nil
}

// GetFlowState retrieves flow state for a user; nil when absent.
func (s *InMemoryStore) GetFlowState(userID string, flowType string) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.flowStates[flowStateKey(userID, flowType)]
	if !ok {
		return nil, nil
	}
	copied := state
	if state.StateData != nil {
		copied.StateData = make(map[models.DataKey]string, len(state.StateData))
		for k, v := range state.StateData {
			copied.StateData[k] = v
		}
	}
	return &copied, nil
}

// DeleteFlowState removes flow state for a user.
func (s *InMemoryStore) DeleteFlowState(userID string, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowStateKey(userID, flowType))
	return nil
}

// GetUserProfile retrieves a user profile; nil when absent.
func (s *InMemoryStore) GetUserProfile(userID string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// SaveUserProfile inserts or replaces a user profile.
func (s *InMemoryStore) SaveUserProfile(p models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.UserID] = p
	return nil
}

// UpdateSuspension sets or clears the suspension metadata on a profile.
func (s *InMemoryStore) UpdateSuspension(userID string, suspended bool, suspendedAt *time.Time, suspendedUntil string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.users[userID]
	p.UserID = userID
	p.SosSuspended = suspended
	p.SosSuspendedAt = suspendedAt
	p.SosSuspendedUntil = suspendedUntil
	s.users[userID] = p
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
