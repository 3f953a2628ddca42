// Package store provides storage backends for sosflow.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// AddReport appends a new report and returns its generated ID.
func (s *PostgresStore) AddReport(r models.SosReport) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	locCol, err := encodeLocation(r.Location)
	if err != nil {
		slog.Error("PostgresStore AddReport location encode failed", "error", err, "id", r.ID)
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO reports (id, uid, first_name, last_name, contact_number, type, type_detail, location, submitted_at, status, verified, read)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, nilIfEmpty(r.SubmitterID), nilIfEmpty(r.FirstName), nilIfEmpty(r.LastName), nilIfEmpty(r.ContactNumber),
		encodeCategory(r.Category), nilIfEmpty(r.CategoryDetail), locCol, r.SubmittedAt, r.Status, r.Verified, r.Read,
	)
	if err != nil {
		slog.Error("PostgresStore AddReport failed", "error", err, "id", r.ID)
		return "", fmt.Errorf("failed to insert report %s: %w", r.ID, err)
	}
	slog.Debug("PostgresStore AddReport succeeded", "id", r.ID, "status", r.Status)
	return r.ID, nil
}

// ListRecentReports returns reports submitted at or after since, newest first.
func (s *PostgresStore) ListRecentReports(since time.Time) ([]models.SosReport, error) {
	rows, err := s.db.Query(
		`SELECT id, uid, first_name, last_name, contact_number, type, type_detail, location, submitted_at, status, verified, read
		 FROM reports WHERE submitted_at >= $1 ORDER BY submitted_at DESC`, since)
	if err != nil {
		slog.Error("PostgresStore ListRecentReports query failed", "error", err)
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []models.SosReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			slog.Error("PostgresStore ListRecentReports scan failed", "error", err)
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListRecentReports rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate report rows: %w", err)
	}
	slog.Debug("PostgresStore ListRecentReports succeeded", "count", len(reports))
	return reports, nil
}

// GetKV retrieves a counter value; empty string when the key is absent.
func (s *PostgresStore) GetKV(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM counters WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("PostgresStore GetKV failed", "error", err, "key", key)
		return "", fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	return value, nil
}

// SetKV stores a counter value.
func (s *PostgresStore) SetKV(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO counters (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		slog.Error("PostgresStore SetKV failed", "error", err, "key", key)
		return fmt.Errorf("failed to set counter %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes a counter value.
func (s *PostgresStore) DeleteKV(key string) error {
	_, err := s.db.Exec(`DELETE FROM counters WHERE key = $1`, key)
	if err != nil {
		slog.Error("PostgresStore DeleteKV failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete counter %s: %w", key, err)
	}
	return nil
}

// SaveFlowState stores or updates flow state for a user.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "userID", state.UserID)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}

	_, err := s.db.Exec(
		`INSERT INTO flow_states (user_id, flow_type, current_state, state_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, flow_type) DO UPDATE SET
		   current_state = EXCLUDED.current_state,
		   state_data = EXCLUDED.state_data,
		   updated_at = EXCLUDED.updated_at`,
		state.UserID, state.FlowType, state.CurrentState, stateDataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "userID", state.UserID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "userID", state.UserID, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a user; nil when absent.
func (s *PostgresStore) GetFlowState(userID string, flowType string) (*models.FlowState, error) {
	var state models.FlowState
	var stateDataJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT user_id, flow_type, current_state, state_data, created_at, updated_at
		 FROM flow_states WHERE user_id = $1 AND flow_type = $2`, userID, flowType).Scan(
		&state.UserID, &state.FlowType, &state.CurrentState, &stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "userID", userID, "flowType", flowType)
		return nil, err
	}

	if stateDataJSON.Valid && stateDataJSON.String != "" {
		state.StateData = make(map[models.DataKey]string)
		if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
			slog.Error("PostgresStore GetFlowState JSON unmarshal failed", "error", err, "userID", userID)
			// Continue with empty map rather than failing
			state.StateData = make(map[models.DataKey]string)
		}
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a user.
func (s *PostgresStore) DeleteFlowState(userID string, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE user_id = $1 AND flow_type = $2`, userID, flowType)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "userID", userID, "flowType", flowType)
		return err
	}
	return nil
}

// GetUserProfile retrieves a user profile; nil when absent.
func (s *PostgresStore) GetUserProfile(userID string) (*models.UserProfile, error) {
	row := s.db.QueryRow(
		`SELECT user_id, first_name, last_name, contact_number, sos_suspended, sos_suspended_at, sos_suspended_until
		 FROM users WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &p, nil
}

// SaveUserProfile inserts or replaces a user profile.
func (s *PostgresStore) SaveUserProfile(p models.UserProfile) error {
	_, err := s.db.Exec(
		`INSERT INTO users (user_id, first_name, last_name, contact_number, sos_suspended, sos_suspended_at, sos_suspended_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		   first_name = EXCLUDED.first_name,
		   last_name = EXCLUDED.last_name,
		   contact_number = EXCLUDED.contact_number,
		   sos_suspended = EXCLUDED.sos_suspended,
		   sos_suspended_at = EXCLUDED.sos_suspended_at,
		   sos_suspended_until = EXCLUDED.sos_suspended_until`,
		p.UserID, nilIfEmpty(p.FirstName), nilIfEmpty(p.LastName), nilIfEmpty(p.ContactNumber),
		p.SosSuspended, p.SosSuspendedAt, nilIfEmpty(p.SosSuspendedUntil))
	if err != nil {
		slog.Error("PostgresStore SaveUserProfile failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save user %s: %w", p.UserID, err)
	}
	return nil
}

// UpdateSuspension sets or clears the suspension metadata on a profile.
func (s *PostgresStore) UpdateSuspension(userID string, suspended bool, suspendedAt *time.Time, suspendedUntil string) error {
	res, err := s.db.Exec(
		`UPDATE users SET sos_suspended = $1, sos_suspended_at = $2, sos_suspended_until = $3 WHERE user_id = $4`,
		suspended, suspendedAt, nilIfEmpty(suspendedUntil), userID)
	if err != nil {
		slog.Error("PostgresStore UpdateSuspension failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to update suspension for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no user %s to update suspension for", userID)
	}
	slog.Debug("PostgresStore UpdateSuspension succeeded", "userID", userID, "suspended", suspended)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
