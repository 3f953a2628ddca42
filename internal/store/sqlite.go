// Package store provides storage backends for sosflow.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// AddReport appends a new report and returns its generated ID.
func (s *SQLiteStore) AddReport(r models.SosReport) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	locCol, err := encodeLocation(r.Location)
	if err != nil {
		slog.Error("SQLiteStore AddReport location encode failed", "error", err, "id", r.ID)
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO reports (id, uid, first_name, last_name, contact_number, type, type_detail, location, submitted_at, status, verified, read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nilIfEmpty(r.SubmitterID), nilIfEmpty(r.FirstName), nilIfEmpty(r.LastName), nilIfEmpty(r.ContactNumber),
		encodeCategory(r.Category), nilIfEmpty(r.CategoryDetail), locCol, r.SubmittedAt, r.Status, r.Verified, r.Read,
	)
	if err != nil {
		slog.Error("SQLiteStore AddReport failed", "error", err, "id", r.ID)
		return "", fmt.Errorf("failed to insert report %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore AddReport succeeded", "id", r.ID, "status", r.Status)
	return r.ID, nil
}

// ListRecentReports returns reports submitted at or after since, newest first.
func (s *SQLiteStore) ListRecentReports(since time.Time) ([]models.SosReport, error) {
	rows, err := s.db.Query(
		`SELECT id, uid, first_name, last_name, contact_number, type, type_detail, location, submitted_at, status, verified, read
		 FROM reports WHERE submitted_at >= ? ORDER BY submitted_at DESC`, since)
	if err != nil {
		slog.Error("SQLiteStore ListRecentReports query failed", "error", err)
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []models.SosReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			slog.Error("SQLiteStore ListRecentReports scan failed", "error", err)
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListRecentReports rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate report rows: %w", err)
	}
	slog.Debug("SQLiteStore ListRecentReports succeeded", "count", len(reports))
	return reports, nil
}

// GetKV retrieves a counter value; empty string when the key is absent.
func (s *SQLiteStore) GetKV(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM counters WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetKV failed", "error", err, "key", key)
		return "", fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	return value, nil
}

// SetKV stores a counter value.
func (s *SQLiteStore) SetKV(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO counters (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		slog.Error("SQLiteStore SetKV failed", "error", err, "key", key)
		return fmt.Errorf("failed to set counter %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes a counter value.
func (s *SQLiteStore) DeleteKV(key string) error {
	_, err := s.db.Exec(`DELETE FROM counters WHERE key = ?`, key)
	if err != nil {
		slog.Error("SQLiteStore DeleteKV failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete counter %s: %w", key, err)
	}
	return nil
}

// SaveFlowState stores or updates flow state for a user.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "userID", state.UserID)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO flow_states (user_id, flow_type, current_state, state_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		state.UserID, state.FlowType, state.CurrentState, stateDataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "userID", state.UserID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "userID", state.UserID, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a user; nil when absent.
func (s *SQLiteStore) GetFlowState(userID string, flowType string) (*models.FlowState, error) {
	var state models.FlowState
	var stateDataJSON string
	err := s.db.QueryRow(
		`SELECT user_id, flow_type, current_state, state_data, created_at, updated_at
		 FROM flow_states WHERE user_id = ? AND flow_type = ?`, userID, flowType).Scan(
		&state.UserID, &state.FlowType, &state.CurrentState, &stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "userID", userID, "flowType", flowType)
		return nil, err
	}

	if stateDataJSON != "" {
		state.StateData = make(map[models.DataKey]string)
		if err := json.Unmarshal([]byte(stateDataJSON), &state.StateData); err != nil {
			slog.Error("SQLiteStore GetFlowState JSON unmarshal failed", "error", err, "userID", userID)
			// Continue with empty map rather than failing
			state.StateData = make(map[models.DataKey]string)
		}
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a user.
func (s *SQLiteStore) DeleteFlowState(userID string, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE user_id = ? AND flow_type = ?`, userID, flowType)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "userID", userID, "flowType", flowType)
		return err
	}
	return nil
}

// GetUserProfile retrieves a user profile; nil when absent.
func (s *SQLiteStore) GetUserProfile(userID string) (*models.UserProfile, error) {
	row := s.db.QueryRow(
		`SELECT user_id, first_name, last_name, contact_number, sos_suspended, sos_suspended_at, sos_suspended_until
		 FROM users WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &p, nil
}

// SaveUserProfile inserts or replaces a user profile.
func (s *SQLiteStore) SaveUserProfile(p models.UserProfile) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO users (user_id, first_name, last_name, contact_number, sos_suspended, sos_suspended_at, sos_suspended_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, nilIfEmpty(p.FirstName), nilIfEmpty(p.LastName), nilIfEmpty(p.ContactNumber),
		p.SosSuspended, p.SosSuspendedAt, nilIfEmpty(p.SosSuspendedUntil))
	if err != nil {
		slog.Error("SQLiteStore SaveUserProfile failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save user %s: %w", p.UserID, err)
	}
	return nil
}

// UpdateSuspension sets or clears the suspension metadata on a profile.
func (s *SQLiteStore) UpdateSuspension(userID string, suspended bool, suspendedAt *time.Time, suspendedUntil string) error {
	res, err := s.db.Exec(
		`UPDATE users SET sos_suspended = ?, sos_suspended_at = ?, sos_suspended_until = ? WHERE user_id = ?`,
		suspended, suspendedAt, nilIfEmpty(suspendedUntil), userID)
	if err != nil {
		slog.Error("SQLiteStore UpdateSuspension failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to update suspension for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no user %s to update suspension for", userID)
	}
	slog.Debug("SQLiteStore UpdateSuspension succeeded", "userID", userID, "suspended", suspended)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
