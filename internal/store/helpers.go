package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeLocation serializes a location to its JSON pair form for storage,
// or nil when no fix was captured.
func encodeLocation(l *models.Location) (interface{}, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode location: %w", err)
	}
	return string(b), nil
}

// decodeLocation parses a stored location column. Both the [lat, lon] pair
// and the named-field object are accepted.
func decodeLocation(col sql.NullString) (*models.Location, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var l models.Location
	if err := json.Unmarshal([]byte(col.String), &l); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	return &l, nil
}

// encodeCategory returns the nullable column value for a report category.
func encodeCategory(c *models.Category) interface{} {
	if c == nil {
		return nil
	}
	return string(*c)
}

// scanReport scans a SosReport from sql.Rows.
func scanReport(rows *sql.Rows) (models.SosReport, error) {
	var r models.SosReport
	var uid, firstName, lastName, contact, category, detail, location sql.NullString
	err := rows.Scan(
		&r.ID, &uid, &firstName, &lastName, &contact,
		&category, &detail, &location, &r.SubmittedAt, &r.Status, &r.Verified, &r.Read,
	)
	if err != nil {
		return r, fmt.Errorf("scan report failed: %w", err)
	}
	r.SubmitterID = uid.String
	r.FirstName = firstName.String
	r.LastName = lastName.String
	r.ContactNumber = contact.String
	r.CategoryDetail = detail.String
	if category.Valid {
		c := models.Category(category.String)
		r.Category = &c
	}
	loc, err := decodeLocation(location)
	if err != nil {
		return r, err
	}
	r.Location = loc
	return r, nil
}

// scanProfile scans a UserProfile from a single sql.Row.
func scanProfile(row *sql.Row) (models.UserProfile, error) {
	var p models.UserProfile
	var firstName, lastName, contact, suspendedUntil sql.NullString
	var suspendedAt sql.NullTime
	err := row.Scan(&p.UserID, &firstName, &lastName, &contact, &p.SosSuspended, &suspendedAt, &suspendedUntil)
	if err != nil {
		return p, err
	}
	p.FirstName = firstName.String
	p.LastName = lastName.String
	p.ContactNumber = contact.String
	p.SosSuspendedUntil = suspendedUntil.String
	if suspendedAt.Valid {
		p.SosSuspendedAt = &suspendedAt.Time
	}
	return p, nil
}
