// Package models defines the core data structures for sosflow.
//
// It includes the SOS report entity, emergency categories, report statuses,
// and the shared API response types used by the HTTP surface.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Category identifies the kind of emergency being reported.
type Category string

const (
	CategoryMedical Category = "Medical"
	CategoryFire    Category = "Fire"
	CategoryCrime   Category = "Crime"
	CategoryOther   Category = "Other"
)

// Validation constants for report input.
const (
	// MaxOtherDetailLength defines the maximum allowed length for the
	// free-text description attached to "Other" reports.
	MaxOtherDetailLength = 300
)

// Error variables for better error handling and testability
var (
	ErrInvalidCategory    = errors.New("invalid emergency category")
	ErrMissingOtherDetail = errors.New("a description is required for Other reports")
	ErrOtherDetailTooLong = errors.New("description exceeds maximum length")
)

// IsValidCategory checks if the given category is supported.
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryMedical, CategoryFire, CategoryCrime, CategoryOther:
		return true
	default:
		return false
	}
}

// Categories returns the fixed category set in display order.
func Categories() []Category {
	return []Category{CategoryMedical, CategoryFire, CategoryCrime, CategoryOther}
}

// ReportStatus represents the review status assigned to a report at creation.
// A report's status is fixed once written; responder tooling owns any later
// lifecycle.
type ReportStatus string

const (
	ReportStatusPending           ReportStatus = "pending"
	ReportStatusPossibleDuplicate ReportStatus = "possible duplicate"
	ReportStatusUnverified        ReportStatus = "unverified"
)

// Location is a latitude/longitude pair in decimal degrees.
//
// It serializes as an ordered two-element array [latitude, longitude], but
// accepts both the array form and the named-field form
// {"latitude": ..., "longitude": ...} when decoding, since older records
// stored the named form.
type Location struct {
	Latitude  float64
	Longitude float64
}

// MarshalJSON encodes the location as [latitude, longitude].
func (l Location) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Latitude, l.Longitude})
}

// UnmarshalJSON decodes either [lat, lon] or {"latitude":..,"longitude":..}.
func (l *Location) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err == nil {
		l.Latitude = pair[0]
		l.Longitude = pair[1]
		return nil
	}
	var named struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("location must be [lat, lon] or {latitude, longitude}: %w", err)
	}
	if named.Latitude == nil || named.Longitude == nil {
		return fmt.Errorf("location missing latitude or longitude")
	}
	l.Latitude = *named.Latitude
	l.Longitude = *named.Longitude
	return nil
}

// SosReport represents a persisted emergency report. Reports are append-only:
// created exactly once per completed flow and never mutated afterward by the
// submission core.
type SosReport struct {
	ID             string       `json:"id,omitempty"`
	SubmitterID    string       `json:"uid,omitempty"`
	FirstName      string       `json:"first_name,omitempty"`
	LastName       string       `json:"last_name,omitempty"`
	ContactNumber  string       `json:"contact_number,omitempty"`
	Category       *Category    `json:"type"`        // nil for unverified reports
	CategoryDetail string       `json:"type_detail"` // non-empty only for Other
	Location       *Location    `json:"location"`    // nil when no fix was captured
	SubmittedAt    time.Time    `json:"timestamp"`
	Status         ReportStatus `json:"status"`
	Verified       bool         `json:"verified"`
	Read           bool         `json:"read"`
}

// Validate checks report invariants before it is written.
func (r *SosReport) Validate() error {
	if r.Category == nil {
		// Only unverified reports may omit the category.
		if r.Status != ReportStatusUnverified {
			return ErrInvalidCategory
		}
		return nil
	}
	if !IsValidCategory(*r.Category) {
		return ErrInvalidCategory
	}
	if *r.Category == CategoryOther {
		if r.CategoryDetail == "" {
			return ErrMissingOtherDetail
		}
		if len(r.CategoryDetail) > MaxOtherDetailLength {
			return ErrOtherDetailTooLong
		}
	}
	return nil
}

// Hotline is a published emergency contact number.
type Hotline struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
}

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
