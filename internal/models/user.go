// Package models defines user profile structures for sosflow.
package models

import "time"

// UserProfile is the identity-store view of a registered user: the fields
// responders need on a report plus the server-side suspension metadata kept
// as a fallback when local persistence is empty.
type UserProfile struct {
	UserID            string     `json:"user_id"`
	FirstName         string     `json:"first_name,omitempty"`
	LastName          string     `json:"last_name,omitempty"`
	ContactNumber     string     `json:"contact_number,omitempty"`
	SosSuspended      bool       `json:"sos_suspended,omitempty"`
	SosSuspendedAt    *time.Time `json:"sos_suspended_at,omitempty"`
	SosSuspendedUntil string     `json:"sos_suspended_until,omitempty"` // human-readable end time
}

// HasContact reports whether the profile carries a contact number usable by
// responders.
func (p *UserProfile) HasContact() bool {
	return p != nil && p.ContactNumber != ""
}
