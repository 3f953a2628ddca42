package api

import "github.com/lifeline-ph/sosflow/internal/models"

// Hotlines is the published emergency contact directory served to the app.
// The Barangay hotline doubles as the default responder paging target.
var Hotlines = []models.Hotline{
	{ID: "police", Name: "Police", Number: "911"},
	{ID: "fire", Name: "Fire Department", Number: "911"},
	{ID: "ambulance", Name: "Ambulance", Number: "911"},
	{ID: "barangay", Name: "Barangay Hotline", Number: "+63-123-456-789"},
	{ID: "national", Name: "National Emergency", Number: "+63-2-911-0000"},
}
