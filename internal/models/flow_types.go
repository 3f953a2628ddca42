// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific type of flow
type FlowType string

// StateType represents a specific state within a flow
type StateType string

// DataKey represents a key for storing state-specific data
type DataKey string

// Flow type constants.
const (
	FlowTypeSos FlowType = "sos"
)

// State constants for the SOS submission flow.
const (
	StateIdle          StateType = "IDLE"
	StateCountdown     StateType = "COUNTDOWN"      // 3-2-1 countdown before the confirm prompt
	StateConfirmPrompt StateType = "CONFIRM_PROMPT" // explicit second confirmation
	StateLocating      StateType = "LOCATING"       // acquiring device coordinates
	StateTypeSelection StateType = "TYPE_SELECTION" // picking the emergency category
	StateSubmitting    StateType = "SUBMITTING"     // duplicate scan + report write
	StateReassurance   StateType = "REASSURANCE"    // post-submission message, explicit dismissal
)

// Data key constants for the SOS submission flow.
const (
	DataKeyCountdownTimerID  DataKey = "countdownTimerID"  // per-second countdown tick timer
	DataKeyUnverifiedTimerID DataKey = "unverifiedTimerID" // 60s confirm-or-unverified timer
	DataKeyCountdownValue    DataKey = "countdownValue"    // remaining seconds in the countdown
	DataKeySelectedCategory  DataKey = "selectedCategory"  // category picked in TYPE_SELECTION
)
