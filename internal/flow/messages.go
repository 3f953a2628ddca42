package flow

// User-facing copy surfaced through flow notices. The wording matters to
// responders and dispatch, so it is kept centralized here.
const (
	ReassureTitleConfirmed = "SOS Confirmed"
	ReassureBodyConfirmed  = "Your emergency request has been received and Barangay responders have been notified. " +
		"Please stay safe, follow any instructions from emergency personnel, and remain at the location you reported. " +
		"Responders are en route and will assist you shortly."

	ReassureTitleDuplicate = "SOS Received — Under Review"
	ReassureBodyDuplicate  = "We received your emergency request and responders have been notified. " +
		"Your report appears similar to a recent submission and will be reviewed by responders to avoid duplicate dispatches. " +
		"If this is still an active emergency, please remain where you are and await assistance — help is on the way."

	ReassureTitleUnverified = "SOS Not Confirmed"
	ReassureBodyUnverified  = "You did not confirm the emergency within the time limit. " +
		"An unverified alert was recorded for review. " +
		"If you still require urgent assistance, please try again and follow the prompts."

	WarningTitle = "Warning: Potential Misuse Detected"

	SuspendedTitle = "SOS Temporarily Suspended"
	SuspendedBody  = "Your SOS access has been temporarily suspended due to repeated cancellations. " +
		"You will regain access automatically after the suspension period."

	ContactRequiredTitle = "Contact number required"
	ContactRequiredBody  = "Please add a contact number to your profile before sending an SOS. " +
		"This helps responders identify you."

	LocationDisabledMessage    = "Please enable location services on your device to send an accurate SOS."
	LocationPermissionMessage  = "Permission to access location was denied. Please enable it in settings to send accurate SOS data."
	LocationUnavailableMessage = "Unable to determine current location. Please retry with location turned on to send SOS."

	SendErrorMessage           = "Could not send SOS. Please try again."
	UnverifiedSendErrorMessage = "Could not record the unconfirmed SOS. Please try again."
)
