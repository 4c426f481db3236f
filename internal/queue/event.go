// Package queue defines message payloads exchanged over the message broker
// and the background consumer that turns them into outgoing guest emails.
package queue

// NotificationQueueName is the single durable queue all booking
// notifications flow through.
const NotificationQueueName = "booking.notifications"

// EventType discriminates the payload carried by a NotificationEvent.
type EventType string

const (
	EventApproval     EventType = "approval"
	EventConfirmation EventType = "confirmation"
)

// NotificationEvent is the envelope published to booking.notifications.
// Exactly one of Approval or Confirmation is set, matching Type.
type NotificationEvent struct {
	Type         EventType          `json:"type"`
	Approval     *ApprovalEvent     `json:"approval,omitempty"`
	Confirmation *ConfirmationEvent `json:"confirmation,omitempty"`
}

// ApprovalEvent is published when an admin approves an application.  It
// contains everything the mailer needs to invite the guest onto the
// payment track without querying the primary database.
type ApprovalEvent struct {
	BookingID  string `json:"booking_id"`
	Recipient  string `json:"recipient"`
	StayTitle  string `json:"stay_title"`
	Amount     string `json:"amount,omitempty"` // display price, empty until locked
	Token      string `json:"token,omitempty"`
	PaymentURL string `json:"payment_url"`
	ExpiresAt  string `json:"expires_at"` // RFC3339
}

// ConfirmationEvent is published when the verifier resolves a payment to
// CONFIRMED.
type ConfirmationEvent struct {
	BookingID   string `json:"booking_id"`
	Recipient   string `json:"recipient"`
	StayTitle   string `json:"stay_title"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	TxHash      string `json:"tx_hash"`
	ChainID     uint64 `json:"chain_id"`
	ConfirmedAt string `json:"confirmed_at"` // RFC3339
}
