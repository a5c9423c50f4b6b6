package models

import "time"

// Outbox states for delayed messages. A message leaves "sending" only through
// an explicit resolution, so an interrupted send is never retried blindly.
const (
	MessagePending = "pending"
	MessageSending = "sending"
	MessageSent    = "sent"
	MessageFailed  = "failed"
	MessageStuck   = "stuck"
)

// ScheduledMessage is a message queued for automatic delivery at SendAt.
type ScheduledMessage struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"client_id"`
	Channel   string     `json:"channel"`
	Recipient string     `json:"recipient"`
	Body      string     `json:"body"`
	SendAt    time.Time  `json:"send_at"`
	Status    string     `json:"status"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	LastError *string    `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
