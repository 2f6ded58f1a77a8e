package audit

import "time"

// Event is an immutable, append-only record of who drove a call or account action.
//
// Actor and IP capture are best-effort; audit failures never block the action.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	// IPAddress is the client IP as resolved by the HTTP layer.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Subject is the username the action concerns.
	Subject string `json:"subject,omitempty" db:"subject"`
	CallID  string `json:"call_id,omitempty" db:"call_id"`

	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypeCallInjected is an operator pushing a call through the API.
	EventTypeCallInjected EventType = "call_injected"
	// EventTypeCallAction is a recipient (or super_admin) accepting or ending a call.
	EventTypeCallAction  EventType = "call_action"
	EventTypeUserCreated EventType = "user_created"
	EventTypeLoginFailed EventType = "login_failed"
)
