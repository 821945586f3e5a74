package models

import "time"

type Action string

const (
	ActionRequest Action = "request"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
	ActionExpired Action = "expired"
	ActionMatch   Action = "match"
)

type ActorRole string

const (
	RoleOwner     ActorRole = "owner"
	RolePassenger ActorRole = "passenger"
	RoleSystem    ActorRole = "system"
)

// SystemSender is the sender id used for engine-originated notifications.
const SystemSender = "system"

type Notification struct {
	ID             string         `json:"id"`
	SenderID       string         `json:"sender_id"`
	ReceiverID     string         `json:"receiver_id"`
	Action         Action         `json:"action"`
	ActorRole      ActorRole      `json:"actor_role"`
	RideID         string         `json:"ride_id,omitempty"`
	TripID         string         `json:"trip_id,omitempty"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	Content        string         `json:"content"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MatchPayload carries what a recipient needs to act on a match without
// another lookup.
type MatchPayload struct {
	MatchKind     string    `json:"match_kind"`
	CounterpartID string    `json:"counterpart_id"`
	SourceID      string    `json:"source_id"`
	TargetID      string    `json:"target_id"`
	Offering      string    `json:"offering_id,omitempty"`
	Route         string    `json:"route"`
	Departure     time.Time `json:"departure,omitempty"`
	Date          string    `json:"date"`
	Price         *Price    `json:"price,omitempty"`
}

type Profile struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	AuthName string `json:"auth_name"`
	Email    string `json:"email"`
}
