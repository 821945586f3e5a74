package models

import "time"

type RideRequest struct {
	ID                string      `json:"id"`
	PassengerID       string      `json:"passenger_id"`
	From              Location    `json:"from"`
	To                Location    `json:"to"`
	Dates             DatePattern `json:"dates"`
	PreferredTime     string      `json:"preferred_time,omitempty"`
	SearchRadiusMiles float64     `json:"search_radius_miles"`
	IsActive          bool        `json:"is_active"`
	ExpiresAt         time.Time   `json:"expires_at"`
	CreatedAt         time.Time   `json:"created_at"`
}

type TripRequest struct {
	ID            string      `json:"id"`
	PassengerID   string      `json:"passenger_id"`
	FromAirport   string      `json:"from_airport"`
	ToAirport     string      `json:"to_airport"`
	Dates         DatePattern `json:"dates"`
	PreferredTime string      `json:"preferred_time,omitempty"`
	IsActive      bool        `json:"is_active"`
	ExpiresAt     time.Time   `json:"expires_at"`
	CreatedAt     time.Time   `json:"created_at"`
}

type PreferenceType string

const (
	// PreferencePost is created alongside a posting and notifies the poster
	// about future matching requests.
	PreferencePost PreferenceType = "post"
	// PreferenceRequest notifies its owner about future matching postings.
	PreferenceRequest PreferenceType = "request"
)

type NotificationPreference struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Kind              OfferingKind   `json:"kind"`
	Type              PreferenceType `json:"type"`
	SourceID          string         `json:"source_id,omitempty"`
	From              Location       `json:"from"`
	To                Location       `json:"to"`
	Dates             DatePattern    `json:"dates"`
	SearchRadiusMiles float64        `json:"search_radius_miles"`
	IsActive          bool           `json:"is_active"`
	ExpiresAt         time.Time      `json:"expires_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Live reports whether a standing request or preference can still match.
func Live(active bool, expiresAt, now time.Time) bool {
	return active && (expiresAt.IsZero() || expiresAt.After(now))
}
