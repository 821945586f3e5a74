package models

import (
	"fmt"
	"time"
)

const (
	RideExpiryOffset = 2 * time.Hour
	TripExpiryOffset = 4 * time.Hour
)

// Offering is the ride-or-trip a confirmation, request or preference refers to.
// Each variant owns its departure rule, expiry offset and route label.
type Offering interface {
	Ref() OfferingRef
	Owner() string
	DepartureInstant() time.Time
	// DepartureDate is the calendar date used by date matching.
	DepartureDate() string
	RouteDescription() string
	ExpiryOffset() time.Duration
	PriceInfo() Price
}

type Price struct {
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Negotiable bool    `json:"negotiable"`
}

type Ride struct {
	ID                string    `json:"id"`
	DriverID          string    `json:"driver_id"`
	From              Location  `json:"from"`
	To                Location  `json:"to"`
	DepartureDateTime time.Time `json:"departure_date_time"`
	Price             float64   `json:"price"`
	Currency          string    `json:"currency"`
	Negotiable        bool      `json:"negotiable"`
	SeatsAvailable    int       `json:"seats_available"`
	CreatedAt         time.Time `json:"created_at"`
}

func (r *Ride) Ref() OfferingRef            { return RideRef(r.ID) }
func (r *Ride) Owner() string               { return r.DriverID }
func (r *Ride) DepartureInstant() time.Time { return r.DepartureDateTime }
func (r *Ride) DepartureDate() string       { return DateOf(r.DepartureDateTime.UTC()) }
func (r *Ride) ExpiryOffset() time.Duration { return RideExpiryOffset }
func (r *Ride) RouteDescription() string    { return r.From.Name + " → " + r.To.Name }
func (r *Ride) PriceInfo() Price            { return Price{r.Price, r.Currency, r.Negotiable} }

type Trip struct {
	ID          string `json:"id"`
	TravelerID  string `json:"traveler_id"`
	FromAirport string `json:"from_airport"`
	ToAirport   string `json:"to_airport"`
	// TravelDate is YYYY-MM-DD; TravelTime is an optional HH:MM in UTC.
	TravelDate string    `json:"travel_date"`
	TravelTime string    `json:"travel_time,omitempty"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	Negotiable bool      `json:"negotiable"`
	CreatedAt  time.Time `json:"created_at"`
}

func (t *Trip) Ref() OfferingRef            { return TripRef(t.ID) }
func (t *Trip) Owner() string               { return t.TravelerID }
func (t *Trip) DepartureDate() string       { return t.TravelDate }
func (t *Trip) ExpiryOffset() time.Duration { return TripExpiryOffset }
func (t *Trip) RouteDescription() string    { return t.FromAirport + " → " + t.ToAirport }
func (t *Trip) PriceInfo() Price            { return Price{t.Price, t.Currency, t.Negotiable} }

// DepartureInstant is the travel date at the travel time, or midnight UTC
// when no time was given. A malformed date yields the zero time.
func (t *Trip) DepartureInstant() time.Time {
	if t.TravelTime != "" {
		if ts, err := time.Parse("2006-01-02 15:04", t.TravelDate+" "+t.TravelTime); err == nil {
			return ts
		}
	}
	d, err := ParseDate(t.TravelDate)
	if err != nil {
		return time.Time{}
	}
	return d
}

func (t *Trip) Validate() error {
	if t.FromAirport == "" || t.ToAirport == "" {
		return fmt.Errorf("trip %s: both airports are required", t.ID)
	}
	if _, err := ParseDate(t.TravelDate); err != nil {
		return fmt.Errorf("trip %s: %w", t.ID, err)
	}
	if t.TravelTime != "" {
		if _, err := time.Parse("15:04", t.TravelTime); err != nil {
			return fmt.Errorf("trip %s: invalid travel_time %q", t.ID, t.TravelTime)
		}
	}
	return nil
}

func (r *Ride) Validate() error {
	if r.From.Name == "" || r.To.Name == "" {
		return fmt.Errorf("ride %s: both endpoints are required", r.ID)
	}
	if r.DepartureDateTime.IsZero() {
		return fmt.Errorf("ride %s: departure_date_time is required", r.ID)
	}
	return nil
}
