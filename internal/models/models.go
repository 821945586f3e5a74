package models

import (
	"errors"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a named place with optional coordinates. Matching falls back
// to the name when either side has no coordinates.
type Location struct {
	Name  string `json:"name"`
	Coord *Coord `json:"coord,omitempty"`
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

type OfferingKind string

const (
	KindRide OfferingKind = "ride"
	KindTrip OfferingKind = "trip"
)

// OfferingRef points at exactly one ride or trip.
type OfferingRef struct {
	Kind OfferingKind `json:"kind"`
	ID   string       `json:"id"`
}

func RideRef(id string) OfferingRef { return OfferingRef{Kind: KindRide, ID: id} }
func TripRef(id string) OfferingRef { return OfferingRef{Kind: KindTrip, ID: id} }

// IDs splits the reference back into the (ride_id, trip_id) column pair.
func (r OfferingRef) IDs() (rideID, tripID string) {
	if r.Kind == KindRide {
		return r.ID, ""
	}
	return "", r.ID
}

var ErrAmbiguousOffering = errors.New("exactly one of ride_id or trip_id must be set")

// RefFromIDs builds a reference from a (ride_id, trip_id) pair.
func RefFromIDs(rideID, tripID string) (OfferingRef, error) {
	switch {
	case rideID != "" && tripID == "":
		return RideRef(rideID), nil
	case tripID != "" && rideID == "":
		return TripRef(tripID), nil
	}
	return OfferingRef{}, ErrAmbiguousOffering
}

// Confirmation is one passenger's claim on one ride or trip.
type Confirmation struct {
	ID          string     `json:"id"`
	RideID      string     `json:"ride_id,omitempty"`
	TripID      string     `json:"trip_id,omitempty"`
	OwnerID     string     `json:"owner_id"`
	PassengerID string     `json:"passenger_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

func (c *Confirmation) Ref() OfferingRef {
	if c.RideID != "" {
		return RideRef(c.RideID)
	}
	return TripRef(c.TripID)
}

func (c *Confirmation) Validate() error {
	if _, err := RefFromIDs(c.RideID, c.TripID); err != nil {
		return err
	}
	if c.OwnerID == "" || c.PassengerID == "" {
		return errors.New("owner_id and passenger_id are required")
	}
	if !c.Status.Valid() {
		return errors.New("invalid status " + string(c.Status))
	}
	return nil
}

// StatusChange is the set of fields a status transition writes.
// A nil ConfirmedAt clears the column.
type StatusChange struct {
	To          Status
	ConfirmedAt *time.Time
	UpdatedAt   time.Time
}

// Apply mutates c in place; callers hold their own copy.
func (s StatusChange) Apply(c *Confirmation) {
	c.Status = s.To
	c.ConfirmedAt = s.ConfirmedAt
	c.UpdatedAt = s.UpdatedAt
}
