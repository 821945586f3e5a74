package storage

import (
	"context"
	"time"

	"github.com/example/carpool/internal/models"
)

type ConfirmationFilter struct {
	IDs         []string
	Status      models.Status
	PassengerID string
	Ref         *models.OfferingRef
	// UpdatedBefore skips records touched at or after this instant.
	UpdatedBefore time.Time
	// NewestFirst orders by updated_at descending; default is created_at ascending.
	NewestFirst bool
	Limit       int
}

// ConfirmationStore holds confirmations. Status writes are compare-and-set:
// they only apply while the stored status equals from.
type ConfirmationStore interface {
	CreateConfirmation(ctx context.Context, c *models.Confirmation) error
	GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error)
	FindConfirmations(ctx context.Context, f ConfirmationFilter) ([]models.Confirmation, error)
	// UpdateConfirmationStatus reports false when no row had the expected status.
	UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error)
	// BatchUpdateStatus returns the ids that actually transitioned.
	BatchUpdateStatus(ctx context.Context, ids []string, from models.Status, ch models.StatusChange) ([]string, error)
}

type RideFilter struct {
	DepartsAfter time.Time
	ExcludeOwner string
}

type TripFilter struct {
	FromAirport  string
	ToAirport    string
	OnOrAfter    string // YYYY-MM-DD
	ExcludeOwner string
}

type OfferingStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	SaveTrip(ctx context.Context, t *models.Trip) error
	GetOffering(ctx context.Context, ref models.OfferingRef) (models.Offering, error)
	FindRides(ctx context.Context, f RideFilter) ([]models.Ride, error)
	FindTrips(ctx context.Context, f TripFilter) ([]models.Trip, error)
}

// RequestFilter selects live standing requests.
type RequestFilter struct {
	ActiveAt    time.Time
	ExcludeUser string
	// FromAirport and ToAirport narrow trip requests; ignored for rides.
	FromAirport string
	ToAirport   string
}

type RequestStore interface {
	SaveRideRequest(ctx context.Context, r *models.RideRequest) error
	SaveTripRequest(ctx context.Context, r *models.TripRequest) error
	FindRideRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error)
	FindTripRequests(ctx context.Context, f RequestFilter) ([]models.TripRequest, error)
	DeactivateExpiredRequests(ctx context.Context, now time.Time) (int64, error)
}

type PreferenceFilter struct {
	Kind        models.OfferingKind
	Type        models.PreferenceType
	ActiveAt    time.Time
	ExcludeUser string
}

type PreferenceStore interface {
	SavePreference(ctx context.Context, p *models.NotificationPreference) error
	FindPreferences(ctx context.Context, f PreferenceFilter) ([]models.NotificationPreference, error)
	DeactivateExpiredPreferences(ctx context.Context, now time.Time) (int64, error)
}

type NotificationStore interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	HasNotification(ctx context.Context, confirmationID string, action models.Action) (bool, error)
	ListNotifications(ctx context.Context, receiverID string, limit int) ([]models.Notification, error)
}

type ProfileStore interface {
	SaveProfile(ctx context.Context, p *models.Profile) error
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// Store is the full record store the engines run against.
type Store interface {
	ConfirmationStore
	OfferingStore
	RequestStore
	PreferenceStore
	NotificationStore
	ProfileStore
}
