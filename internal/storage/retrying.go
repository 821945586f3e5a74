package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/retry"
)

// Retrying wraps a Store so that every call goes through the retry executor.
// A write whose acknowledgement was lost looks like a conflict when replayed,
// so replays are checked against the stored row: a CAS counts as applied when
// the row carries this change's status and updated_at, and a create counts as
// applied when the stored row is the one being inserted.
type Retrying struct {
	next   Store
	policy retry.Policy
}

// NewRetrying wraps next. A nil policy classifier defaults to IsRetryable.
func NewRetrying(next Store, policy retry.Policy) *Retrying {
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	return &Retrying{next: next, policy: policy}
}

func (r *Retrying) with(op string) retry.Policy {
	p := r.policy
	p.Name = op
	return p
}

func (r *Retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.with(op), fn)
}

func (r *Retrying) CreateConfirmation(ctx context.Context, c *models.Confirmation) error {
	attempt := 0
	return r.do(ctx, "create_confirmation", func(ctx context.Context) error {
		attempt++
		err := r.next.CreateConfirmation(ctx, c)
		if attempt > 1 && errors.Is(err, ErrAlreadyExists) {
			if stored, gerr := r.next.GetConfirmation(ctx, c.ID); gerr == nil && sameConfirmation(stored, c) {
				return nil
			}
		}
		return err
	})
}

func (r *Retrying) GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error) {
	return retry.Value(ctx, r.with("get_confirmation"), func(ctx context.Context) (*models.Confirmation, error) {
		return r.next.GetConfirmation(ctx, id)
	})
}

func (r *Retrying) FindConfirmations(ctx context.Context, f ConfirmationFilter) ([]models.Confirmation, error) {
	return retry.Value(ctx, r.with("find_confirmations"), func(ctx context.Context) ([]models.Confirmation, error) {
		return r.next.FindConfirmations(ctx, f)
	})
}

func (r *Retrying) UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error) {
	attempt := 0
	return retry.Value(ctx, r.with("update_confirmation_status"), func(ctx context.Context) (bool, error) {
		attempt++
		ok, err := r.next.UpdateConfirmationStatus(ctx, id, from, ch)
		if err != nil || ok || attempt == 1 {
			return ok, err
		}
		stored, err := r.next.GetConfirmation(ctx, id)
		if err != nil {
			return false, err
		}
		return appliedBy(*stored, ch), nil
	})
}

func (r *Retrying) BatchUpdateStatus(ctx context.Context, ids []string, from models.Status, ch models.StatusChange) ([]string, error) {
	attempt := 0
	return retry.Value(ctx, r.with("batch_update_status"), func(ctx context.Context) ([]string, error) {
		attempt++
		updated, err := r.next.BatchUpdateStatus(ctx, ids, from, ch)
		if err != nil || attempt == 1 || len(updated) == len(ids) {
			return updated, err
		}
		done := make(map[string]bool, len(updated))
		for _, id := range updated {
			done[id] = true
		}
		var rest []string
		for _, id := range ids {
			if !done[id] {
				rest = append(rest, id)
			}
		}
		stored, err := r.next.FindConfirmations(ctx, ConfirmationFilter{IDs: rest})
		if err != nil {
			return nil, err
		}
		for _, c := range stored {
			if appliedBy(c, ch) {
				updated = append(updated, c.ID)
			}
		}
		return updated, nil
	})
}

// appliedBy reports whether c already carries ch. Postgres keeps microseconds,
// so timestamps are compared at that precision.
func appliedBy(c models.Confirmation, ch models.StatusChange) bool {
	return c.Status == ch.To && sameInstant(c.UpdatedAt, ch.UpdatedAt)
}

func sameConfirmation(stored, c *models.Confirmation) bool {
	return stored.RideID == c.RideID && stored.TripID == c.TripID &&
		stored.OwnerID == c.OwnerID && stored.PassengerID == c.PassengerID &&
		stored.Status == c.Status && sameInstant(stored.CreatedAt, c.CreatedAt)
}

func sameInstant(a, b time.Time) bool {
	d := a.Sub(b)
	return d > -time.Microsecond && d < time.Microsecond
}

func (r *Retrying) SaveRide(ctx context.Context, ride *models.Ride) error {
	return r.do(ctx, "save_ride", func(ctx context.Context) error { return r.next.SaveRide(ctx, ride) })
}

func (r *Retrying) SaveTrip(ctx context.Context, t *models.Trip) error {
	return r.do(ctx, "save_trip", func(ctx context.Context) error { return r.next.SaveTrip(ctx, t) })
}

func (r *Retrying) GetOffering(ctx context.Context, ref models.OfferingRef) (models.Offering, error) {
	return retry.Value(ctx, r.with("get_offering"), func(ctx context.Context) (models.Offering, error) {
		return r.next.GetOffering(ctx, ref)
	})
}

func (r *Retrying) FindRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	return retry.Value(ctx, r.with("find_rides"), func(ctx context.Context) ([]models.Ride, error) {
		return r.next.FindRides(ctx, f)
	})
}

func (r *Retrying) FindTrips(ctx context.Context, f TripFilter) ([]models.Trip, error) {
	return retry.Value(ctx, r.with("find_trips"), func(ctx context.Context) ([]models.Trip, error) {
		return r.next.FindTrips(ctx, f)
	})
}

func (r *Retrying) SaveRideRequest(ctx context.Context, req *models.RideRequest) error {
	return r.do(ctx, "save_ride_request", func(ctx context.Context) error { return r.next.SaveRideRequest(ctx, req) })
}

func (r *Retrying) SaveTripRequest(ctx context.Context, req *models.TripRequest) error {
	return r.do(ctx, "save_trip_request", func(ctx context.Context) error { return r.next.SaveTripRequest(ctx, req) })
}

func (r *Retrying) FindRideRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error) {
	return retry.Value(ctx, r.with("find_ride_requests"), func(ctx context.Context) ([]models.RideRequest, error) {
		return r.next.FindRideRequests(ctx, f)
	})
}

func (r *Retrying) FindTripRequests(ctx context.Context, f RequestFilter) ([]models.TripRequest, error) {
	return retry.Value(ctx, r.with("find_trip_requests"), func(ctx context.Context) ([]models.TripRequest, error) {
		return r.next.FindTripRequests(ctx, f)
	})
}

func (r *Retrying) DeactivateExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	return retry.Value(ctx, r.with("deactivate_requests"), func(ctx context.Context) (int64, error) {
		return r.next.DeactivateExpiredRequests(ctx, now)
	})
}

func (r *Retrying) SavePreference(ctx context.Context, p *models.NotificationPreference) error {
	return r.do(ctx, "save_preference", func(ctx context.Context) error { return r.next.SavePreference(ctx, p) })
}

func (r *Retrying) FindPreferences(ctx context.Context, f PreferenceFilter) ([]models.NotificationPreference, error) {
	return retry.Value(ctx, r.with("find_preferences"), func(ctx context.Context) ([]models.NotificationPreference, error) {
		return r.next.FindPreferences(ctx, f)
	})
}

func (r *Retrying) DeactivateExpiredPreferences(ctx context.Context, now time.Time) (int64, error) {
	return retry.Value(ctx, r.with("deactivate_preferences"), func(ctx context.Context) (int64, error) {
		return r.next.DeactivateExpiredPreferences(ctx, now)
	})
}

func (r *Retrying) SaveNotification(ctx context.Context, n *models.Notification) error {
	return r.do(ctx, "save_notification", func(ctx context.Context) error { return r.next.SaveNotification(ctx, n) })
}

func (r *Retrying) HasNotification(ctx context.Context, confirmationID string, action models.Action) (bool, error) {
	return retry.Value(ctx, r.with("has_notification"), func(ctx context.Context) (bool, error) {
		return r.next.HasNotification(ctx, confirmationID, action)
	})
}

func (r *Retrying) ListNotifications(ctx context.Context, receiverID string, limit int) ([]models.Notification, error) {
	return retry.Value(ctx, r.with("list_notifications"), func(ctx context.Context) ([]models.Notification, error) {
		return r.next.ListNotifications(ctx, receiverID, limit)
	})
}

func (r *Retrying) SaveProfile(ctx context.Context, p *models.Profile) error {
	return r.do(ctx, "save_profile", func(ctx context.Context) error { return r.next.SaveProfile(ctx, p) })
}

func (r *Retrying) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	return retry.Value(ctx, r.with("get_profile"), func(ctx context.Context) (*models.Profile, error) {
		return r.next.GetProfile(ctx, userID)
	})
}
