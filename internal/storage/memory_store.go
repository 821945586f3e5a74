package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// MemoryStore is an in-process Store used for tests and local runs.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu            sync.RWMutex
	confirmations map[string]models.Confirmation
	rides         map[string]models.Ride
	trips         map[string]models.Trip
	rideRequests  map[string]models.RideRequest
	tripRequests  map[string]models.TripRequest
	preferences   map[string]models.NotificationPreference
	notifications []models.Notification
	profiles      map[string]models.Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		confirmations: make(map[string]models.Confirmation),
		rides:         make(map[string]models.Ride),
		trips:         make(map[string]models.Trip),
		rideRequests:  make(map[string]models.RideRequest),
		tripRequests:  make(map[string]models.TripRequest),
		preferences:   make(map[string]models.NotificationPreference),
		profiles:      make(map[string]models.Profile),
	}
}

func (m *MemoryStore) CreateConfirmation(ctx context.Context, c *models.Confirmation) error {
	if err := c.Validate(); err != nil {
		return &Error{Code: 400, Msg: err.Error()}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.confirmations[c.ID]; ok {
		return ErrAlreadyExists
	}
	if c.Status == models.StatusPending && m.pendingExists(*c) {
		return ErrAlreadyExists
	}
	m.confirmations[c.ID] = cloneConfirmation(*c)
	return nil
}

func (m *MemoryStore) GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.confirmations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c = cloneConfirmation(c)
	return &c, nil
}

func (m *MemoryStore) FindConfirmations(ctx context.Context, f ConfirmationFilter) ([]models.Confirmation, error) {
	m.mu.RLock()
	out := make([]models.Confirmation, 0)
	for _, c := range m.confirmations {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, c.ID) {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.PassengerID != "" && c.PassengerID != f.PassengerID {
			continue
		}
		if f.Ref != nil && c.Ref() != *f.Ref {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !c.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, cloneConfirmation(c))
	}
	m.mu.RUnlock()

	if f.NewestFirst {
		sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	} else {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	if ch.To == models.StatusPending && m.pendingExists(c) {
		return false, ErrAlreadyExists
	}
	ch.Apply(&c)
	m.confirmations[id] = cloneConfirmation(c)
	return true, nil
}

func (m *MemoryStore) BatchUpdateStatus(ctx context.Context, ids []string, from models.Status, ch models.StatusChange) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := make([]string, 0, len(ids))
	for _, id := range ids {
		c, ok := m.confirmations[id]
		if !ok || c.Status != from {
			continue
		}
		ch.Apply(&c)
		m.confirmations[id] = cloneConfirmation(c)
		updated = append(updated, id)
	}
	return updated, nil
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetOffering(ctx context.Context, ref models.OfferingRef) (models.Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch ref.Kind {
	case models.KindRide:
		if r, ok := m.rides[ref.ID]; ok {
			return &r, nil
		}
	case models.KindTrip:
		if t, ok := m.trips[ref.ID]; ok {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if f.ExcludeOwner != "" && r.DriverID == f.ExcludeOwner {
			continue
		}
		if !f.DepartsAfter.IsZero() && !r.DepartureDateTime.After(f.DepartsAfter) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureDateTime.Before(out[j].DepartureDateTime) })
	return out, nil
}

func (m *MemoryStore) FindTrips(ctx context.Context, f TripFilter) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if f.ExcludeOwner != "" && t.TravelerID == f.ExcludeOwner {
			continue
		}
		if f.FromAirport != "" && !strings.EqualFold(t.FromAirport, f.FromAirport) {
			continue
		}
		if f.ToAirport != "" && !strings.EqualFold(t.ToAirport, f.ToAirport) {
			continue
		}
		if f.OnOrAfter != "" && t.TravelDate < f.OnOrAfter {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TravelDate < out[j].TravelDate })
	return out, nil
}

func (m *MemoryStore) SaveRideRequest(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Dates.MultipleDates = slices.Clone(r.Dates.MultipleDates)
	m.rideRequests[r.ID] = cp
	return nil
}

func (m *MemoryStore) SaveTripRequest(ctx context.Context, r *models.TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Dates.MultipleDates = slices.Clone(r.Dates.MultipleDates)
	m.tripRequests[r.ID] = cp
	return nil
}

func (m *MemoryStore) FindRideRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.rideRequests {
		if f.ExcludeUser != "" && r.PassengerID == f.ExcludeUser {
			continue
		}
		if !f.ActiveAt.IsZero() && !models.Live(r.IsActive, r.ExpiresAt, f.ActiveAt) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FindTripRequests(ctx context.Context, f RequestFilter) ([]models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TripRequest, 0)
	for _, r := range m.tripRequests {
		if f.ExcludeUser != "" && r.PassengerID == f.ExcludeUser {
			continue
		}
		if !f.ActiveAt.IsZero() && !models.Live(r.IsActive, r.ExpiresAt, f.ActiveAt) {
			continue
		}
		if f.FromAirport != "" && !strings.EqualFold(r.FromAirport, f.FromAirport) {
			continue
		}
		if f.ToAirport != "" && !strings.EqualFold(r.ToAirport, f.ToAirport) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeactivateExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rideRequests {
		if r.IsActive && !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			r.IsActive = false
			m.rideRequests[id] = r
			n++
		}
	}
	for id, r := range m.tripRequests {
		if r.IsActive && !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			r.IsActive = false
			m.tripRequests[id] = r
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SavePreference(ctx context.Context, p *models.NotificationPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Dates.MultipleDates = slices.Clone(p.Dates.MultipleDates)
	m.preferences[p.ID] = cp
	return nil
}

func (m *MemoryStore) FindPreferences(ctx context.Context, f PreferenceFilter) ([]models.NotificationPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NotificationPreference, 0)
	for _, p := range m.preferences {
		if f.Kind != "" && p.Kind != f.Kind {
			continue
		}
		if f.Type != "" && p.Type != f.Type {
			continue
		}
		if f.ExcludeUser != "" && p.UserID == f.ExcludeUser {
			continue
		}
		if !f.ActiveAt.IsZero() && !models.Live(p.IsActive, p.ExpiresAt, f.ActiveAt) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeactivateExpiredPreferences(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.preferences {
		if p.IsActive && !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now) {
			p.IsActive = false
			m.preferences[id] = p
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *MemoryStore) HasNotification(ctx context.Context, confirmationID string, action models.Action) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.notifications {
		if n.ConfirmationID == confirmationID && n.Action == action {
			return true, nil
		}
	}
	return false, nil
}

// ListNotifications returns the receiver's notifications, newest first.
func (m *MemoryStore) ListNotifications(ctx context.Context, receiverID string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Notification, 0)
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if receiverID != "" && n.ReceiverID != receiverID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveProfile(ctx context.Context, p *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = *p
	return nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// pendingExists mirrors the one-pending-per-passenger-and-offering index.
func (m *MemoryStore) pendingExists(c models.Confirmation) bool {
	for _, o := range m.confirmations {
		if o.ID != c.ID && o.Status == models.StatusPending && o.PassengerID == c.PassengerID &&
			o.RideID == c.RideID && o.TripID == c.TripID {
			return true
		}
	}
	return false
}

func cloneConfirmation(c models.Confirmation) models.Confirmation {
	if c.ConfirmedAt != nil {
		t := *c.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return c
}
