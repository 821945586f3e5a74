// Package matcher links a newly created ride, trip, request or preference to
// the outstanding records on the other side and notifies each counterpart.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/ledger"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// DefaultRadiusMiles applies to requests saved without a search radius.
const DefaultRadiusMiles = 25.0

// Match kinds name the kind of record that was matched.
const (
	KindRideRequest = "ride_request"
	KindTripRequest = "trip_request"
	KindPreference  = "preference"
	KindRide        = "ride"
	KindTrip        = "trip"
)

type Store interface {
	FindRides(ctx context.Context, f storage.RideFilter) ([]models.Ride, error)
	FindTrips(ctx context.Context, f storage.TripFilter) ([]models.Trip, error)
	FindRideRequests(ctx context.Context, f storage.RequestFilter) ([]models.RideRequest, error)
	FindTripRequests(ctx context.Context, f storage.RequestFilter) ([]models.TripRequest, error)
	FindPreferences(ctx context.Context, f storage.PreferenceFilter) ([]models.NotificationPreference, error)
}

type Service struct {
	Store    Store
	Notifier dispatch.Notifier
	// Ledger, when set, makes each (source, target, kind) notify at most once.
	Ledger             ledger.Ledger
	DefaultRadiusMiles float64
	Now                func() time.Time
	Logger             *slog.Logger
}

type MatchError struct {
	TargetID string `json:"target_id"`
	Err      string `json:"error"`
}

type Report struct {
	Scanned int          `json:"scanned"`
	Matched int          `json:"matched"`
	Skipped int          `json:"skipped"`
	Errors  []MatchError `json:"errors,omitempty"`
}

func (r *Report) fail(target string, err error) {
	r.Errors = append(r.Errors, MatchError{TargetID: target, Err: err.Error()})
}

// match is one counterpart found by a scan.
type match struct {
	kind     string
	sourceID string
	targetID string
	receiver string
	sender   string
	role     models.ActorRole
	offering models.Offering
	ref      models.OfferingRef
	route    string
	date     string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) radius(r float64) float64 {
	if r > 0 {
		return r
	}
	if s.DefaultRadiusMiles > 0 {
		return s.DefaultRadiusMiles
	}
	return DefaultRadiusMiles
}

// OnRidePosted scans live ride requests and request-type ride preferences.
func (s *Service) OnRidePosted(ctx context.Context, ride *models.Ride) (Report, error) {
	defer observeLatency(time.Now())
	now := s.now()
	var rep Report
	var found []match
	date := ride.DepartureDate()

	reqs, err := s.Store.FindRideRequests(ctx, storage.RequestFilter{ActiveAt: now, ExcludeUser: ride.DriverID})
	if err != nil {
		return rep, fmt.Errorf("load ride requests: %w", err)
	}
	rep.Scanned += len(reqs)
	for _, req := range reqs {
		if !req.Dates.Matches(date) || !geo.RouteMatch(ride.From, ride.To, req.From, req.To, s.radius(req.SearchRadiusMiles)) {
			continue
		}
		found = append(found, s.postingMatch(ride, KindRideRequest, req.ID, req.PassengerID, date))
	}

	prefs, err := s.Store.FindPreferences(ctx, storage.PreferenceFilter{
		Kind: models.KindRide, Type: models.PreferenceRequest, ActiveAt: now, ExcludeUser: ride.DriverID,
	})
	if err != nil {
		return rep, fmt.Errorf("load ride preferences: %w", err)
	}
	rep.Scanned += len(prefs)
	for _, p := range prefs {
		if !p.Dates.Matches(date) || !geo.RouteMatch(ride.From, ride.To, p.From, p.To, s.radius(p.SearchRadiusMiles)) {
			continue
		}
		found = append(found, s.postingMatch(ride, KindPreference, p.ID, p.UserID, date))
	}
	s.send(ctx, found, &rep)
	return rep, nil
}

// OnTripPosted scans live trip requests and request-type trip preferences
// for the same airport pair.
func (s *Service) OnTripPosted(ctx context.Context, trip *models.Trip) (Report, error) {
	defer observeLatency(time.Now())
	now := s.now()
	var rep Report
	var found []match
	date := trip.DepartureDate()

	reqs, err := s.Store.FindTripRequests(ctx, storage.RequestFilter{
		ActiveAt: now, ExcludeUser: trip.TravelerID, FromAirport: trip.FromAirport, ToAirport: trip.ToAirport,
	})
	if err != nil {
		return rep, fmt.Errorf("load trip requests: %w", err)
	}
	rep.Scanned += len(reqs)
	for _, req := range reqs {
		if !sameRoute(trip, req.FromAirport, req.ToAirport) || !req.Dates.Matches(date) {
			continue
		}
		found = append(found, s.postingMatch(trip, KindTripRequest, req.ID, req.PassengerID, date))
	}

	prefs, err := s.Store.FindPreferences(ctx, storage.PreferenceFilter{
		Kind: models.KindTrip, Type: models.PreferenceRequest, ActiveAt: now, ExcludeUser: trip.TravelerID,
	})
	if err != nil {
		return rep, fmt.Errorf("load trip preferences: %w", err)
	}
	rep.Scanned += len(prefs)
	for _, p := range prefs {
		if !sameRoute(trip, p.From.Name, p.To.Name) || !p.Dates.Matches(date) {
			continue
		}
		found = append(found, s.postingMatch(trip, KindPreference, p.ID, p.UserID, date))
	}
	s.send(ctx, found, &rep)
	return rep, nil
}

// OnRideRequestCreated scans upcoming rides and post-type ride preferences
// and tells each owner about the new passenger.
func (s *Service) OnRideRequestCreated(ctx context.Context, req *models.RideRequest) (Report, error) {
	return s.rideSearch(ctx, req.ID, req.PassengerID, req.From, req.To, req.Dates, req.SearchRadiusMiles)
}

// OnTripRequestCreated is OnRideRequestCreated for airport pairs.
func (s *Service) OnTripRequestCreated(ctx context.Context, req *models.TripRequest) (Report, error) {
	return s.tripSearch(ctx, req.ID, req.PassengerID, req.FromAirport, req.ToAirport, req.Dates)
}

// OnPreferenceCreated runs a request-type preference as a search. Post-type
// preferences are matched from the request side, so they scan nothing here.
func (s *Service) OnPreferenceCreated(ctx context.Context, p *models.NotificationPreference) (Report, error) {
	if p.Type != models.PreferenceRequest {
		return Report{}, nil
	}
	switch p.Kind {
	case models.KindRide:
		return s.rideSearch(ctx, p.ID, p.UserID, p.From, p.To, p.Dates, p.SearchRadiusMiles)
	case models.KindTrip:
		return s.tripSearch(ctx, p.ID, p.UserID, p.From.Name, p.To.Name, p.Dates)
	}
	return Report{}, fmt.Errorf("preference %s: unknown kind %q", p.ID, p.Kind)
}

func (s *Service) rideSearch(ctx context.Context, sourceID, userID string, from, to models.Location, dates models.DatePattern, radius float64) (Report, error) {
	defer observeLatency(time.Now())
	now := s.now()
	radius = s.radius(radius)
	var rep Report
	var found []match

	rides, err := s.Store.FindRides(ctx, storage.RideFilter{DepartsAfter: now, ExcludeOwner: userID})
	if err != nil {
		return rep, fmt.Errorf("load rides: %w", err)
	}
	rep.Scanned += len(rides)
	matchedPosts := make(map[string]bool)
	for i := range rides {
		ride := &rides[i]
		date := ride.DepartureDate()
		if !dates.Matches(date) || !geo.RouteMatch(ride.From, ride.To, from, to, radius) {
			continue
		}
		matchedPosts[ride.ID] = true
		found = append(found, s.requestMatch(ride, KindRide, sourceID, ride.ID, ride.DriverID, userID, date))
	}

	prefs, err := s.Store.FindPreferences(ctx, storage.PreferenceFilter{
		Kind: models.KindRide, Type: models.PreferencePost, ActiveAt: now, ExcludeUser: userID,
	})
	if err != nil {
		return rep, fmt.Errorf("load ride preferences: %w", err)
	}
	rep.Scanned += len(prefs)
	for _, p := range prefs {
		// The owner already hears about the posting itself.
		if p.SourceID != "" && matchedPosts[p.SourceID] {
			continue
		}
		date, ok := overlap(dates, p.Dates)
		if !ok || !geo.RouteMatch(p.From, p.To, from, to, radius) {
			continue
		}
		found = append(found, s.preferenceMatch(p, sourceID, userID, date))
	}
	s.send(ctx, found, &rep)
	return rep, nil
}

func (s *Service) tripSearch(ctx context.Context, sourceID, userID, fromAirport, toAirport string, dates models.DatePattern) (Report, error) {
	defer observeLatency(time.Now())
	now := s.now()
	var rep Report
	var found []match

	trips, err := s.Store.FindTrips(ctx, storage.TripFilter{
		FromAirport: fromAirport, ToAirport: toAirport, OnOrAfter: models.DateOf(now.UTC()), ExcludeOwner: userID,
	})
	if err != nil {
		return rep, fmt.Errorf("load trips: %w", err)
	}
	rep.Scanned += len(trips)
	matchedPosts := make(map[string]bool)
	for i := range trips {
		trip := &trips[i]
		date := trip.DepartureDate()
		if !sameRoute(trip, fromAirport, toAirport) || !dates.Matches(date) {
			continue
		}
		matchedPosts[trip.ID] = true
		found = append(found, s.requestMatch(trip, KindTrip, sourceID, trip.ID, trip.TravelerID, userID, date))
	}

	prefs, err := s.Store.FindPreferences(ctx, storage.PreferenceFilter{
		Kind: models.KindTrip, Type: models.PreferencePost, ActiveAt: now, ExcludeUser: userID,
	})
	if err != nil {
		return rep, fmt.Errorf("load trip preferences: %w", err)
	}
	rep.Scanned += len(prefs)
	for _, p := range prefs {
		if p.SourceID != "" && matchedPosts[p.SourceID] {
			continue
		}
		if !geo.SameAirport(p.From.Name, fromAirport) || !geo.SameAirport(p.To.Name, toAirport) {
			continue
		}
		date, ok := overlap(dates, p.Dates)
		if !ok {
			continue
		}
		found = append(found, s.preferenceMatch(p, sourceID, userID, date))
	}
	s.send(ctx, found, &rep)
	return rep, nil
}

func sameRoute(t *models.Trip, from, to string) bool {
	return geo.SameAirport(t.FromAirport, from) && geo.SameAirport(t.ToAirport, to)
}

// overlap finds a date the candidate pattern covers that want accepts.
func overlap(want, have models.DatePattern) (string, bool) {
	switch have.Type {
	case models.DateSpecific:
		return have.SpecificDate, want.Matches(have.SpecificDate)
	case models.DateMultiple:
		for _, d := range have.MultipleDates {
			if want.Matches(d) {
				return d, true
			}
		}
	case models.DateMonth:
		if want.Type == models.DateMonth {
			return have.Month, have.Month != "" && want.Month == have.Month
		}
		for _, d := range append([]string{want.SpecificDate}, want.MultipleDates...) {
			if d != "" && have.Matches(d) {
				return d, true
			}
		}
	}
	return "", false
}

// postingMatch notifies a searcher that a new posting fits their search.
func (s *Service) postingMatch(off models.Offering, kind, targetID, receiver, date string) match {
	return match{
		kind:     kind,
		sourceID: off.Ref().ID,
		targetID: targetID,
		receiver: receiver,
		sender:   off.Owner(),
		role:     models.RoleOwner,
		offering: off,
		ref:      off.Ref(),
		route:    off.RouteDescription(),
		date:     date,
	}
}

// requestMatch notifies a posting owner that a new search fits their posting.
func (s *Service) requestMatch(off models.Offering, kind, sourceID, targetID, owner, searcher, date string) match {
	return match{
		kind:     kind,
		sourceID: sourceID,
		targetID: targetID,
		receiver: owner,
		sender:   searcher,
		role:     models.RolePassenger,
		offering: off,
		ref:      off.Ref(),
		route:    off.RouteDescription(),
		date:     date,
	}
}

func (s *Service) preferenceMatch(p models.NotificationPreference, sourceID, searcher, date string) match {
	return match{
		kind:     KindPreference,
		sourceID: sourceID,
		targetID: p.ID,
		receiver: p.UserID,
		sender:   searcher,
		role:     models.RolePassenger,
		ref:      models.OfferingRef{Kind: p.Kind, ID: p.SourceID},
		route:    p.From.Name + " → " + p.To.Name,
		date:     date,
	}
}

func (m match) payload() models.MatchPayload {
	p := models.MatchPayload{
		MatchKind:     m.kind,
		CounterpartID: m.sender,
		SourceID:      m.sourceID,
		TargetID:      m.targetID,
		Offering:      m.ref.ID,
		Route:         m.route,
		Date:          m.date,
	}
	if m.offering != nil {
		p.Departure = m.offering.DepartureInstant()
		price := m.offering.PriceInfo()
		p.Price = &price
	}
	return p
}

func (s *Service) send(ctx context.Context, found []match, rep *Report) {
	logger := logging.OrDefault(s.Logger)
	for _, m := range found {
		if s.Ledger != nil {
			fresh, err := s.Ledger.Record(ctx, ledger.Key{SourceID: m.sourceID, TargetID: m.targetID, Kind: m.kind})
			if err != nil {
				// notify anyway
				logger.Warn("match ledger unavailable", "source_id", m.sourceID, "target_id", m.targetID, "error", err)
			} else if !fresh {
				rep.Skipped++
				observability.MatchesDeduplicated.Inc()
				continue
			}
		}
		if s.Notifier != nil {
			p := m.payload()
			_, err := s.Notifier.Notify(ctx, dispatch.Event{
				Action:     models.ActionMatch,
				ActorRole:  m.role,
				SenderID:   m.sender,
				ReceiverID: m.receiver,
				Offering:   m.offering,
				Ref:        m.ref,
				Data:       map[string]any{"match": p, "date": p.Date},
			})
			if err != nil {
				rep.fail(m.targetID, err)
				logger.Warn("match notification failed", "kind", m.kind, "target_id", m.targetID, "error", err)
				continue
			}
		}
		rep.Matched++
		observability.MatchesTotal.WithLabelValues(m.kind).Inc()
	}
}

func observeLatency(start time.Time) {
	observability.MatchLatency.Observe(time.Since(start).Seconds())
}
