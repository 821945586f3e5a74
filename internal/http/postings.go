package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
)

type postingResponse struct {
	Record       any             `json:"record"`
	PreferenceID string          `json:"preference_id,omitempty"`
	Queued       bool            `json:"queued,omitempty"`
	Matches      *matcher.Report `json:"matches,omitempty"`
}

// match publishes the new record for the worker, or scans inline when no
// broker is configured or publishing fails.
func (s *Server) match(ctx context.Context, typ ingest.EventType, id string, v any, inline func(ctx context.Context) (matcher.Report, error)) (bool, *matcher.Report) {
	if s.Events != nil {
		err := s.Events.Publish(ctx, typ, id, v)
		if err == nil {
			return true, nil
		}
		s.logger.Warn("event publish failed, matching inline", "type", string(typ), "id", id, "error", err)
	}
	if s.Matcher == nil {
		return false, nil
	}
	rep, err := inline(ctx)
	if err != nil {
		s.logger.Error("inline matching failed", "type", string(typ), "id", id, "error", err)
		return false, nil
	}
	return false, &rep
}

// postPreference saves the poster's standing subscription for future
// requests on the same route and date.
func (s *Server) postPreference(ctx context.Context, userID string, kind models.OfferingKind, sourceID string, from, to models.Location, date string) (string, error) {
	dates := models.DatePattern{Type: models.DateSpecific, SpecificDate: date}
	exp, err := dates.ExpiresAt()
	if err != nil {
		return "", err
	}
	p := &models.NotificationPreference{
		ID: s.NewID(), UserID: userID, Kind: kind, Type: models.PreferencePost, SourceID: sourceID,
		From: from, To: to, Dates: dates, IsActive: true, ExpiresAt: exp, CreatedAt: s.Now(),
	}
	if err := s.Store.SavePreference(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (s *Server) handlePostRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		models.Ride
		NotifyOnMatch bool `json:"notify_on_match"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	ride := body.Ride
	ride.ID = s.NewID()
	ride.DriverID = userID(r)
	ride.CreatedAt = s.Now()
	if err := ride.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}
	if !ride.DepartureDateTime.After(s.Now()) {
		badRequest(w, "departure_date_time must be in the future")
		return
	}
	ctx := r.Context()
	if err := s.Store.SaveRide(ctx, &ride); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := postingResponse{Record: ride}
	if body.NotifyOnMatch {
		id, err := s.postPreference(ctx, ride.DriverID, models.KindRide, ride.ID, ride.From, ride.To, ride.DepartureDate())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.PreferenceID = id
	}
	resp.Queued, resp.Matches = s.match(ctx, ingest.RidePosted, ride.ID, &ride, func(ctx context.Context) (matcher.Report, error) {
		return s.Matcher.OnRidePosted(ctx, &ride)
	})
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handlePostTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		models.Trip
		NotifyOnMatch bool `json:"notify_on_match"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	trip := body.Trip
	trip.ID = s.NewID()
	trip.TravelerID = userID(r)
	trip.CreatedAt = s.Now()
	if err := trip.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}
	if !trip.DepartureInstant().After(s.Now()) {
		badRequest(w, "travel_date must be in the future")
		return
	}
	ctx := r.Context()
	if err := s.Store.SaveTrip(ctx, &trip); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := postingResponse{Record: trip}
	if body.NotifyOnMatch {
		from, to := models.Location{Name: trip.FromAirport}, models.Location{Name: trip.ToAirport}
		id, err := s.postPreference(ctx, trip.TravelerID, models.KindTrip, trip.ID, from, to, trip.TravelDate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.PreferenceID = id
	}
	resp.Queued, resp.Matches = s.match(ctx, ingest.TripPosted, trip.ID, &trip, func(ctx context.Context) (matcher.Report, error) {
		return s.Matcher.OnTripPosted(ctx, &trip)
	})
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.From.Name == "" || req.To.Name == "" {
		badRequest(w, "from and to are required")
		return
	}
	if req.SearchRadiusMiles < 0 {
		badRequest(w, "search_radius_miles must not be negative")
		return
	}
	exp, err := req.Dates.Validate(s.Now())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req.ID, req.PassengerID = s.NewID(), userID(r)
	req.IsActive, req.ExpiresAt, req.CreatedAt = true, exp, s.Now()

	ctx := r.Context()
	if err := s.Store.SaveRideRequest(ctx, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := postingResponse{Record: req}
	resp.Queued, resp.Matches = s.match(ctx, ingest.RideRequestCreated, req.ID, &req, func(ctx context.Context) (matcher.Report, error) {
		return s.Matcher.OnRideRequestCreated(ctx, &req)
	})
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleTripRequest(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.FromAirport == "" || req.ToAirport == "" {
		badRequest(w, "from_airport and to_airport are required")
		return
	}
	exp, err := req.Dates.Validate(s.Now())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req.ID, req.PassengerID = s.NewID(), userID(r)
	req.IsActive, req.ExpiresAt, req.CreatedAt = true, exp, s.Now()

	ctx := r.Context()
	if err := s.Store.SaveTripRequest(ctx, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := postingResponse{Record: req}
	resp.Queued, resp.Matches = s.match(ctx, ingest.TripRequestCreated, req.ID, &req, func(ctx context.Context) (matcher.Report, error) {
		return s.Matcher.OnTripRequestCreated(ctx, &req)
	})
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handlePreference(w http.ResponseWriter, r *http.Request) {
	var p models.NotificationPreference
	if err := decode(r, &p); err != nil {
		badRequest(w, err.Error())
		return
	}
	if p.Kind != models.KindRide && p.Kind != models.KindTrip {
		badRequest(w, "kind must be ride or trip")
		return
	}
	if p.Type == "" {
		p.Type = models.PreferenceRequest
	}
	if p.Type != models.PreferenceRequest && p.Type != models.PreferencePost {
		badRequest(w, "type must be post or request")
		return
	}
	if p.From.Name == "" || p.To.Name == "" {
		badRequest(w, "from and to are required")
		return
	}
	if p.SearchRadiusMiles < 0 {
		badRequest(w, "search_radius_miles must not be negative")
		return
	}
	exp, err := p.Dates.Validate(s.Now())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	p.ID, p.UserID = s.NewID(), userID(r)
	p.IsActive, p.ExpiresAt, p.CreatedAt = true, exp, s.Now()

	ctx := r.Context()
	if err := s.Store.SavePreference(ctx, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := postingResponse{Record: p}
	resp.Queued, resp.Matches = s.match(ctx, ingest.PreferenceCreated, p.ID, &p, func(ctx context.Context) (matcher.Report, error) {
		return s.Matcher.OnPreferenceCreated(ctx, &p)
	})
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.Store.ListNotifications(r.Context(), userID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleExpirySweep(w http.ResponseWriter, r *http.Request) {
	if s.Expiry == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "expiry engine not configured", Code: http.StatusNotFound})
		return
	}
	res, err := s.Expiry.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanupSweep(w http.ResponseWriter, r *http.Request) {
	if s.Cleanup == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "cleanup not configured", Code: http.StatusNotFound})
		return
	}
	res, err := s.Cleanup.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
