package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/models"
)

type actionBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RideID string `json:"ride_id"`
		TripID string `json:"trip_id"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	ref, err := models.RefFromIDs(body.RideID, body.TripID)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := s.Lifecycle.Request(r.Context(), userID(r), ref, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRespond(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body actionBody
		if err := decode(r, &body); err != nil {
			badRequest(w, err.Error())
			return
		}
		c, err := s.Lifecycle.Respond(r.Context(), mux.Vars(r)["id"], userID(r), accept, body.Reason)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decode(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := s.Lifecycle.Cancel(r.Context(), mux.Vars(r)["id"], userID(r), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReversalEligibility(w http.ResponseWriter, r *http.Request) {
	el, err := s.Lifecycle.ReversalEligibility(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decode(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := s.Lifecycle.Reverse(r.Context(), mux.Vars(r)["id"], userID(r), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRequestAgain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID string `json:"owner_id"`
		Reason  string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := s.Lifecycle.RequestAgain(r.Context(), mux.Vars(r)["id"], userID(r), body.OwnerID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCanRequestAgain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref, err := models.RefFromIDs(q.Get("ride_id"), q.Get("trip_id"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	check, err := s.Lifecycle.CanRequestAgain(r.Context(), userID(r), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}
