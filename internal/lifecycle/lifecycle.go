// Package lifecycle implements the user-driven confirmation transitions:
// owner accept/reject, passenger cancel, reversal of a rejection within 24h
// and re-requesting after a 30 minute cooldown. Every write is a
// compare-and-set on the expected prior status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

const (
	ReversalWindow  = 24 * time.Hour
	RequestCooldown = 30 * time.Minute
)

const (
	ReasonNoPermission    = "You do not have permission to change this confirmation"
	ReasonNotRejected     = "Only rejected confirmations can be reversed"
	ReasonWindowExpired   = "Reversal period has expired (24 hours)"
	ReasonDeparted        = "Cannot reverse for past rides"
	ReasonAlreadyPending  = "You already have a pending request for this ride"
	ReasonAlreadyAccepted = "Your request for this ride is already confirmed"
	ReasonStatusChanged   = "Confirmation was changed by someone else, please refresh"
)

// Error is a validation failure. It is never retried and maps to an HTTP status.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string   { return e.Reason }
func (e *Error) StatusCode() int { return e.Code }

func fail(code int, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

type ReversalType string

const (
	ReversalRejection    ReversalType = "rejection"
	ReversalCancellation ReversalType = "cancellation"
)

type Eligibility struct {
	CanReverse bool         `json:"can_reverse"`
	Reason     string       `json:"reason,omitempty"`
	Type       ReversalType `json:"reversal_type,omitempty"`
	// TimeRemaining is in hours.
	TimeRemaining float64 `json:"time_remaining,omitempty"`
}

type RequestAgainCheck struct {
	Allowed         bool   `json:"can_request_again"`
	Reason          string `json:"reason,omitempty"`
	CooldownMinutes int    `json:"cooldown_minutes,omitempty"`
}

type Store interface {
	CreateConfirmation(ctx context.Context, c *models.Confirmation) error
	GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error)
	FindConfirmations(ctx context.Context, f storage.ConfirmationFilter) ([]models.Confirmation, error)
	UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error)
	GetOffering(ctx context.Context, ref models.OfferingRef) (models.Offering, error)
}

type Service struct {
	Store    Store
	Notifier dispatch.Notifier
	Now      func() time.Time
	NewID    func() string
	Logger   *slog.Logger
}

func New(store Store, notifier dispatch.Notifier, logger *slog.Logger) *Service {
	return &Service{Store: store, Notifier: notifier, Now: time.Now, NewID: uuid.NewString, Logger: logging.OrDefault(logger)}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) load(ctx context.Context, id string) (*models.Confirmation, models.Offering, error) {
	c, err := s.Store.GetConfirmation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fail(http.StatusNotFound, "Confirmation not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load confirmation %s: %w", id, err)
	}
	off, err := s.Store.GetOffering(ctx, c.Ref())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fail(http.StatusNotFound, "%s not found", c.Ref().Kind)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load %s %s: %w", c.Ref().Kind, c.Ref().ID, err)
	}
	return c, off, nil
}

// reversible is the reversal predicate: caller is a party, status is
// rejected, the rejection is at most 24h old and the offering has not left.
func reversible(c *models.Confirmation, off models.Offering, userID string, now time.Time) (ReversalType, time.Duration, *Error) {
	var typ ReversalType
	switch userID {
	case c.OwnerID:
		typ = ReversalRejection
	case c.PassengerID:
		typ = ReversalCancellation
	default:
		return "", 0, fail(http.StatusForbidden, ReasonNoPermission)
	}
	if c.Status != models.StatusRejected {
		return "", 0, fail(http.StatusConflict, ReasonNotRejected)
	}
	since := now.Sub(c.UpdatedAt)
	if since > ReversalWindow {
		return "", 0, fail(http.StatusConflict, ReasonWindowExpired)
	}
	if !off.DepartureInstant().After(now) {
		return "", 0, fail(http.StatusConflict, ReasonDeparted)
	}
	return typ, ReversalWindow - since, nil
}

// ReversalEligibility reports whether userID may undo the rejection. An
// ineligible confirmation is not an error; a missing one is.
func (s *Service) ReversalEligibility(ctx context.Context, id, userID string) (Eligibility, error) {
	c, off, err := s.load(ctx, id)
	if err != nil {
		return Eligibility{}, err
	}
	typ, left, verr := reversible(c, off, userID, s.now())
	if verr != nil {
		return Eligibility{Reason: verr.Reason}, nil
	}
	return Eligibility{CanReverse: true, Type: typ, TimeRemaining: left.Hours()}, nil
}

// Reverse moves a rejected confirmation back to accepted and tells the
// other party.
func (s *Service) Reverse(ctx context.Context, id, userID, reason string) (*models.Confirmation, error) {
	c, off, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	typ, _, verr := reversible(c, off, userID, now)
	if verr != nil {
		return nil, verr
	}
	ch := models.StatusChange{To: models.StatusAccepted, ConfirmedAt: &now, UpdatedAt: now}
	if err := s.transition(ctx, c, models.StatusRejected, ch, "reversal"); err != nil {
		return nil, err
	}

	role, receiver := models.RoleOwner, c.PassengerID
	if typ == ReversalCancellation {
		role, receiver = models.RolePassenger, c.OwnerID
	}
	s.notify(ctx, dispatch.Event{
		Action:         models.ActionAccept,
		ActorRole:      role,
		SenderID:       userID,
		ReceiverID:     receiver,
		Offering:       off,
		ConfirmationID: c.ID,
		Reason:         reason,
		Data:           map[string]any{"reversal_type": string(typ)},
	})
	return c, nil
}

// cooldown applies the re-request rule to the passenger's latest
// confirmation for an offering.
func cooldown(latest *models.Confirmation, now time.Time) RequestAgainCheck {
	if latest == nil {
		return RequestAgainCheck{Allowed: true}
	}
	switch latest.Status {
	case models.StatusPending:
		return RequestAgainCheck{Reason: ReasonAlreadyPending}
	case models.StatusAccepted:
		return RequestAgainCheck{Reason: ReasonAlreadyAccepted}
	}
	left := RequestCooldown - now.Sub(latest.UpdatedAt)
	if left <= 0 {
		return RequestAgainCheck{Allowed: true}
	}
	mins := int(math.Ceil(left.Minutes()))
	unit := "minutes"
	if mins == 1 {
		unit = "minute"
	}
	return RequestAgainCheck{
		Reason:          fmt.Sprintf("Please wait %d more %s before requesting again", mins, unit),
		CooldownMinutes: mins,
	}
}

// CanRequestAgain looks at the passenger's most recently updated
// confirmation for the offering.
func (s *Service) CanRequestAgain(ctx context.Context, passengerID string, ref models.OfferingRef) (RequestAgainCheck, error) {
	latest, err := s.Store.FindConfirmations(ctx, storage.ConfirmationFilter{
		PassengerID: passengerID,
		Ref:         &ref,
		NewestFirst: true,
		Limit:       1,
	})
	if err != nil {
		return RequestAgainCheck{}, fmt.Errorf("load latest confirmation: %w", err)
	}
	if len(latest) == 0 {
		return cooldown(nil, s.now()), nil
	}
	return cooldown(&latest[0], s.now()), nil
}

func (s *Service) requireAllowed(ctx context.Context, passengerID string, ref models.OfferingRef) error {
	check, err := s.CanRequestAgain(ctx, passengerID, ref)
	if err != nil {
		return err
	}
	if !check.Allowed {
		code := http.StatusConflict
		if check.CooldownMinutes > 0 {
			code = http.StatusTooManyRequests
		}
		return &Error{Code: code, Reason: check.Reason}
	}
	return nil
}

// Request creates a new pending confirmation for a passenger on someone
// else's ride or trip.
func (s *Service) Request(ctx context.Context, passengerID string, ref models.OfferingRef, reason string) (*models.Confirmation, error) {
	off, err := s.Store.GetOffering(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fail(http.StatusNotFound, "%s not found", ref.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", ref.Kind, ref.ID, err)
	}
	now := s.now()
	if off.Owner() == passengerID {
		return nil, fail(http.StatusBadRequest, "You cannot request your own %s", ref.Kind)
	}
	if !off.DepartureInstant().After(now) {
		return nil, fail(http.StatusConflict, "This %s has already departed", ref.Kind)
	}
	if err := s.requireAllowed(ctx, passengerID, ref); err != nil {
		return nil, err
	}

	rideID, tripID := ref.IDs()
	c := &models.Confirmation{
		ID:          s.NewID(),
		RideID:      rideID,
		TripID:      tripID,
		OwnerID:     off.Owner(),
		PassengerID: passengerID,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.CreateConfirmation(ctx, c); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fail(http.StatusConflict, ReasonAlreadyPending)
		}
		return nil, fmt.Errorf("create confirmation: %w", err)
	}
	s.notify(ctx, dispatch.Event{
		Action:         models.ActionRequest,
		ActorRole:      models.RolePassenger,
		SenderID:       passengerID,
		ReceiverID:     c.OwnerID,
		Offering:       off,
		ConfirmationID: c.ID,
		Reason:         reason,
	})
	return c, nil
}

// RequestAgain reopens a rejected confirmation as pending once the cooldown
// has passed. ownerID is optional; when given it must match the record.
func (s *Service) RequestAgain(ctx context.Context, id, passengerID, ownerID, reason string) (*models.Confirmation, error) {
	c, off, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.PassengerID != passengerID {
		return nil, fail(http.StatusForbidden, "Only the passenger can request again")
	}
	if ownerID != "" && ownerID != c.OwnerID {
		return nil, fail(http.StatusBadRequest, "Owner does not match this confirmation")
	}
	if c.Status != models.StatusRejected {
		return nil, fail(http.StatusConflict, "Only rejected requests can be sent again")
	}
	now := s.now()
	if !off.DepartureInstant().After(now) {
		return nil, fail(http.StatusConflict, "Cannot request again for past rides")
	}
	if err := s.requireAllowed(ctx, passengerID, c.Ref()); err != nil {
		return nil, err
	}

	ch := models.StatusChange{To: models.StatusPending, UpdatedAt: now}
	if err := s.transition(ctx, c, models.StatusRejected, ch, "re_request"); err != nil {
		return nil, err
	}
	s.notify(ctx, dispatch.Event{
		Action:         models.ActionRequest,
		ActorRole:      models.RolePassenger,
		SenderID:       passengerID,
		ReceiverID:     c.OwnerID,
		Offering:       off,
		ConfirmationID: c.ID,
		Reason:         reason,
		ReRequest:      true,
	})
	return c, nil
}

// Respond is the owner's accept or reject of a pending request.
func (s *Service) Respond(ctx context.Context, id, ownerID string, accept bool, reason string) (*models.Confirmation, error) {
	c, off, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, fail(http.StatusForbidden, ReasonNoPermission)
	}
	if c.Status != models.StatusPending {
		return nil, fail(http.StatusConflict, "Only pending requests can be answered")
	}
	now := s.now()
	to, action := models.StatusRejected, models.ActionReject
	if accept {
		if !off.DepartureInstant().After(now) {
			return nil, fail(http.StatusConflict, "Cannot accept requests for past rides")
		}
		to, action = models.StatusAccepted, models.ActionAccept
	}
	ch := models.StatusChange{To: to, ConfirmedAt: &now, UpdatedAt: now}
	if err := s.transition(ctx, c, models.StatusPending, ch, "owner"); err != nil {
		return nil, err
	}
	s.notify(ctx, dispatch.Event{
		Action:         action,
		ActorRole:      models.RoleOwner,
		SenderID:       ownerID,
		ReceiverID:     c.PassengerID,
		Offering:       off,
		ConfirmationID: c.ID,
		Reason:         reason,
	})
	return c, nil
}

// Cancel lets the passenger withdraw from an accepted confirmation. The
// result is a rejection the passenger may reverse within the window.
func (s *Service) Cancel(ctx context.Context, id, passengerID, reason string) (*models.Confirmation, error) {
	c, off, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.PassengerID != passengerID {
		return nil, fail(http.StatusForbidden, ReasonNoPermission)
	}
	if c.Status != models.StatusAccepted {
		return nil, fail(http.StatusConflict, "Only accepted confirmations can be cancelled")
	}
	now := s.now()
	ch := models.StatusChange{To: models.StatusRejected, ConfirmedAt: c.ConfirmedAt, UpdatedAt: now}
	if err := s.transition(ctx, c, models.StatusAccepted, ch, "passenger"); err != nil {
		return nil, err
	}
	s.notify(ctx, dispatch.Event{
		Action:         models.ActionCancel,
		ActorRole:      models.RolePassenger,
		SenderID:       passengerID,
		ReceiverID:     c.OwnerID,
		Offering:       off,
		ConfirmationID: c.ID,
		Reason:         reason,
	})
	return c, nil
}

// transition writes ch conditioned on from and applies it to c on success.
func (s *Service) transition(ctx context.Context, c *models.Confirmation, from models.Status, ch models.StatusChange, source string) error {
	ok, err := s.Store.UpdateConfirmationStatus(ctx, c.ID, from, ch)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(http.StatusNotFound, "Confirmation not found")
	}
	if errors.Is(err, storage.ErrAlreadyExists) {
		return fail(http.StatusConflict, ReasonAlreadyPending)
	}
	if err != nil {
		return fmt.Errorf("update confirmation %s: %w", c.ID, err)
	}
	if !ok {
		observability.LostRaces.WithLabelValues(source).Inc()
		return fail(http.StatusConflict, ReasonStatusChanged)
	}
	observability.StatusTransitions.WithLabelValues(string(from), string(ch.To), source).Inc()
	ch.Apply(c)
	return nil
}

// notify never fails the caller; the state change already stands.
func (s *Service) notify(ctx context.Context, ev dispatch.Event) {
	if s.Notifier == nil {
		return
	}
	if _, err := s.Notifier.Notify(ctx, ev); err != nil {
		logging.OrDefault(s.Logger).Warn("notification failed",
			"action", ev.Action, "confirmation_id", ev.ConfirmationID, "receiver_id", ev.ReceiverID, "error", err)
	}
}
