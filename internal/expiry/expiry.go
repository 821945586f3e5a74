// Package expiry force-rejects pending confirmations whose ride or trip is
// about to leave, and deactivates stale standing requests.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

const ReasonDeparturePassed = "departure time has passed"

type OfferingGetter interface {
	GetOffering(ctx context.Context, ref models.OfferingRef) (models.Offering, error)
}

type NotificationChecker interface {
	HasNotification(ctx context.Context, confirmationID string, action models.Action) (bool, error)
}

// Verdict is the expiry decision for one confirmation.
type Verdict struct {
	Expired         bool
	DeparturePassed bool
	Threshold       time.Time
	Reason          string
}

// Evaluate applies the expiry rule: a pending confirmation expires once now
// reaches departure minus the offering's offset (2h ride, 4h trip).
func Evaluate(off models.Offering, now time.Time) Verdict {
	dep := off.DepartureInstant()
	v := Verdict{Threshold: dep.Add(-off.ExpiryOffset())}
	switch {
	case !dep.After(now):
		v.Expired, v.DeparturePassed, v.Reason = true, true, ReasonDeparturePassed
	case !now.Before(v.Threshold):
		v.Expired = true
		v.Reason = fmt.Sprintf("departure is less than %d hours away", int(off.ExpiryOffset().Hours()))
	}
	return v
}

type ItemError struct {
	ConfirmationID string `json:"confirmation_id"`
	Err            string `json:"error"`
}

type Result struct {
	Examined int         `json:"examined"`
	Expired  int         `json:"expired"`
	Notified int         `json:"notified"`
	Errors   []ItemError `json:"errors,omitempty"`
}

func (r *Result) fail(id string, err error) {
	r.Errors = append(r.Errors, ItemError{ConfirmationID: id, Err: err.Error()})
}

type Engine struct {
	Confirmations storage.ConfirmationStore
	Offerings     OfferingGetter
	Notifications NotificationChecker
	Notifier      dispatch.Notifier
	// Window skips confirmations updated within the last Window so records a
	// concurrent run just touched are left alone. Zero disables the filter.
	Window time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type candidate struct {
	conf     models.Confirmation
	offering models.Offering
	verdict  Verdict
}

// Sweep runs one expiry pass. Per-item failures are collected in the result;
// the returned error is set only when the pass could not load or write the
// batch at all.
func (e *Engine) Sweep(ctx context.Context) (Result, error) {
	started := time.Now()
	defer func() { observability.ExpirySweepDuration.Observe(time.Since(started).Seconds()) }()
	logger := logging.OrDefault(e.Logger)
	now := e.now()

	f := storage.ConfirmationFilter{Status: models.StatusPending}
	if e.Window > 0 {
		f.UpdatedBefore = now.Add(-e.Window)
	}
	pending, err := e.Confirmations.FindConfirmations(ctx, f)
	if err != nil {
		observability.ExpirySweeps.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("load pending confirmations: %w", err)
	}
	res := Result{Examined: len(pending)}
	observability.ExpiryExamined.Add(float64(len(pending)))

	offerings := make(map[models.OfferingRef]models.Offering)
	due := make(map[string]candidate)
	ids := make([]string, 0)
	for _, c := range pending {
		ref := c.Ref()
		off, ok := offerings[ref]
		if !ok {
			off, err = e.Offerings.GetOffering(ctx, ref)
			if err != nil {
				res.fail(c.ID, fmt.Errorf("resolve %s %s: %w", ref.Kind, ref.ID, err))
				continue
			}
			offerings[ref] = off
		}
		if off.DepartureInstant().IsZero() {
			res.fail(c.ID, fmt.Errorf("%s %s has no departure time", ref.Kind, ref.ID))
			continue
		}
		if v := Evaluate(off, now); v.Expired {
			due[c.ID] = candidate{conf: c, offering: off, verdict: v}
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		observability.ExpirySweeps.WithLabelValues("ok").Inc()
		return res, nil
	}

	// A concurrent run may already have handled some of these.
	current, err := e.Confirmations.FindConfirmations(ctx, storage.ConfirmationFilter{IDs: ids, Status: models.StatusPending})
	if err != nil {
		observability.ExpirySweeps.WithLabelValues("error").Inc()
		return res, fmt.Errorf("recheck expired confirmations: %w", err)
	}
	stillPending := make([]string, 0, len(current))
	for _, c := range current {
		if _, ok := due[c.ID]; ok {
			stillPending = append(stillPending, c.ID)
		}
	}
	if len(stillPending) == 0 {
		observability.ExpirySweeps.WithLabelValues("ok").Inc()
		return res, nil
	}

	ch := models.StatusChange{To: models.StatusRejected, ConfirmedAt: &now, UpdatedAt: now}
	updated, err := e.Confirmations.BatchUpdateStatus(ctx, stillPending, models.StatusPending, ch)
	if err != nil {
		observability.ExpirySweeps.WithLabelValues("error").Inc()
		return res, fmt.Errorf("reject expired confirmations: %w", err)
	}
	res.Expired = len(updated)
	observability.ConfirmationsExpired.Add(float64(len(updated)))
	observability.StatusTransitions.WithLabelValues(string(models.StatusPending), string(models.StatusRejected), "expiry").Add(float64(len(updated)))
	if lost := len(stillPending) - len(updated); lost > 0 {
		observability.LostRaces.WithLabelValues("expiry").Add(float64(lost))
	}

	for _, id := range updated {
		sent, err := e.notify(ctx, due[id])
		if err != nil {
			res.fail(id, err)
			logger.Warn("expiry notification failed", "confirmation_id", id, "error", err)
			continue
		}
		if sent {
			res.Notified++
		}
	}

	observability.ExpirySweeps.WithLabelValues("ok").Inc()
	logger.Info("expiry sweep", "examined", res.Examined, "expired", res.Expired, "notified", res.Notified, "errors", len(res.Errors))
	return res, nil
}

// notify reports false when the passenger was already told about this expiry.
func (e *Engine) notify(ctx context.Context, cand candidate) (bool, error) {
	if e.Notifier == nil {
		return false, nil
	}
	if e.Notifications != nil {
		prior, err := e.Notifications.HasNotification(ctx, cand.conf.ID, models.ActionExpired)
		if err != nil {
			return false, fmt.Errorf("check prior expiry notification: %w", err)
		}
		if prior {
			return false, nil
		}
	}
	_, err := e.Notifier.Notify(ctx, dispatch.Event{
		Action:         models.ActionExpired,
		ActorRole:      models.RoleSystem,
		SenderID:       models.SystemSender,
		ReceiverID:     cand.conf.PassengerID,
		Offering:       cand.offering,
		ConfirmationID: cand.conf.ID,
		Reason:         cand.verdict.Reason,
		Data: map[string]any{
			"departure_passed": cand.verdict.DeparturePassed,
			"threshold":        cand.verdict.Threshold.UTC().Format(time.RFC3339),
		},
	})
	return err == nil, err
}

// Run sweeps immediately and then on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	logger := logging.OrDefault(e.Logger)
	Every(ctx, interval, func(ctx context.Context) {
		if _, err := e.Sweep(ctx); err != nil {
			logger.Error("expiry sweep failed", "error", err)
		}
	})
}

// Every calls fn now and then once per interval. A slow fn delays the next
// call instead of overlapping it.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
