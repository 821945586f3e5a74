package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/observability"
)

type RequestDeactivator interface {
	DeactivateExpiredRequests(ctx context.Context, now time.Time) (int64, error)
}

type PreferenceDeactivator interface {
	DeactivateExpiredPreferences(ctx context.Context, now time.Time) (int64, error)
}

// Cleanup turns off requests and preferences whose expires_at has passed.
type Cleanup struct {
	Requests    RequestDeactivator
	Preferences PreferenceDeactivator
	Now         func() time.Time
	Logger      *slog.Logger
}

type CleanupResult struct {
	Requests    int64 `json:"requests"`
	Preferences int64 `json:"preferences"`
}

func (c *Cleanup) Sweep(ctx context.Context) (CleanupResult, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	var res CleanupResult
	n, err := c.Requests.DeactivateExpiredRequests(ctx, now)
	if err != nil {
		return res, fmt.Errorf("deactivate requests: %w", err)
	}
	res.Requests = n
	observability.RecordsDeactivated.WithLabelValues("requests").Add(float64(n))

	n, err = c.Preferences.DeactivateExpiredPreferences(ctx, now)
	if err != nil {
		return res, fmt.Errorf("deactivate preferences: %w", err)
	}
	res.Preferences = n
	observability.RecordsDeactivated.WithLabelValues("preferences").Add(float64(n))

	if res.Requests > 0 || res.Preferences > 0 {
		logging.OrDefault(c.Logger).Info("cleanup sweep", "requests", res.Requests, "preferences", res.Preferences)
	}
	return res, nil
}

func (c *Cleanup) Run(ctx context.Context, interval time.Duration) {
	logger := logging.OrDefault(c.Logger)
	Every(ctx, interval, func(ctx context.Context) {
		if _, err := c.Sweep(ctx); err != nil {
			logger.Error("cleanup sweep failed", "error", err)
		}
	})
}
