// Package users resolves display names for notification content.
package users

import (
	"context"
	"log/slog"
	"strings"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
)

// Fallback is the name used when nothing better is known.
const Fallback = "User"

type ProfileGetter interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// Resolver looks names up best-effort. It never returns an error.
type Resolver struct {
	Profiles ProfileGetter
	Cache    *Cache // optional
	Logger   *slog.Logger
}

// DisplayName walks profile name, auth metadata name, email local part and
// finally Fallback.
func (r *Resolver) DisplayName(ctx context.Context, userID string) string {
	if userID == "" || userID == models.SystemSender {
		return Fallback
	}
	if r.Cache != nil {
		if v, ok := r.Cache.Get(userID); ok {
			return v
		}
	}
	p, err := r.Profiles.GetProfile(ctx, userID)
	if err != nil {
		logging.OrDefault(r.Logger).Debug("display name lookup failed", "user_id", userID, "error", err)
		return Fallback
	}
	name := NameFromProfile(p)
	if r.Cache != nil {
		r.Cache.Set(userID, name)
	}
	return name
}

func NameFromProfile(p *models.Profile) string {
	if p == nil {
		return Fallback
	}
	if n := strings.TrimSpace(p.FullName); n != "" {
		return n
	}
	if n := strings.TrimSpace(p.AuthName); n != "" {
		return n
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(p.Email), "@"); ok && local != "" {
		return local
	}
	return Fallback
}
