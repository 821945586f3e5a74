package dispatch

import (
	"fmt"
	"strings"

	"github.com/example/carpool/internal/models"
)

// Render builds the human-readable content for an event. sender is the
// resolved display name of the actor.
func Render(ev Event, sender string) string {
	route := "your " + string(ev.Ref.Kind)
	if ev.Offering != nil {
		route = fmt.Sprintf("the %s %s", ev.Offering.Ref().Kind, ev.Offering.RouteDescription())
	}
	var b strings.Builder
	switch ev.Action {
	case models.ActionRequest:
		if ev.ReRequest {
			fmt.Fprintf(&b, "%s is requesting %s again", sender, route)
		} else {
			fmt.Fprintf(&b, "%s requested to join %s", sender, route)
		}
	case models.ActionAccept:
		if ev.ActorRole == models.RolePassenger {
			fmt.Fprintf(&b, "%s restored their confirmation for %s", sender, route)
		} else {
			fmt.Fprintf(&b, "%s accepted your request for %s", sender, route)
		}
	case models.ActionReject:
		fmt.Fprintf(&b, "%s declined your request for %s", sender, route)
	case models.ActionCancel:
		fmt.Fprintf(&b, "%s cancelled their confirmation for %s", sender, route)
	case models.ActionExpired:
		fmt.Fprintf(&b, "Your request for %s has expired", route)
	case models.ActionMatch:
		fmt.Fprintf(&b, "New match for %s", route)
		if date, ok := ev.Data["date"].(string); ok && date != "" {
			fmt.Fprintf(&b, " on %s", date)
		}
	default:
		fmt.Fprintf(&b, "%s updated %s", sender, route)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, ": %s", ev.Reason)
	}
	return b.String()
}
