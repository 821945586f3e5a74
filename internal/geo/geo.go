package geo

import (
	"math"
	"strings"

	"github.com/example/carpool/internal/models"
)

const (
	earthRadiusMeters = 6371000.0
	metersPerMile     = 1609.344
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// HaversineMiles is the great-circle distance between a and b in miles.
func HaversineMiles(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / metersPerMile
}

// NameContains reports whether either name contains the other, ignoring case.
// Empty names never match.
func NameContains(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// RouteMatch compares a candidate route (from, to) against a searched route.
// With coordinates on all four points both legs must be within radiusMiles;
// otherwise both legs fall back to name containment.
func RouteMatch(candFrom, candTo, wantFrom, wantTo models.Location, radiusMiles float64) bool {
	if candFrom.Coord != nil && candTo.Coord != nil && wantFrom.Coord != nil && wantTo.Coord != nil {
		return HaversineMiles(*candFrom.Coord, *wantFrom.Coord) <= radiusMiles &&
			HaversineMiles(*candTo.Coord, *wantTo.Coord) <= radiusMiles
	}
	return NameContains(candFrom.Name, wantFrom.Name) && NameContains(candTo.Name, wantTo.Name)
}

// SameAirport compares airport codes exactly, ignoring case and padding.
func SameAirport(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
