package geo

import (
	"fmt"
	"math"
)

// earthRadiusMeters is the mean Earth radius used for great-circle math.
const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects non-finite or out-of-range coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("coordinates must be finite numbers")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lng)
	}
	return nil
}

// Distance returns the haversine great-circle distance between a and b in
// meters. It is symmetric and zero for identical points.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WithinRadius reports whether point lies inside the circle around center.
// A point exactly on the boundary counts as within.
func WithinRadius(center Point, radiusMeters float64, point Point) bool {
	return Distance(center, point) <= radiusMeters
}

// Fields renders the point as a plain map for document storage.
func (p Point) Fields() map[string]any {
	return map[string]any{"lat": p.Lat, "lng": p.Lng}
}

// FromMap reads a point back out of a stored map. Integer values written
// by other tooling are accepted.
func FromMap(m map[string]any) (Point, bool) {
	lat, ok1 := asFloat(m["lat"])
	lng, ok2 := asFloat(m["lng"])
	if !ok1 || !ok2 {
		return Point{}, false
	}
	return Point{Lat: lat, Lng: lng}, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
