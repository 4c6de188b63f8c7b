// Package geo estimates coordinates for connection identifiers and computes
// great-circle distances between them.
//
// The default HashLocator is a deterministic simulation: it derives
// pseudo-coordinates from a one-way hash of the identifier. Distances between
// hash-derived points are stable within a deployment but bear no relation to
// real geography. Swap in a real IP-geolocation provider by implementing
// Locator; callers only depend on the interface.
package geo

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Point is an ephemeral coordinate pair derived from a connection identifier.
// Points are never persisted; they exist only for a single distance check.
type Point struct {
	Lat    float64
	Lng    float64
	Source string
}

// Locator estimates a coordinate for an IP-like identifier.
type Locator interface {
	Estimate(id string) Point
}

// HashLocator maps identifiers onto the globe via SHA-256. Deterministic:
// the same identifier always yields the same point.
type HashLocator struct{}

// NewHashLocator creates the default hash-based locator.
func NewHashLocator() *HashLocator {
	return &HashLocator{}
}

// Estimate derives a pseudo-coordinate from id.
// Lat is mapped into [-90, 90], Lng into [-180, 180].
func (l *HashLocator) Estimate(id string) Point {
	sum := sha256.Sum256([]byte(id))

	latBits := binary.BigEndian.Uint64(sum[0:8])
	lngBits := binary.BigEndian.Uint64(sum[8:16])

	// Scale each 64-bit value into [0, 1) before mapping to the range.
	latFrac := float64(latBits) / float64(math.MaxUint64)
	lngFrac := float64(lngBits) / float64(math.MaxUint64)

	return Point{
		Lat:    latFrac*180 - 90,
		Lng:    lngFrac*360 - 180,
		Source: id,
	}
}

// earthRadiusKm is the mean Earth radius used for haversine distances.
const earthRadiusKm = 6371.0

// DistanceKm returns the haversine distance between two points in kilometers.
func DistanceKm(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * (math.Pi / 180.0)
	dLng := (b.Lng - a.Lng) * (math.Pi / 180.0)

	lat1 := a.Lat * (math.Pi / 180.0)
	lat2 := b.Lat * (math.Pi / 180.0)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}
