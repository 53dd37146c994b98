package geo

import "math"

const earthRadiusKm = 6371.0

// Consistency grades for GPS vs IP location agreement.
const (
	ConsistencyHigh   = "high"
	ConsistencyMedium = "medium"
	ConsistencyLow    = "low"
)

// DistanceKm is the great-circle distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// GradeConsistency maps a GPS-to-IP distance onto a confidence grade.
func GradeConsistency(km float64) string {
	switch {
	case km < 50:
		return ConsistencyHigh
	case km < 200:
		return ConsistencyMedium
	default:
		return ConsistencyLow
	}
}
