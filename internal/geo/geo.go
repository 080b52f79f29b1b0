package geo

import "math"

const earthRadiusMeters = 6371000.0

type Point struct {
	Latitude  float64
	Longitude float64
}

// HaversineMeters returns the great-circle distance between two WGS 84
// coordinates given in degrees.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func Distance(a, b Point) float64 {
	return HaversineMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
