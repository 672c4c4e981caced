// Package geofence evaluates vehicle positions against polygon
// boundaries and turns containment transitions into Entry/Exit
// notifications, exactly once per transition.
package geofence

import "math"

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ContainsPoint reports whether p is inside the ring by the even-odd
// (ray casting) rule, longitude as x and latitude as y. The ring is
// implicitly closed. Fewer than 3 points is not a polygon: always false.
func ContainsPoint(ring []Point, p Point) bool {
	if len(ring) < 3 {
		return false
	}
	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		xi, yi := ring[i].Lon, ring[i].Lat
		xj, yj := ring[j].Lon, ring[j].Lat
		if (yi > p.Lat) != (yj > p.Lat) &&
			p.Lon < (xj-xi)*(p.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

const earthRadiusMeters = 6371000

// HaversineMeters is the great-circle distance between a and b.
func HaversineMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dlat := (b.Lat - a.Lat) * math.Pi / 180
	dlon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
