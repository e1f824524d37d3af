// internal/types/geo.go
package types

import "math"

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Approximate rounds the coordinate to the given number of decimal places.
// Two places is roughly a kilometre, which is what public events carry.
func (l Location) Approximate(places int) Location {
	p := math.Pow(10, float64(places))
	return Location{
		Lat: math.Round(l.Lat*p) / p,
		Lon: math.Round(l.Lon*p) / p,
	}
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}
