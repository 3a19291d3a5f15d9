// Package geo provides great-circle distance math for the solver.
package geo

import (
	"math"

	"fleetopt/internal/model"
)

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between two coordinates in km.
func Haversine(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Euclidean returns the planar distance between two coordinates. Only useful
// for synthetic instances where coordinates are not geographic.
func Euclidean(a, b model.GeoPoint) float64 {
	return math.Sqrt((b.Lat-a.Lat)*(b.Lat-a.Lat) + (b.Lng-a.Lng)*(b.Lng-a.Lng))
}

// Matrix holds precomputed pairwise distances. Index 0 is the depot and point
// i sits at index i+1, so every route leg is a single lookup during fitness
// evaluation.
type Matrix struct {
	d [][]float64
}

// NewMatrix precomputes all distances between the depot and the given points
// using the haversine formula.
func NewMatrix(depot model.GeoPoint, points []model.GeoPoint) *Matrix {
	all := make([]model.GeoPoint, 0, len(points)+1)
	all = append(all, depot)
	all = append(all, points...)
	n := len(all)
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := Haversine(all[i], all[j])
			d[i][j] = v
			d[j][i] = v
		}
	}
	return &Matrix{d: d}
}

// FromDepot returns the distance from the depot to point i.
func (m *Matrix) FromDepot(i int) float64 { return m.d[0][i+1] }

// Between returns the distance between points i and j.
func (m *Matrix) Between(i, j int) float64 { return m.d[i+1][j+1] }
