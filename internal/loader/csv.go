// Package loader parses delivery problems from CSV files.
//
// Points files carry the header
//
//	id,name,lat,lng,weight_kg,volume_m3,priority,service_min
//
// and vehicle files
//
//	id,name,type,capacity_kg,capacity_m3,autonomy_km,speed_kph
//
// Column order is fixed; a header row is required and skipped by name match.
package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fleetopt/internal/model"
)

func ParsePoints(r io.Reader) ([]model.DeliveryPoint, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	var out []model.DeliveryPoint
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF { break }
		if err != nil { return nil, err }
		line++
		if line == 1 && strings.EqualFold(rec[0], "id") { continue }
		if len(rec) < 7 {
			return nil, fmt.Errorf("points line %d: want at least 7 columns, got %d", line, len(rec))
		}
		pt, err := parsePoint(rec)
		if err != nil {
			return nil, fmt.Errorf("points line %d: %w", line, err)
		}
		out = append(out, pt)
	}
	return out, nil
}

func parsePoint(rec []string) (model.DeliveryPoint, error) {
	var pt model.DeliveryPoint
	id, err := strconv.Atoi(rec[0])
	if err != nil { return pt, fmt.Errorf("id: %w", err) }
	pt.ID = id
	pt.Name = rec[1]
	if pt.Location.Lat, err = strconv.ParseFloat(rec[2], 64); err != nil {
		return pt, fmt.Errorf("lat: %w", err)
	}
	if pt.Location.Lng, err = strconv.ParseFloat(rec[3], 64); err != nil {
		return pt, fmt.Errorf("lng: %w", err)
	}
	if pt.WeightKg, err = strconv.ParseFloat(rec[4], 64); err != nil {
		return pt, fmt.Errorf("weight_kg: %w", err)
	}
	if pt.VolumeM3, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return pt, fmt.Errorf("volume_m3: %w", err)
	}
	pr, err := model.ParsePriority(rec[6])
	if err != nil { return pt, err }
	pt.Priority = pr
	if len(rec) > 7 && rec[7] != "" {
		if pt.ServiceTimeMin, err = strconv.Atoi(rec[7]); err != nil {
			return pt, fmt.Errorf("service_min: %w", err)
		}
	}
	return pt, nil
}

func ParseVehicles(r io.Reader) ([]model.Vehicle, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	var out []model.Vehicle
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF { break }
		if err != nil { return nil, err }
		line++
		if line == 1 && strings.EqualFold(rec[0], "id") { continue }
		if len(rec) < 6 {
			return nil, fmt.Errorf("vehicles line %d: want at least 6 columns, got %d", line, len(rec))
		}
		v, err := parseVehicle(rec)
		if err != nil {
			return nil, fmt.Errorf("vehicles line %d: %w", line, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseVehicle(rec []string) (model.Vehicle, error) {
	var v model.Vehicle
	id, err := strconv.Atoi(rec[0])
	if err != nil { return v, fmt.Errorf("id: %w", err) }
	v.ID = id
	v.Name = rec[1]
	vt, err := model.ParseVehicleType(rec[2])
	if err != nil { return v, err }
	v.Type = vt
	if v.CapacityKg, err = strconv.ParseFloat(rec[3], 64); err != nil {
		return v, fmt.Errorf("capacity_kg: %w", err)
	}
	if v.CapacityM3, err = strconv.ParseFloat(rec[4], 64); err != nil {
		return v, fmt.Errorf("capacity_m3: %w", err)
	}
	if v.AutonomyKm, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return v, fmt.Errorf("autonomy_km: %w", err)
	}
	if len(rec) > 6 && rec[6] != "" {
		if v.SpeedKph, err = strconv.ParseFloat(rec[6], 64); err != nil {
			return v, fmt.Errorf("speed_kph: %w", err)
		}
	}
	return v, nil
}

// Problem assembles a named problem from the two CSV streams.
func Problem(name string, depot model.GeoPoint, points, vehicles io.Reader) (model.Problem, error) {
	pts, err := ParsePoints(points)
	if err != nil {
		return model.Problem{}, fmt.Errorf("parse points: %w", err)
	}
	vs, err := ParseVehicles(vehicles)
	if err != nil {
		return model.Problem{}, fmt.Errorf("parse vehicles: %w", err)
	}
	return model.Problem{Name: name, Depot: depot, Points: pts, Vehicles: vs}, nil
}
