// Package geo holds the spherical-earth helpers used for rover navigation.
package geo

import (
	"math"
	"time"
)

// EarthRadius - mean earth radius in meters
const EarthRadius = 6371000.0

// Point - a latitude/longitude pair in decimal degrees.
// The JSON shape matches route coordinates ({"lat":..,"lng":..}).
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fix - one position sample, either measured by the GPS or dead-reckoned.
type Fix struct {
	Point
	Time       time.Time `json:"time"`
	SpeedKph   float64   `json:"speed_kph,omitempty"`
	SpeedKnots float64   `json:"speed_knots,omitempty"`
	Satellites int       `json:"satellites,omitempty"`
	Predicted  bool      `json:"predicted,omitempty"`
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Distance - haversine great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	phi1, phi2 := radians(a.Lat), radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lng - a.Lng)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadius * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing - initial great-circle bearing from -> to, degrees in [0,360).
// Returns 0 when both points coincide.
func Bearing(from, to Point) float64 {
	if from == to {
		return 0
	}
	phi1, phi2 := radians(from.Lat), radians(to.Lat)
	dLambda := radians(to.Lng - from.Lng)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return normalize(degrees(math.Atan2(y, x)))
}

// TurnAngle - signed minimal rotation from current to target heading,
// degrees in (-180,180]. Positive turns right (clockwise).
func TurnAngle(current, target float64) float64 {
	angle := math.Mod(target-current+180, 360)
	if angle < 0 {
		angle += 360
	}
	angle -= 180
	if angle <= -180 {
		angle += 360
	}
	return angle
}

// Project - position reached after travelling distance meters from origin
// along the given bearing (spherical direct problem).
func Project(origin Point, bearing, distance float64) Point {
	delta := distance / EarthRadius
	theta := radians(bearing)
	phi1 := radians(origin.Lat)
	lambda1 := radians(origin.Lng)

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
		math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)

	lng := math.Mod(degrees(lambda2)+540, 360) - 180
	return Point{Lat: degrees(phi2), Lng: lng}
}

func normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
