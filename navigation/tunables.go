package navigation

import (
	"errors"
	"time"
)

// Tunables - navigation constants exposed as configuration
type Tunables struct {
	HistorySize         int           `yaml:"history_size"`
	MinMovementDistance float64       `yaml:"min_movement_distance"` // meters; waypoint reached below this
	TurnAngleThreshold  float64       `yaml:"turn_angle_threshold"`  // degrees; drive straight within this
	SteerDamping        float64       `yaml:"steer_damping"`
	SteerFullScaleAngle float64       `yaml:"steer_full_scale_angle"` // damped degrees mapped to steer 1.0
	JitterDistance      float64       `yaml:"jitter_distance"`        // meters
	StaleAfter          time.Duration `yaml:"stale_after"`
	DefaultSpeedKph     float64       `yaml:"default_speed_kph"`
	ForwardSpeed        float64       `yaml:"forward_speed"`
}

// DefaultTunables - values the rover was tuned with in the field
func DefaultTunables() Tunables {
	return Tunables{
		HistorySize:         10,
		MinMovementDistance: 1.5,
		TurnAngleThreshold:  5.0,
		SteerDamping:        0.5,
		SteerFullScaleAngle: 45,
		JitterDistance:      0.5,
		StaleAfter:          2 * time.Second,
		DefaultSpeedKph:     5,
		ForwardSpeed:        1,
	}
}

// Validate rejects values the controller cannot work with.
func (t Tunables) Validate() error {
	switch {
	case t.HistorySize < 2:
		return errors.New("navigation: history_size must be at least 2")
	case t.MinMovementDistance <= 0:
		return errors.New("navigation: min_movement_distance must be positive")
	case t.TurnAngleThreshold < 0:
		return errors.New("navigation: turn_angle_threshold must not be negative")
	case t.SteerFullScaleAngle <= 0:
		return errors.New("navigation: steer_full_scale_angle must be positive")
	case t.StaleAfter <= 0:
		return errors.New("navigation: stale_after must be positive")
	case t.DefaultSpeedKph <= 0:
		return errors.New("navigation: default_speed_kph must be positive")
	}
	return nil
}
