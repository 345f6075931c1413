package robot

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rover-backend/geo"
)

// Simulator - kinematic rover. It implements Motion and produces the fixes
// a GPS would report for the simulated position.
type Simulator struct {
	MaxSpeedKph float64 // at linear 1.0
	TurnRate    float64 // degrees per second at angular 1.0

	mu       sync.Mutex
	position geo.Point
	heading  float64
	linear   float64
	angular  float64

	out chan geo.Fix
	log logrus.FieldLogger
}

func NewSimulator(start geo.Point, heading float64, log logrus.FieldLogger) *Simulator {
	return &Simulator{
		MaxSpeedKph: 5,
		TurnRate:    90,
		position:    start,
		heading:     heading,
		out:         make(chan geo.Fix, 16),
		log:         log,
	}
}

func (s *Simulator) SetMotion(linear, angular float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linear = linear
	s.angular = angular
	return nil
}

// Step advances the rover by dt seconds.
func (s *Simulator) Step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heading = normalizeHeading(s.heading + s.angular*s.TurnRate*dt)
	if s.linear != 0 {
		meters := s.linear * s.MaxSpeedKph / 3.6 * dt
		s.position = geo.Project(s.position, s.heading, meters)
	}
}

// Fix - the current simulated GPS sample
func (s *Simulator) Fix(now time.Time) geo.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	kph := s.linear * s.MaxSpeedKph
	return geo.Fix{
		Point:      s.position,
		Time:       now,
		SpeedKph:   kph,
		SpeedKnots: kph / 1.852,
		Satellites: 8,
	}
}

func (s *Simulator) Heading() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heading
}

func (s *Simulator) Fixes() <-chan geo.Fix {
	return s.out
}

// Run steps the rover every interval and publishes a fix each step until
// ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	s.log.WithField("interval", interval).Info("simulator started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("simulator stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Step(interval.Seconds())
			select {
			case s.out <- s.Fix(now):
			default:
			}
		}
	}
}

func normalizeHeading(deg float64) float64 {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	return deg
}
