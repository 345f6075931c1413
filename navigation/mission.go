package navigation

import (
	"errors"
	"time"

	"rover-backend/geo"
)

// ErrEmptyRoute - an assignment without waypoints
var ErrEmptyRoute = errors.New("navigation: route has no waypoints")

// Mission - a route being driven by the robot.
// Index only moves forward; Index == len(Route) marks completion.
type Mission struct {
	TaskID      int64
	RouteID     int64
	RobotID     int64
	Description string
	Route       []geo.Point

	Index     int
	StartTime time.Time
	EndTime   *time.Time
}

// NewMission - validates the route and copies it
func NewMission(taskID, routeID, robotID int64, description string, route []geo.Point) (*Mission, error) {
	if len(route) == 0 {
		return nil, ErrEmptyRoute
	}
	waypoints := make([]geo.Point, len(route))
	copy(waypoints, route)
	return &Mission{
		TaskID:      taskID,
		RouteID:     routeID,
		RobotID:     robotID,
		Description: description,
		Route:       waypoints,
	}, nil
}

// Target returns the waypoint currently being approached.
func (m *Mission) Target() (geo.Point, bool) {
	if m.Done() {
		return geo.Point{}, false
	}
	return m.Route[m.Index], true
}

func (m *Mission) Done() bool { return m.Index >= len(m.Route) }

// Progress - percentage of waypoints reached
func (m *Mission) Progress() float64 {
	if m.Done() {
		return 100
	}
	return float64(m.Index) / float64(len(m.Route)) * 100
}

func (m *Mission) advance() {
	if !m.Done() {
		m.Index++
	}
}

// Session - per-robot mission lifecycle and trip counters
type Session struct {
	now func() time.Time

	active       bool
	tripCount    int
	startTime    time.Time
	lastDuration time.Duration
}

// NewSession - now may be nil, time.Now is used then
func NewSession(now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{now: now}
}

// Start marks a mission as running. Calling it while a mission is already
// active does nothing and returns false.
func (s *Session) Start(m *Mission) bool {
	if s.active {
		return false
	}
	s.active = true
	s.startTime = s.now()
	s.tripCount++
	if m != nil {
		m.StartTime = s.startTime
	}
	return true
}

// Complete ends the active mission and returns its duration.
func (s *Session) Complete() time.Duration {
	if !s.active {
		return 0
	}
	s.lastDuration = s.now().Sub(s.startTime)
	s.active = false
	return s.lastDuration
}

func (s *Session) Active() bool                { return s.active }
func (s *Session) TripCount() int              { return s.tripCount }
func (s *Session) StartTime() time.Time        { return s.startTime }
func (s *Session) LastDuration() time.Duration { return s.lastDuration }

// AverageDistancePerTrip - cumulative distance over trips, 0 before the first trip
func (s *Session) AverageDistancePerTrip(cumulative float64) float64 {
	if s.tripCount == 0 {
		return 0
	}
	return cumulative / float64(s.tripCount)
}
