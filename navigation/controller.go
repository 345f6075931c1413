// Package navigation turns GPS fixes into motion commands toward mission waypoints.
package navigation

import (
	"math"
	"time"

	"rover-backend/geo"
)

// State - controller state
type State int

const (
	StateIdle State = iota
	StateApproaching
)

func (s State) String() string {
	switch s {
	case StateApproaching:
		return "approaching"
	default:
		return "idle"
	}
}

// CommandKind - what the motion collaborator should do
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandStop
	CommandForward
	CommandTurn
)

func (k CommandKind) String() string {
	switch k {
	case CommandStop:
		return "stop"
	case CommandForward:
		return "forward"
	case CommandTurn:
		return "turn"
	default:
		return "none"
	}
}

// Command - linear/angular velocity request. Angular is the steering signal:
// positive steers right, 1.0 is full authority (larger values are left to
// the motion layer to clamp).
type Command struct {
	Kind      CommandKind
	Linear    float64
	Angular   float64
	TurnAngle float64 // raw signed deviation in degrees
}

// Decision - outcome of one navigation cycle
type Decision struct {
	Command       Command
	State         State
	Mission       *Mission
	Target        geo.Point
	Distance      float64 // meters to Target
	TargetBearing float64
	Reached       bool // a waypoint was reached this cycle
	Completed     bool // the last waypoint was reached this cycle
	Duration      time.Duration
}

// Controller - waypoint-advance state machine.
// Idle until a mission is assigned, then Approaching(i) until i == len(route).
type Controller struct {
	tunables Tunables
	tracker  *Tracker
	session  *Session
	mission  *Mission
}

// NewController - tracker history is cleared when a mission completes
func NewController(t Tunables, tracker *Tracker, session *Session) *Controller {
	return &Controller{
		tunables: t,
		tracker:  tracker,
		session:  session,
	}
}

// Assign replaces the active mission and restarts it from the first waypoint.
// An invalid mission is rejected and the current one is kept.
func (c *Controller) Assign(m *Mission) error {
	if m == nil || len(m.Route) == 0 {
		return ErrEmptyRoute
	}
	m.Index = 0
	m.EndTime = nil
	// a replacement inherits the running trip
	if c.session.Active() {
		m.StartTime = c.session.StartTime()
	}
	c.mission = m
	return nil
}

// Mission returns the mission being driven, nil when idle.
func (c *Controller) Mission() *Mission { return c.mission }

func (c *Controller) State() State {
	if c.mission == nil || c.mission.Done() {
		return StateIdle
	}
	return StateApproaching
}

// Decide runs one cycle for the current fix and heading estimate.
func (c *Controller) Decide(fix geo.Fix, heading float64) Decision {
	m := c.mission
	if m == nil {
		return Decision{State: StateIdle}
	}
	c.session.Start(m)

	target, _ := m.Target()
	d := Decision{
		Mission:  m,
		Target:   target,
		Distance: geo.Distance(fix.Point, target),
	}

	if d.Distance < c.tunables.MinMovementDistance {
		d.Command = Command{Kind: CommandStop}
		d.Reached = true
		m.advance()
		if m.Done() {
			d.Duration = c.session.Complete()
			end := c.session.now()
			m.EndTime = &end
			c.tracker.Clear()
			c.mission = nil
			d.Completed = true
		}
		d.State = c.State()
		return d
	}

	d.State = StateApproaching
	d.TargetBearing = geo.Bearing(fix.Point, target)
	d.Command = c.steer(geo.TurnAngle(heading, d.TargetBearing))
	return d
}

func (c *Controller) steer(turn float64) Command {
	if math.Abs(turn) <= c.tunables.TurnAngleThreshold {
		return Command{Kind: CommandForward, Linear: c.tunables.ForwardSpeed, TurnAngle: turn}
	}
	return Command{
		Kind:      CommandTurn,
		Linear:    c.tunables.ForwardSpeed,
		Angular:   turn * c.tunables.SteerDamping / c.tunables.SteerFullScaleAngle,
		TurnAngle: turn,
	}
}
