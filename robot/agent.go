// Package robot runs the on-board side: GPS intake, navigation toward the
// assigned waypoints, motion output and telemetry to the relay.
package robot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rover-backend/geo"
	"rover-backend/models"
	"rover-backend/navigation"
)

// AgentConfig - identity and timing of the robot loop
type AgentConfig struct {
	RelayURL       string
	SessionID      string
	RobotID        int64
	DeviceName     string
	ReceiveTimeout time.Duration
	ReconnectDelay time.Duration
	Tunables       navigation.Tunables
}

// Agent - single-threaded navigation and telemetry loop. The tracker,
// session and controller are touched only by the loop goroutine.
type Agent struct {
	cfg    AgentConfig
	fixes  FixSource
	motion Motion
	probe  SystemProbe
	mirror Mirror
	log    logrus.FieldLogger
	now    func() time.Time

	tracker    *navigation.Tracker
	session    *navigation.Session
	controller *navigation.Controller

	current     geo.Fix
	lastFixTime time.Time
	hasFix      bool

	conn    *websocket.Conn
	inbound chan []byte
	readErr chan error
	done    chan struct{}
}

// NewAgent - mirror may be nil
func NewAgent(cfg AgentConfig, fixes FixSource, motion Motion, probe SystemProbe, mirror Mirror, log logrus.FieldLogger) *Agent {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 100 * time.Millisecond
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	a := &Agent{
		cfg:    cfg,
		fixes:  fixes,
		motion: motion,
		probe:  probe,
		mirror: mirror,
		log:    log.WithField("robot_id", cfg.RobotID),
		now:    time.Now,
	}
	a.tracker = navigation.NewTracker(cfg.Tunables)
	a.session = navigation.NewSession(func() time.Time { return a.now() })
	a.controller = navigation.NewController(cfg.Tunables, a.tracker, a.session)
	return a
}

// Run connects to the relay and loops until ctx is cancelled. A lost relay
// connection stops the drive and is redialled; the mission survives.
func (a *Agent) Run(ctx context.Context) error {
	defer a.stopMotion()

	for {
		err := a.Connect(ctx)
		if err == nil {
			err = a.loop(ctx)
			a.disconnect()
		}
		if ctx.Err() != nil {
			return nil
		}

		a.log.Warnf("relay connection lost: %v; retrying in %s", err, a.cfg.ReconnectDelay)
		a.stopMotion()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// Connect dials the relay, announces the robot role and waits for the ack.
func (a *Agent) Connect(ctx context.Context) error {
	u, err := url.Parse(a.cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", a.cfg.SessionID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	if err := conn.WriteJSON(models.RoleAnnounce{Role: models.RoleRobot}); err != nil {
		conn.Close()
		return fmt.Errorf("announce role: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack models.ConnectedAck
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("relay ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	a.log.WithFields(logrus.Fields{"relay": u.Redacted(), "ack": ack.Status}).Info("connected to relay")

	a.conn = conn
	a.inbound = make(chan []byte, 16)
	a.readErr = make(chan error, 1)
	a.done = make(chan struct{})
	go a.readPump(conn, a.inbound, a.readErr, a.done)
	return nil
}

// readPump owns all reads. Inbound waits are bounded by selecting on its
// channels, never by read deadlines, which would break the connection.
func (a *Agent) readPump(conn *websocket.Conn, inbound chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- data:
		case <-done:
			return
		}
	}
}

func (a *Agent) disconnect() {
	if a.conn == nil {
		return
	}
	close(a.done)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = a.conn.Close()
	a.conn = nil
}

func (a *Agent) loop(ctx context.Context) error {
	for {
		if err := a.Step(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Step runs one cycle: take at most one fix, navigate, send telemetry, then
// wait up to ReceiveTimeout for an inbound message.
func (a *Agent) Step(ctx context.Context) error {
	now := a.now()

	select {
	case fix := <-a.fixes.Fixes():
		if fix.Time.IsZero() {
			fix.Time = now
		}
		a.tracker.Record(fix)
		a.current = fix
		a.lastFixTime = fix.Time
		a.hasFix = true
	default:
		if a.hasFix {
			if predicted, ok := a.tracker.PredictIfStale(a.lastFixTime, a.current.SpeedKph, now); ok {
				a.log.Debugf("no fix for %s, dead-reckoned to %.6f,%.6f", now.Sub(a.lastFixTime), predicted.Lat, predicted.Lng)
				a.current.Point = predicted.Point
			}
		}
	}

	if a.hasFix {
		if err := a.navigate(); err != nil {
			return err
		}
	}

	if err := a.sendTelemetry(ctx); err != nil {
		return err
	}
	return a.receive(ctx)
}

func (a *Agent) navigate() error {
	d := a.controller.Decide(a.current, a.tracker.CurrentBearing())
	if err := Apply(a.motion, d.Command); err != nil {
		a.log.Warnf("motion command failed: %v", err)
	}

	if !d.Reached {
		return nil
	}
	m := d.Mission
	log := a.log.WithFields(logrus.Fields{"task_id": m.TaskID, "waypoint": m.Index})
	if d.Completed {
		log.WithField("duration", d.Duration).Info("mission completed")
	} else {
		log.Info("waypoint reached")
	}

	return a.conn.WriteJSON(models.TaskProgress{
		Type:     models.MessageTypeTaskProgress,
		TaskID:   m.TaskID,
		RobotID:  a.cfg.RobotID,
		Progress: m.Progress(),
		Waypoint: m.Index,
	})
}

func (a *Agent) sendTelemetry(ctx context.Context) error {
	var sys SystemStatus
	if a.probe != nil {
		sys = a.probe.Probe(ctx)
	}
	t := AssembleTelemetry(TelemetryInput{
		DeviceName:    a.cfg.DeviceName,
		RobotID:       a.cfg.RobotID,
		Status:        a.controller.State().String(),
		Fix:           a.current,
		TotalDistance: a.tracker.TotalDistance(),
		AvgPerTrip:    a.session.AverageDistancePerTrip(a.tracker.TotalDistance()),
		TripCount:     a.session.TripCount(),
		System:        sys,
	})

	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send telemetry: %w", err)
	}
	if a.mirror != nil {
		if err := a.mirror.Publish(payload); err != nil {
			a.log.Debugf("telemetry mirror: %v", err)
		}
	}
	return nil
}

func (a *Agent) receive(ctx context.Context) error {
	timer := time.NewTimer(a.cfg.ReceiveTimeout)
	defer timer.Stop()

	select {
	case data := <-a.inbound:
		a.handle(data)
	case err := <-a.readErr:
		return fmt.Errorf("read relay: %w", err)
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

func (a *Agent) handle(data []byte) {
	msg, err := models.DecodeMessage(data)
	if err != nil {
		a.log.Warnf("ignoring relay message: %v", err)
		return
	}
	if msg.Kind != models.KindNewTask {
		a.log.WithField("kind", msg.Kind).Debug("relay message ignored")
		return
	}
	if err := a.assign(msg.Task); err != nil {
		if errors.Is(err, errOtherRobot) {
			a.log.Debug(err)
			return
		}
		a.log.Warnf("assignment rejected: %v", err)
	}
}

var errOtherRobot = errors.New("task addressed to another robot")

// assign replaces the active mission. Rejected assignments keep the current
// mission.
func (a *Agent) assign(task *models.TaskAssignment) error {
	if task == nil {
		return errors.New("new_task without task fields")
	}
	if task.RobotID != 0 && task.RobotID != a.cfg.RobotID {
		return fmt.Errorf("%w (robot_id %d)", errOtherRobot, task.RobotID)
	}

	m, err := navigation.NewMission(task.TaskID, task.RouteID, task.RobotID, task.Description, task.Route)
	if err != nil {
		return err
	}
	if err := a.controller.Assign(m); err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"task_id": task.TaskID, "route_id": task.RouteID, "waypoints": len(m.Route)}).
		Info("new mission assigned")
	return nil
}

func (a *Agent) stopMotion() {
	if err := a.motion.SetMotion(0, 0); err != nil {
		a.log.Warnf("stop motion: %v", err)
	}
}

// Mission - the mission being driven, nil when idle. Loop goroutine only.
func (a *Agent) Mission() *navigation.Mission { return a.controller.Mission() }

// TripCount - missions started so far. Loop goroutine only.
func (a *Agent) TripCount() int { return a.session.TripCount() }
