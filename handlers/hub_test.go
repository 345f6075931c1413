package handlers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"rover-backend/models"
)

var (
	errBrokenPipe = errors.New("broken pipe")
	errTimeout    = errors.New("i/o timeout")
)

// fakeConn records writes and serves scripted reads. A stalled conn blocks
// every write until its write deadline passes.
type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	closeCode int
	closed    bool
	failWrite bool
	stall     bool
	deadline  time.Time

	reads chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16)}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	if f.stall {
		deadline := f.deadline
		f.mu.Unlock()
		if deadline.IsZero() {
			select {}
		}
		time.Sleep(time.Until(deadline))
		return errTimeout
	}
	defer f.mu.Unlock()
	if f.failWrite || f.closed {
		return errBrokenPipe
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) setStall() {
	f.mu.Lock()
	f.stall = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (f *fakeConn) messages(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.writes))
	for _, w := range f.writes {
		var m map[string]interface{}
		if err := json.Unmarshal(w, &m); err != nil {
			t.Fatalf("written frame is not JSON: %s", w)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) raw() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.writes = nil
	f.mu.Unlock()
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.RelayEvent
}

func (r *recordedEvents) Record(e models.RelayEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordedEvents) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func newTestHub(opts ...HubOption) (*Hub, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewHub(log, opts...), hook
}

func register(t *testing.T, h *Hub, role models.Role) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	c := NewClient(conn, "test-session")
	if err := h.Register(c, role); err != nil {
		t.Fatalf("Register(%s): %v", role, err)
	}
	return c, conn
}

func mustDecode(t *testing.T, raw string) models.Message {
	t.Helper()
	msg, err := models.DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeMessage(%s): %v", raw, err)
	}
	return msg
}

func TestRegisterRobotSendsAckAndSummary(t *testing.T) {
	h, _ := newTestHub()
	_, opConn := register(t, h, models.RoleOperator)
	robot, robotConn := register(t, h, models.RoleRobot)

	if robot.ID == 0 || robot.Role != models.RoleRobot {
		t.Fatalf("robot not registered: %+v", robot)
	}

	got := robotConn.messages(t)
	if len(got) != 1 || got[0]["status"] != "connected" {
		t.Errorf("robot frames = %v, want connected ack", got)
	}

	ops := opConn.messages(t)
	if len(ops) != 1 {
		t.Fatalf("operator frames = %v", ops)
	}
	summary := ops[0]
	if summary["type"] != models.MessageTypeStatusSummary || summary["connected_robots"] != float64(1) {
		t.Errorf("summary = %v", summary)
	}
	if statuses := summary["statuses"].(map[string]interface{}); statuses["unknown"] != float64(1) {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	h, _ := newTestHub()
	a, _ := register(t, h, models.RoleOperator)
	b, _ := register(t, h, models.RoleRobot)
	h.Unregister(a)
	c, _ := register(t, h, models.RoleOperator)

	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Errorf("ids not increasing: %d %d %d", a.ID, b.ID, c.ID)
	}
}

func TestRegisterUnknownRole(t *testing.T) {
	h, _ := newTestHub()
	c := NewClient(newFakeConn(), "")
	if err := h.Register(c, models.Role("admin")); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("err = %v, want ErrUnknownRole", err)
	}
	if r, o := h.Counts(); r != 0 || o != 0 {
		t.Errorf("counts = %d/%d", r, o)
	}
}

func TestRegisterTwiceIsRejected(t *testing.T) {
	h, _ := newTestHub()
	robot, _ := register(t, h, models.RoleRobot)
	id := robot.ID

	if err := h.Register(robot, models.RoleRobot); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second robot registration err = %v, want ErrAlreadyRegistered", err)
	}
	if err := h.Register(robot, models.RoleOperator); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("operator registration of a robot err = %v, want ErrAlreadyRegistered", err)
	}
	if robot.ID != id || robot.Role != models.RoleRobot {
		t.Errorf("client changed: id=%d role=%s", robot.ID, robot.Role)
	}
	if r, o := h.Counts(); r != 1 || o != 0 {
		t.Errorf("counts = %d/%d, want 1/0", r, o)
	}

	h.Unregister(robot)
	if s := h.StatusSummary(); s.ConnectedRobots != 0 || len(s.Statuses) != 0 {
		t.Errorf("summary after unregister = %+v", s)
	}
	if err := h.Register(robot, models.RoleRobot); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("registration after unregister err = %v, want ErrAlreadyRegistered", err)
	}
	if r, _ := h.Counts(); r != 0 {
		t.Errorf("robots = %d after rejected re-registration", r)
	}
}

func TestUnregisterCleansUp(t *testing.T) {
	events := &recordedEvents{}
	h, _ := newTestHub(WithEventRecorder(events))
	robot, _ := register(t, h, models.RoleRobot)

	h.Unregister(robot)
	h.Unregister(robot)

	h.mu.Lock()
	_, inRobots := h.robots[robot.ID]
	_, inOperators := h.operators[robot.ID]
	_, inStatuses := h.statuses[robot.ID]
	h.mu.Unlock()
	if inRobots || inOperators || inStatuses {
		t.Errorf("robot still present: robots=%v operators=%v statuses=%v", inRobots, inOperators, inStatuses)
	}
	if s := h.StatusSummary(); s.ConnectedRobots != 0 || len(s.Statuses) != 0 {
		t.Errorf("summary after unregister = %+v", s)
	}
	if n := events.count(models.EventUnregister); n != 1 {
		t.Errorf("unregister events = %d, want 1", n)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	events := &recordedEvents{}
	h, hook := newTestHub(WithEventRecorder(events))
	_, ok1 := register(t, h, models.RoleOperator)
	bad, badConn := register(t, h, models.RoleOperator)
	_, ok2 := register(t, h, models.RoleOperator)
	badConn.failWrite = true

	payload := []byte(`{"deviceName":"rover","status":"moving"}`)
	if n := h.SendToOperators(payload); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}

	for i, conn := range []*fakeConn{ok1, ok2} {
		raw := conn.raw()
		if len(raw) != 1 || string(raw[0]) != string(payload) {
			t.Errorf("operator %d frames = %q", i, raw)
		}
	}

	if _, operators := h.Counts(); operators != 2 {
		t.Errorf("operators = %d, want 2", operators)
	}
	h.mu.Lock()
	_, still := h.operators[bad.ID]
	h.mu.Unlock()
	if still {
		t.Error("failing operator not removed")
	}
	if !badConn.closed {
		t.Error("failing operator connection not closed")
	}
	if events.count(models.EventSendFailure) != 1 {
		t.Error("send failure not recorded")
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["conn_id"] == bad.ID {
			warned = true
		}
	}
	if !warned {
		t.Error("send failure not logged")
	}
}

func TestBroadcastSlowPeer(t *testing.T) {
	const timeout = 100 * time.Millisecond
	h, _ := newTestHub(WithSendTimeout(timeout))
	_, ok1 := register(t, h, models.RoleOperator)
	slow, slowConn := register(t, h, models.RoleOperator)
	_, ok2 := register(t, h, models.RoleOperator)
	slowConn.setStall()

	payload := []byte(`{"deviceName":"rover","status":"approaching"}`)
	start := time.Now()
	n := h.SendToOperators(payload)
	elapsed := time.Since(start)

	if n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if elapsed < timeout/2 || elapsed > 10*timeout {
		t.Errorf("broadcast took %v, want about %v", elapsed, timeout)
	}
	for i, conn := range []*fakeConn{ok1, ok2} {
		if raw := conn.raw(); len(raw) != 1 || string(raw[0]) != string(payload) {
			t.Errorf("operator %d frames = %q", i, raw)
		}
	}

	h.mu.Lock()
	_, still := h.operators[slow.ID]
	h.mu.Unlock()
	if still {
		t.Error("slow operator not removed")
	}
	if !slowConn.isClosed() {
		t.Error("slow operator connection not closed")
	}
	if _, operators := h.Counts(); operators != 2 {
		t.Errorf("operators = %d, want 2", operators)
	}
}

func TestHubConcurrentUse(t *testing.T) {
	h, _ := newTestHub()
	const workers = 50
	telemetry := mustDecode(t, `{"deviceName":"rover","status":"approaching"}`)
	task := mustDecode(t, `{"type":"new_task","task_id":1,"route":[{"lat":1,"lng":2}]}`)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			robot := NewClient(newFakeConn(), "robot")
			operator := NewClient(newFakeConn(), "operator")
			if err := h.Register(robot, models.RoleRobot); err != nil {
				t.Errorf("register robot: %v", err)
				return
			}
			if err := h.Register(operator, models.RoleOperator); err != nil {
				t.Errorf("register operator: %v", err)
				return
			}

			status := "idle"
			if i%2 == 0 {
				status = "approaching"
			}
			if err := h.UpdateStatus(robot, status); err != nil {
				t.Errorf("update status: %v", err)
			}
			if err := h.Dispatch(robot, telemetry); err != nil {
				t.Errorf("dispatch robot: %v", err)
			}
			if err := h.Dispatch(operator, task); err != nil {
				t.Errorf("dispatch operator: %v", err)
			}
			h.SendToOperators([]byte(`{"type":"robot_status_summary"}`))
			_ = h.StatusSummary()
			_ = h.Connections()

			h.Unregister(robot)
			h.Unregister(operator)
		}(i)
	}
	wg.Wait()

	if r, o := h.Counts(); r != 0 || o != 0 {
		t.Errorf("counts after all sessions ended = %d/%d", r, o)
	}
	h.mu.Lock()
	left := len(h.statuses)
	h.mu.Unlock()
	if left != 0 {
		t.Errorf("statuses left = %d", left)
	}
	if s := h.StatusSummary(); s.ConnectedRobots != 0 || len(s.Statuses) != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestFailedRobotTriggersSummary(t *testing.T) {
	h, _ := newTestHub()
	_, opConn := register(t, h, models.RoleOperator)
	_, robotConn := register(t, h, models.RoleRobot)
	opConn.reset()
	robotConn.failWrite = true

	if n := h.SendToRobots([]byte(`{"type":"new_task"}`)); n != 0 {
		t.Errorf("delivered = %d", n)
	}
	ops := opConn.messages(t)
	if len(ops) != 1 || ops[0]["connected_robots"] != float64(0) {
		t.Errorf("operator frames after robot loss = %v", ops)
	}
}

func TestHandlePing(t *testing.T) {
	now := time.Date(2025, 4, 6, 17, 30, 0, 500_000_000, time.UTC)
	h, _ := newTestHub(WithClock(func() time.Time { return now }))
	c, conn := register(t, h, models.RoleOperator)

	if err := h.Dispatch(c, mustDecode(t, `{"type":"ping","timestamp":1712424600.25}`)); err != nil {
		t.Fatal(err)
	}

	msgs := conn.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("frames = %v", msgs)
	}
	pong := msgs[0]
	if pong["type"] != "pong" || pong["timestamp"] != 1712424600.25 {
		t.Errorf("pong = %v", pong)
	}
	want := float64(now.UnixNano()) / 1e9
	if st, _ := pong["server_time"].(float64); st != want {
		t.Errorf("server_time = %v, want %v", pong["server_time"], want)
	}
}

func TestPingIsNotForwarded(t *testing.T) {
	h, _ := newTestHub()
	robot, robotConn := register(t, h, models.RoleRobot)
	_, opConn := register(t, h, models.RoleOperator)
	opConn.reset()
	robotConn.reset()

	_ = h.Dispatch(robot, mustDecode(t, `{"type":"ping","timestamp":1}`))
	_ = h.Dispatch(robot, mustDecode(t, `{"type":"pong","timestamp":1}`))

	if len(opConn.raw()) != 0 {
		t.Errorf("operators received %q", opConn.raw())
	}
	if msgs := robotConn.messages(t); len(msgs) != 1 || msgs[0]["type"] != "pong" {
		t.Errorf("robot frames = %v", msgs)
	}
}

func TestUpdateStatus(t *testing.T) {
	h, _ := newTestHub()
	op, opConn := register(t, h, models.RoleOperator)
	r1, _ := register(t, h, models.RoleRobot)
	r2, _ := register(t, h, models.RoleRobot)
	opConn.reset()

	if err := h.UpdateStatus(op, "moving"); !errors.Is(err, ErrNotRobot) {
		t.Errorf("operator status err = %v", err)
	}
	if err := h.UpdateStatus(r1, "moving"); err != nil {
		t.Fatal(err)
	}
	if err := h.UpdateStatus(r2, "moving"); err != nil {
		t.Fatal(err)
	}

	s := h.StatusSummary()
	if s.ConnectedRobots != 2 || s.Statuses["moving"] != 2 || len(s.Statuses) != 1 {
		t.Errorf("summary = %+v", s)
	}
	if n := len(opConn.raw()); n != 2 {
		t.Errorf("summaries broadcast = %d, want 2", n)
	}

	h.Unregister(r1)
	if err := h.UpdateStatus(r1, "idle"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("status for removed robot err = %v", err)
	}
	if s := h.StatusSummary(); s.Statuses["idle"] != 0 {
		t.Errorf("removed robot re-entered status map: %+v", s)
	}
}

func TestDispatchRobotTelemetry(t *testing.T) {
	h, _ := newTestHub()
	robot, _ := register(t, h, models.RoleRobot)
	_, op1 := register(t, h, models.RoleOperator)
	_, op2 := register(t, h, models.RoleOperator)
	op1.reset()
	op2.reset()

	raw := `{"deviceName":"Transbot","status":"charging","trip_count":2}`
	if err := h.Dispatch(robot, mustDecode(t, raw)); err != nil {
		t.Fatal(err)
	}

	for _, op := range []*fakeConn{op1, op2} {
		frames := op.raw()
		if len(frames) != 2 {
			t.Fatalf("operator frames = %q", frames)
		}
		var summary models.StatusSummary
		if err := json.Unmarshal(frames[0], &summary); err != nil || summary.Statuses["charging"] != 1 {
			t.Errorf("first frame should be the updated summary: %s", frames[0])
		}
		if string(frames[1]) != raw {
			t.Errorf("telemetry not forwarded verbatim: %s", frames[1])
		}
	}
}

func TestDispatchOperatorToRobots(t *testing.T) {
	events := &recordedEvents{}
	h, _ := newTestHub(WithEventRecorder(events))
	_, r1 := register(t, h, models.RoleRobot)
	_, r2 := register(t, h, models.RoleRobot)
	op, opConn := register(t, h, models.RoleOperator)
	r1.reset()
	r2.reset()
	opConn.reset()

	raw := `{"type":"new_task","task_id":5,"route_id":2,"route":[{"lat":1,"lng":2}],"robot_id":0,"start_time":"","description":"d"}`
	if err := h.Dispatch(op, mustDecode(t, raw)); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*fakeConn{r1, r2} {
		if frames := r.raw(); len(frames) != 1 || string(frames[0]) != raw {
			t.Errorf("robot frames = %q", frames)
		}
	}
	if len(opConn.raw()) != 0 {
		t.Error("operator message echoed back to operators")
	}
	if events.count(models.EventAssignment) != 1 {
		t.Error("assignment event not recorded")
	}
}

type progressSink struct {
	got chan models.TaskProgress
}

func (p *progressSink) RecordProgress(_ context.Context, taskID int64, progress float64) error {
	p.got <- models.TaskProgress{TaskID: taskID, Progress: progress}
	return nil
}

func TestDispatchTaskProgressIsPersisted(t *testing.T) {
	sink := &progressSink{got: make(chan models.TaskProgress, 1)}
	h, _ := newTestHub(WithProgressRecorder(sink))
	robot, _ := register(t, h, models.RoleRobot)
	_, opConn := register(t, h, models.RoleOperator)
	opConn.reset()

	raw := `{"type":"progress","task_id":12,"robot_id":1,"progress":50,"waypoint":1}`
	if err := h.Dispatch(robot, mustDecode(t, raw)); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-sink.got:
		if p.TaskID != 12 || p.Progress != 50 {
			t.Errorf("recorded progress = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("progress not recorded")
	}
	if frames := opConn.raw(); len(frames) != 1 || string(frames[0]) != raw {
		t.Errorf("operator frames = %q", frames)
	}
}

func TestAssignTask(t *testing.T) {
	h, _ := newTestHub()
	_, robotConn := register(t, h, models.RoleRobot)
	robotConn.reset()

	n, err := h.AssignTask(models.TaskAssignment{TaskID: 3, RouteID: 9, RobotID: 1, Description: "loop"})
	if err != nil || n != 1 {
		t.Fatalf("AssignTask = %d, %v", n, err)
	}
	msgs := robotConn.messages(t)
	if len(msgs) != 1 || msgs[0]["type"] != "new_task" || msgs[0]["task_id"] != float64(3) {
		t.Errorf("robot frames = %v", msgs)
	}
}

func TestConnectionsListing(t *testing.T) {
	h, _ := newTestHub()
	op, _ := register(t, h, models.RoleOperator)
	robot, _ := register(t, h, models.RoleRobot)
	_ = h.UpdateStatus(robot, "idle")

	conns := h.Connections()
	if len(conns) != 2 {
		t.Fatalf("connections = %+v", conns)
	}
	if conns[0].ID != op.ID || conns[1].ID != robot.ID || conns[1].Status != "idle" {
		t.Errorf("connections = %+v", conns)
	}
}

// serve runs ServeConn over scripted frames and waits for it to return.
func serve(t *testing.T, h *Hub, conn *fakeConn, frames ...string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.ServeConn(conn, "sess-1")
		close(done)
	}()
	for _, f := range frames {
		conn.reads <- []byte(f)
	}
	close(conn.reads)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return")
	}
}

func TestServeConnMalformedClosesWithProtocolError(t *testing.T) {
	events := &recordedEvents{}
	h, _ := newTestHub(WithEventRecorder(events))
	conn := newFakeConn()
	serve(t, h, conn, `{"role":"operator"}`, `{not json`, `{"type":"ping"}`)

	if conn.closeCode != 1003 {
		t.Errorf("close code = %d, want 1003", conn.closeCode)
	}
	if !conn.closed {
		t.Error("connection not closed")
	}
	if _, ops := h.Counts(); ops != 0 {
		t.Errorf("operator still registered")
	}
	if events.count(models.EventMalformed) != 1 {
		t.Error("malformed payload not recorded")
	}
	if n := len(conn.raw()); n != 0 {
		t.Errorf("frames after malformed payload: %d", n)
	}
}

func TestServeConnUnknownRoleStaysUnregistered(t *testing.T) {
	h, _ := newTestHub()
	_, robotConn := register(t, h, models.RoleRobot)
	robotConn.reset()

	conn := newFakeConn()
	serve(t, h, conn,
		`{"role":"admin"}`,
		`{"type":"new_task","task_id":1}`,
		`{"type":"ping","timestamp":7}`,
	)

	if len(robotConn.raw()) != 0 {
		t.Errorf("unregistered client reached robots: %q", robotConn.raw())
	}
	msgs := conn.messages(t)
	if len(msgs) != 1 || msgs[0]["type"] != "pong" || msgs[0]["timestamp"] != float64(7) {
		t.Errorf("unregistered client frames = %v", msgs)
	}
	if robots, ops := h.Counts(); robots != 1 || ops != 0 {
		t.Errorf("counts = %d/%d", robots, ops)
	}
}

func TestServeConnRobotSession(t *testing.T) {
	h, _ := newTestHub()
	_, opConn := register(t, h, models.RoleOperator)
	opConn.reset()

	conn := newFakeConn()
	serve(t, h, conn, `{"role":"robot"}`, `{"status":"moving","deviceName":"r1"}`)

	frames := opConn.messages(t)
	// register summary, status summary, telemetry, unregister summary
	if len(frames) != 4 {
		t.Fatalf("operator frames = %v", frames)
	}
	if frames[2]["deviceName"] != "r1" {
		t.Errorf("telemetry frame = %v", frames[2])
	}
	if frames[3]["connected_robots"] != float64(0) {
		t.Errorf("final summary = %v", frames[3])
	}
	if robots, _ := h.Counts(); robots != 0 {
		t.Error("robot still registered after disconnect")
	}
	if got := conn.messages(t); len(got) != 1 || got[0]["status"] != "connected" {
		t.Errorf("robot frames = %v", got)
	}
}
