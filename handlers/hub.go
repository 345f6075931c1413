package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"rover-backend/models"
)

var (
	ErrNotRobot     = errors.New("status updates are accepted from robots only")
	ErrUnknownRole  = errors.New("unknown role")
	ErrNotConnected = errors.New("client is not registered")

	ErrAlreadyRegistered = errors.New("client is already registered")
)

const statusUnknown = "unknown"

// Conn - the write side of a relay connection
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// EventRecorder receives relay events; services.EventLog implements it.
type EventRecorder interface {
	Record(e models.RelayEvent)
}

// ProgressRecorder persists task progress reported by robots.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, taskID int64, progress float64) error
}

// Client - one relay connection. ID and Role are set by Register.
type Client struct {
	ID          uint64
	Role        models.Role
	Session     string
	ConnectedAt time.Time

	conn    Conn
	writeMu sync.Mutex
}

// NewClient wraps conn; the client takes part in routing only after Register.
func NewClient(conn Conn, session string) *Client {
	return &Client{conn: conn, Session: session, ConnectedAt: time.Now()}
}

func (c *Client) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeJSON(v interface{}, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data, timeout)
}

// closeWith sends a close frame with code and closes the connection.
func (c *Client) closeWith(code int, text string, timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(timeout))
	_ = c.conn.Close()
}

// ConnectionInfo - listing entry for a registered client
type ConnectionInfo struct {
	ID          uint64      `json:"id"`
	Role        models.Role `json:"role"`
	Session     string      `json:"session"`
	Status      string      `json:"status,omitempty"`
	ConnectedAt time.Time   `json:"connected_at"`
}

// Hub - relay registry: robots, operators and last known robot status.
// All three maps are guarded by mu.
type Hub struct {
	log         logrus.FieldLogger
	events      EventRecorder
	progress    ProgressRecorder
	sendTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	nextID    uint64
	robots    map[uint64]*Client
	operators map[uint64]*Client
	statuses  map[uint64]string
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithEventRecorder(r EventRecorder) HubOption {
	return func(h *Hub) { h.events = r }
}

func WithProgressRecorder(r ProgressRecorder) HubOption {
	return func(h *Hub) { h.progress = r }
}

func WithSendTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.sendTimeout = d }
}

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(log logrus.FieldLogger, opts ...HubOption) *Hub {
	h := &Hub{
		log:         log,
		sendTimeout: 5 * time.Second,
		now:         time.Now,
		robots:      make(map[uint64]*Client),
		operators:   make(map[uint64]*Client),
		statuses:    make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) record(e models.RelayEvent) {
	if h.events != nil {
		h.events.Record(e)
	}
}

// Register adds c to the set for role and assigns its connection id.
// A robot gets the connected ack and operators get a fresh summary.
// A client is registered at most once, even after Unregister.
func (h *Hub) Register(c *Client, role models.Role) error {
	if !role.Valid() {
		return ErrUnknownRole
	}

	h.mu.Lock()
	if c.ID != 0 {
		h.mu.Unlock()
		return ErrAlreadyRegistered
	}
	h.nextID++
	c.ID = h.nextID
	c.Role = role
	switch role {
	case models.RoleRobot:
		h.robots[c.ID] = c
		h.statuses[c.ID] = statusUnknown
	case models.RoleOperator:
		h.operators[c.ID] = c
	}
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"conn_id": c.ID, "role": role, "session": c.Session}).Info("client registered")
	h.record(models.RelayEvent{EventType: models.EventRegister, ConnID: c.ID, Role: string(role), Session: c.Session})

	if role == models.RoleRobot {
		if err := c.writeJSON(models.ConnectedAck{Status: models.StatusConnected}, h.sendTimeout); err != nil {
			h.log.WithField("conn_id", c.ID).Warnf("connected ack failed: %v", err)
		}
		h.BroadcastSummary()
	}
	return nil
}

// Unregister removes c from its role set together with its status entry.
// Calling it for an unknown or already removed client is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, isRobot := h.robots[c.ID]
	_, isOperator := h.operators[c.ID]
	delete(h.robots, c.ID)
	delete(h.operators, c.ID)
	delete(h.statuses, c.ID)
	h.mu.Unlock()

	if !isRobot && !isOperator {
		return
	}
	h.log.WithFields(logrus.Fields{"conn_id": c.ID, "role": c.Role}).Info("client unregistered")
	h.record(models.RelayEvent{EventType: models.EventUnregister, ConnID: c.ID, Role: string(c.Role), Session: c.Session})

	if isRobot {
		h.BroadcastSummary()
	}
}

// SendToOperators fans data out to every operator and returns how many
// received it.
func (h *Hub) SendToOperators(data []byte) int {
	return h.fanOut(models.RoleOperator, data)
}

// SendToRobots fans data out to every robot and returns how many received it.
func (h *Hub) SendToRobots(data []byte) int {
	return h.fanOut(models.RoleRobot, data)
}

// fanOut writes to a snapshot of the role set, one goroutine per client so a
// slow peer only costs its own write deadline. Failed clients are removed
// after the pass.
func (h *Hub) fanOut(role models.Role, data []byte) int {
	targets := h.snapshot(role)
	if len(targets) == 0 {
		return 0
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []*Client
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.write(data, h.sendTimeout); err != nil {
				h.log.WithFields(logrus.Fields{"conn_id": c.ID, "role": c.Role}).Warnf("send failed: %v", err)
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, c := range failed {
		h.record(models.RelayEvent{EventType: models.EventSendFailure, ConnID: c.ID, Role: string(c.Role), Session: c.Session})
		h.Unregister(c)
		_ = c.conn.Close()
	}
	return len(targets) - len(failed)
}

func (h *Hub) snapshot(role models.Role) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.operators
	if role == models.RoleRobot {
		set = h.robots
	}
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// HandlePing answers a ping with a pong echoing its timestamp.
func (h *Hub) HandlePing(c *Client, msg models.Message) error {
	now := h.now()
	pong := models.Pong{
		Type:       models.MessageTypePong,
		Timestamp:  msg.Timestamp,
		ServerTime: float64(now.UnixNano()) / float64(time.Second),
	}
	if len(pong.Timestamp) == 0 {
		pong.Timestamp = json.RawMessage("null")
	}
	return c.writeJSON(pong, h.sendTimeout)
}

// UpdateStatus overwrites a robot's last known status and broadcasts the
// summary.
func (h *Hub) UpdateStatus(c *Client, status string) error {
	if c.Role != models.RoleRobot {
		return ErrNotRobot
	}

	h.mu.Lock()
	prev, ok := h.statuses[c.ID]
	if ok {
		h.statuses[c.ID] = status
	}
	h.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	if prev != status {
		h.record(models.RelayEvent{EventType: models.EventStatus, ConnID: c.ID, Role: string(c.Role), Status: status})
	}
	h.BroadcastSummary()
	return nil
}

// StatusSummary counts robots per last known status. Computed on every call.
func (h *Hub) StatusSummary() models.StatusSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int, len(h.statuses))
	for _, s := range h.statuses {
		counts[s]++
	}
	return models.StatusSummary{
		Type:            models.MessageTypeStatusSummary,
		Statuses:        counts,
		ConnectedRobots: len(h.robots),
	}
}

// BroadcastSummary sends the current summary to every operator.
func (h *Hub) BroadcastSummary() {
	data, err := json.Marshal(h.StatusSummary())
	if err != nil {
		h.log.Errorf("summary marshal failed: %v", err)
		return
	}
	h.SendToOperators(data)
}

// Dispatch routes one message from a registered client. Ping and pong are
// never forwarded; robot messages go to operators, operator messages to robots.
func (h *Hub) Dispatch(c *Client, msg models.Message) error {
	switch msg.Kind {
	case models.KindPing:
		return h.HandlePing(c, msg)
	case models.KindPong:
		return nil
	}

	log := h.log.WithFields(logrus.Fields{"conn_id": c.ID, "role": c.Role, "kind": msg.Kind})

	switch c.Role {
	case models.RoleRobot:
		if msg.HasStatus {
			if err := h.UpdateStatus(c, msg.Status); err != nil && !errors.Is(err, ErrNotConnected) {
				return err
			}
		}
		if msg.Kind == models.KindTaskProgress && msg.Progress != nil {
			h.recordProgress(c, *msg.Progress)
		}
		n := h.SendToOperators(msg.Raw)
		log.Debugf("relayed to %d operators", n)
	case models.RoleOperator:
		if msg.Kind == models.KindNewTask && msg.Task != nil {
			h.record(models.RelayEvent{EventType: models.EventAssignment, ConnID: c.ID, Role: string(c.Role), TaskID: msg.Task.TaskID})
		}
		n := h.SendToRobots(msg.Raw)
		log.Debugf("relayed to %d robots", n)
	default:
		return ErrNotConnected
	}
	return nil
}

func (h *Hub) recordProgress(c *Client, p models.TaskProgress) {
	h.record(models.RelayEvent{
		EventType: models.EventTaskProgress, ConnID: c.ID, Role: string(c.Role),
		TaskID: p.TaskID, Progress: p.Progress,
	})
	if h.progress == nil || p.TaskID == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.progress.RecordProgress(ctx, p.TaskID, p.Progress); err != nil {
			h.log.WithField("task_id", p.TaskID).Warnf("progress not saved: %v", err)
		}
	}()
}

// AssignTask sends a new_task message to the robots and returns how many
// received it.
func (h *Hub) AssignTask(task models.TaskAssignment) (int, error) {
	task.Type = models.MessageTypeNewTask
	data, err := json.Marshal(task)
	if err != nil {
		return 0, err
	}
	h.record(models.RelayEvent{EventType: models.EventAssignment, TaskID: task.TaskID, Detail: task.Description})
	return h.SendToRobots(data), nil
}

// Counts - registered robots and operators
func (h *Hub) Counts() (robots, operators int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.robots), len(h.operators)
}

// Connections lists registered clients ordered by id.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.Lock()
	out := make([]ConnectionInfo, 0, len(h.robots)+len(h.operators))
	for id, c := range h.robots {
		out = append(out, ConnectionInfo{ID: id, Role: c.Role, Session: c.Session, Status: h.statuses[id], ConnectedAt: c.ConnectedAt})
	}
	for id, c := range h.operators {
		out = append(out, ConnectionInfo{ID: id, Role: c.Role, Session: c.Session, ConnectedAt: c.ConnectedAt})
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
