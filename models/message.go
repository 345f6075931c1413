package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"rover-backend/geo"
)

// ========================================
// Message type constants
// ========================================
const (
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
	MessageTypeNewTask       = "new_task"             // operator/server -> robot
	MessageTypeTaskProgress  = "progress"             // robot -> operators
	MessageTypeStatusSummary = "robot_status_summary" // server -> operators
)

// Role - declared by the first message of every relay connection
type Role string

const (
	RoleRobot    Role = "robot"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	return r == RoleRobot || r == RoleOperator
}

// Kind - the finite set of relay message variants
type Kind int

const (
	KindOpaque Kind = iota
	KindRoleAnnounce
	KindPing
	KindPong
	KindNewTask
	KindStatusUpdate
	KindTaskProgress
)

func (k Kind) String() string {
	switch k {
	case KindRoleAnnounce:
		return "role"
	case KindPing:
		return MessageTypePing
	case KindPong:
		return MessageTypePong
	case KindNewTask:
		return MessageTypeNewTask
	case KindStatusUpdate:
		return "status"
	case KindTaskProgress:
		return MessageTypeTaskProgress
	default:
		return "opaque"
	}
}

// ErrMalformed - the payload is not a JSON object
var ErrMalformed = errors.New("malformed relay payload")

// Message - one decoded relay payload. Raw keeps the received bytes so that
// forwarded messages go out verbatim; the other fields depend on Kind.
type Message struct {
	Kind Kind
	Type string
	Raw  []byte

	Role      Role            // KindRoleAnnounce
	Timestamp json.RawMessage // KindPing, KindPong

	// Status is set whenever the payload carries a "status" field,
	// whatever its Kind.
	Status    string
	HasStatus bool

	Task     *TaskAssignment // KindNewTask, nil if the fields did not decode
	Progress *TaskProgress   // KindTaskProgress
}

// DecodeMessage classifies a raw relay payload.
func DecodeMessage(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	msg := Message{Raw: raw}
	if v, ok := fields["type"]; ok {
		_ = json.Unmarshal(v, &msg.Type)
	}
	if v, ok := fields["status"]; ok {
		msg.HasStatus = true
		msg.Status = rawString(v)
	}

	switch msg.Type {
	case MessageTypePing, MessageTypePong:
		msg.Kind = KindPing
		if msg.Type == MessageTypePong {
			msg.Kind = KindPong
		}
		msg.Timestamp = fields["timestamp"]
	case MessageTypeNewTask:
		msg.Kind = KindNewTask
		var task TaskAssignment
		if err := json.Unmarshal(raw, &task); err == nil {
			msg.Task = &task
		}
	case MessageTypeTaskProgress:
		msg.Kind = KindTaskProgress
		var p TaskProgress
		if err := json.Unmarshal(raw, &p); err == nil {
			msg.Progress = &p
		}
	case "":
		if v, ok := fields["role"]; ok {
			msg.Kind = KindRoleAnnounce
			msg.Role = Role(rawString(v))
		} else if msg.HasStatus {
			msg.Kind = KindStatusUpdate
		}
	}
	return msg, nil
}

// rawString returns a JSON string's value, or the raw JSON text otherwise.
func rawString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}

// ========================================
// Payloads
// ========================================

// RoleAnnounce - first message of a connection
type RoleAnnounce struct {
	Role Role `json:"role"`
}

// Ping - liveness probe, answered with Pong
type Ping struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// Pong - reply to a ping; Timestamp echoes the ping's value
type Pong struct {
	Type       string          `json:"type"`
	Timestamp  json.RawMessage `json:"timestamp"`
	ServerTime float64         `json:"server_time"`
}

// ConnectedAck - sent to a robot right after it registers
type ConnectedAck struct {
	Status string `json:"status"`
}

// StatusSummary - count of robots per last-known status
type StatusSummary struct {
	Type            string         `json:"type"`
	Statuses        map[string]int `json:"statuses"`
	ConnectedRobots int            `json:"connected_robots"`
}

// TaskAssignment - the new_task message
type TaskAssignment struct {
	Type        string      `json:"type"`
	TaskID      int64       `json:"task_id"`
	RouteID     int64       `json:"route_id"`
	Route       []geo.Point `json:"route"`
	RobotID     int64       `json:"robot_id"`
	StartTime   string      `json:"start_time"`
	Description string      `json:"description"`
}

// TaskProgress - sent by a robot each time it reaches a waypoint
type TaskProgress struct {
	Type     string  `json:"type"`
	TaskID   int64   `json:"task_id"`
	RobotID  int64   `json:"robot_id"`
	Progress float64 `json:"progress"`
	Waypoint int     `json:"waypoint"`
}
