package models

import (
	"time"
)

// Relay event types
const (
	EventRegister     = "register"
	EventUnregister   = "unregister"
	EventStatus       = "status_update"
	EventSendFailure  = "send_failure"
	EventAssignment   = "task_assigned"
	EventTaskProgress = "task_progress"
	EventMalformed    = "malformed_payload"
)

// RelayEvent - one relay hub event, written to relay_events in batches
type RelayEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	EventType string    `gorm:"size:32;index" json:"event_type"`

	ConnID  uint64 `json:"conn_id"`
	Role    string `gorm:"size:16" json:"role"`
	Session string `gorm:"size:128" json:"session"`
	Status  string `gorm:"size:64" json:"status"`

	TaskID   int64   `json:"task_id"`
	Progress float64 `json:"progress"`

	Detail string `json:"detail"`
}
