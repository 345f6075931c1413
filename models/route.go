package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"rover-backend/geo"
)

// Waypoints - route coordinates stored as a JSON column
type Waypoints []geo.Point

func (Waypoints) GormDataType() string { return "json" }

// GormDBDataType - jsonb on postgres, json on mysql, text elsewhere
func (Waypoints) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	default:
		return "TEXT"
	}
}

func (w Waypoints) Value() (driver.Value, error) {
	if w == nil {
		w = Waypoints{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (w *Waypoints) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*w = nil
		return nil
	default:
		return fmt.Errorf("waypoints: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, w)
}

// ========================================
// Persistence models
// ========================================

// Route - ordered waypoints a task drives through
type Route struct {
	RouteID      int64     `gorm:"primaryKey;column:route_id" json:"route_id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Coordinates  Waypoints `json:"coordinates"`
	CreationDate time.Time `gorm:"autoCreateTime" json:"creation_date"`
}

// Task - a route assigned to a robot
type Task struct {
	TaskID      int64      `gorm:"primaryKey;column:task_id" json:"task_id"`
	RouteID     int64      `gorm:"index;not null" json:"route_id"`
	RobotID     int64      `gorm:"index" json:"robot_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Description string     `json:"description"`
	Progress    float64    `gorm:"default:0" json:"progress"`
}

// TaskView - task joined with its route for listings
type TaskView struct {
	Task
	RouteName   string    `json:"route_name"`
	Coordinates Waypoints `json:"coordinates"`
}

// Robot - fleet inventory entry
type Robot struct {
	RobotID             int64     `gorm:"primaryKey;column:robot_id" json:"robot_id"`
	Name                string    `gorm:"size:255;not null" json:"name"`
	CommissioningDate   time.Time `json:"commissioning_date"`
	LastMaintenanceDate time.Time `json:"last_maintenance_date"`
	ServiceLife         int       `json:"service_life"`
}

// User - operator account; only the bcrypt hash is stored
type User struct {
	Username     string `gorm:"primaryKey;size:64" json:"username"`
	PasswordHash string `gorm:"column:password_hash;not null" json:"-"`
}
