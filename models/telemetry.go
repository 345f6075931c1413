package models

import "rover-backend/geo"

// Health values reported for camera and lidar
const (
	HealthOK    = "OK"
	HealthError = "Error"
)

// StatusConnected - sent by the relay to acknowledge a robot registration
const StatusConnected = "connected"

// Speed - GPS speed over ground
type Speed struct {
	Knots float64 `json:"knots"`
	Kph   float64 `json:"kph"`
}

// Telemetry - snapshot a robot sends to operators every cycle
type Telemetry struct {
	DeviceName         string    `json:"deviceName"`
	Status             string    `json:"status"`
	CameraOK           string    `json:"camera_ok"`
	LidarOK            string    `json:"lidar_ok"`
	CurrentVoltage     float64   `json:"current_voltage"`
	CPUFrequency       float64   `json:"cpu_frequency"`
	CPUUsage           float64   `json:"cpu_usage"`
	MemoryUsage        float64   `json:"memory_usage"`
	TotalDistance      float64   `json:"total_distance"`
	AvgDistancePerTask float64   `json:"avg_distance_per_task"`
	TripCount          int       `json:"trip_count"`
	Coordinates        geo.Point `json:"coordinates"`
	Speed              Speed     `json:"speed"`
	RobotID            int64     `json:"robot_id"`
}
