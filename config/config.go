// Package config loads the relay server and robot agent configuration:
// defaults, then an optional YAML file, then .env / environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rover-backend/navigation"
)

// Config - everything both processes need
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Database   DatabaseConfig      `yaml:"database"`
	Logging    LoggingConfig       `yaml:"logging"`
	EventLog   EventLogConfig      `yaml:"event_log"`
	Robot      RobotConfig         `yaml:"robot"`
	Navigation navigation.Tunables `yaml:"navigation"`
}

// ServerConfig - relay HTTP/websocket server
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AllowOrigins    string        `yaml:"allow_origins"`
	SendTimeout     time.Duration `yaml:"send_timeout"` // per-peer write deadline during fan-out
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig - driver is one of postgres, mysql, sqlite
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"` // sqlite file
	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// LoggingConfig - level is a logrus level name
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// EventLogConfig - batching of relay events written to the database
type EventLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushSize     int           `yaml:"flush_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RobotIDPlaceholder - token in robot.mqtt_topic replaced by the robot id
const RobotIDPlaceholder = "{robot_id}"

// RobotConfig - robot agent
type RobotConfig struct {
	RelayURL       string        `yaml:"relay_url"`
	SessionID      string        `yaml:"session_id"`
	RobotID        int64         `yaml:"robot_id"`
	DeviceName     string        `yaml:"device_name"`
	GPSPort        string        `yaml:"gps_port"`
	GPSBaud        int           `yaml:"gps_baud"`
	GPSRetry       time.Duration `yaml:"gps_retry"`
	QueueSize      int           `yaml:"queue_size"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	MQTTBroker     string        `yaml:"mqtt_broker"`
	MQTTTopic      string        `yaml:"mqtt_topic"` // RobotIDPlaceholder is replaced by robot_id
	CameraDevice   string        `yaml:"camera_device"`
	LidarDevice    string        `yaml:"lidar_device"`
	BatteryPath    string        `yaml:"battery_path"`
	Simulate       bool          `yaml:"simulate"`
	SimLat         float64       `yaml:"sim_lat"`
	SimLng         float64       `yaml:"sim_lng"`
}

// TelemetryTopic - MQTT topic with the robot id filled in
func (r RobotConfig) TelemetryTopic() string {
	return strings.ReplaceAll(r.MQTTTopic, RobotIDPlaceholder, strconv.FormatInt(r.RobotID, 10))
}

// Default - values used when neither the file nor the environment set them
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			AllowOrigins:    "http://localhost:5173",
			SendTimeout:     5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Name:            "postgres",
			SSLMode:         "disable",
			Path:            "rover.db",
			ConnectAttempts: 5,
			RetryInterval:   2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		EventLog: EventLogConfig{
			Enabled:       true,
			FlushSize:     50,
			FlushInterval: 10 * time.Second,
		},
		Robot: RobotConfig{
			RelayURL:       "ws://localhost:8000/ws",
			RobotID:        1,
			GPSPort:        "/dev/ttyUSB1",
			GPSBaud:        9600,
			GPSRetry:       2 * time.Second,
			QueueSize:      64,
			ReceiveTimeout: 100 * time.Millisecond,
			MQTTTopic:      "rover/" + RobotIDPlaceholder + "/telemetry",
			CameraDevice:   "/dev/video0",
			LidarDevice:    "/dev/ttyUSB0",
		},
		Navigation: navigation.DefaultTunables(),
	}
}

// Load reads path (if not empty), then .env and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	// a missing .env is normal outside development
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port must be positive")
	}
	if c.Robot.QueueSize <= 0 {
		return errors.New("robot.queue_size must be positive")
	}
	if c.Robot.MQTTBroker != "" && strings.TrimSpace(c.Robot.MQTTTopic) == "" {
		return errors.New("robot.mqtt_topic is required when a broker is set")
	}
	return c.Navigation.Validate()
}

func (c *Config) applyEnv() error {
	var err error
	setString(&c.Server.AllowOrigins, "ALLOW_ORIGINS")
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.Path, "DB_PATH")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Dir, "LOG_DIR")
	setString(&c.Robot.RelayURL, "RELAY_URL")
	setString(&c.Robot.SessionID, "SESSION_ID")
	setString(&c.Robot.GPSPort, "GPS_PORT")
	setString(&c.Robot.MQTTBroker, "MQTT_BROKER")

	for _, f := range []func() error{
		func() error { return setInt(&c.Server.Port, "PORT") },
		func() error { return setInt(&c.Database.Port, "DB_PORT") },
		func() error { return setInt(&c.Robot.GPSBaud, "GPS_BAUD") },
		func() error { return setInt64(&c.Robot.RobotID, "ROBOT_ID") },
	} {
		if err = f(); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}
