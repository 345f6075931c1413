package robot

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"rover-backend/geo"
	"rover-backend/models"
)

// SystemStatus - host readings included in every telemetry snapshot
type SystemStatus struct {
	CameraOK     bool
	LidarOK      bool
	Voltage      float64
	CPUFrequency float64 // MHz
	CPUUsage     float64 // percent
	MemoryUsage  float64 // percent
}

// SystemProbe reads the host state.
type SystemProbe interface {
	Probe(ctx context.Context) SystemStatus
}

// TelemetryInput - everything a snapshot is built from
type TelemetryInput struct {
	DeviceName    string
	RobotID       int64
	Status        string
	Fix           geo.Fix
	TotalDistance float64
	AvgPerTrip    float64
	TripCount     int
	System        SystemStatus
}

// AssembleTelemetry builds the outbound telemetry message.
func AssembleTelemetry(in TelemetryInput) models.Telemetry {
	return models.Telemetry{
		DeviceName:         in.DeviceName,
		Status:             in.Status,
		CameraOK:           health(in.System.CameraOK),
		LidarOK:            health(in.System.LidarOK),
		CurrentVoltage:     round(in.System.Voltage, 2),
		CPUFrequency:       round(in.System.CPUFrequency, 0),
		CPUUsage:           round(in.System.CPUUsage, 1),
		MemoryUsage:        round(in.System.MemoryUsage, 1),
		TotalDistance:      round(in.TotalDistance, 2),
		AvgDistancePerTask: round(in.AvgPerTrip, 2),
		TripCount:          in.TripCount,
		Coordinates:        in.Fix.Point,
		Speed:              models.Speed{Knots: in.Fix.SpeedKnots, Kph: in.Fix.SpeedKph},
		RobotID:            in.RobotID,
	}
}

func health(ok bool) string {
	if ok {
		return models.HealthOK
	}
	return models.HealthError
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// HostProbe - SystemProbe backed by gopsutil and device files
type HostProbe struct {
	CameraDevice string
	LidarDevice  string
	// BatteryPath is a sysfs voltage_now file (microvolts); empty reports 0.
	BatteryPath string
	Log         logrus.FieldLogger
}

func (p *HostProbe) Probe(ctx context.Context) SystemStatus {
	s := SystemStatus{
		CameraOK: deviceExists(p.CameraDevice),
		LidarOK:  deviceExists(p.LidarDevice),
		Voltage:  p.voltage(),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUUsage = pct[0]
	} else if err != nil {
		p.Log.Debugf("cpu usage: %v", err)
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		s.CPUFrequency = infos[0].Mhz
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryUsage = vm.UsedPercent
	} else {
		p.Log.Debugf("memory usage: %v", err)
	}
	return s
}

func (p *HostProbe) voltage() float64 {
	if p.BatteryPath == "" {
		return 0
	}
	raw, err := os.ReadFile(p.BatteryPath)
	if err != nil {
		return 0
	}
	micro, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	return micro / 1e6
}

func deviceExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
