package robot

import (
	"github.com/sirupsen/logrus"

	"rover-backend/navigation"
)

// Motion - the drive collaborator. linear is forward speed (1.0 = full),
// angular the steering signal (positive right, 1.0 = full authority).
type Motion interface {
	SetMotion(linear, angular float64) error
}

// Apply sends a navigation command to m. CommandNone leaves the drive as is.
func Apply(m Motion, cmd navigation.Command) error {
	switch cmd.Kind {
	case navigation.CommandStop:
		return m.SetMotion(0, 0)
	case navigation.CommandForward:
		return m.SetMotion(cmd.Linear, 0)
	case navigation.CommandTurn:
		return m.SetMotion(cmd.Linear, clamp(cmd.Angular, -1, 1))
	default:
		return nil
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LogDrive - Motion that only logs the requested velocities. Used when no
// drive hardware is attached.
type LogDrive struct {
	Log logrus.FieldLogger

	linear, angular float64
}

func (d *LogDrive) SetMotion(linear, angular float64) error {
	if linear == d.linear && angular == d.angular {
		return nil
	}
	d.linear, d.angular = linear, angular
	d.Log.WithFields(logrus.Fields{"linear": linear, "angular": angular}).Info("motion")
	return nil
}
