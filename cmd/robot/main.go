package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rover-backend/config"
	"rover-backend/geo"
	"rover-backend/logger"
	"rover-backend/robot"
)

var (
	configPath string
	simulate   bool
	robotID    int64
	relayURL   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "robot",
		Short: "Rover agent - GPS waypoint navigation with telemetry to the relay",
		Long: `Reads GPS fixes from the serial NMEA receiver (or a kinematic simulator),
drives toward the waypoints of the assigned task and streams telemetry to the
relay server.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().BoolVar(&simulate, "simulate", false, "use the kinematic simulator instead of GPS and drive hardware")
	rootCmd.Flags().Int64Var(&robotID, "robot-id", 0, "robot id (overrides config)")
	rootCmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket URL (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rc := cfg.Robot
	if cmd.Flags().Changed("robot-id") {
		rc.RobotID = robotID
	}
	if relayURL != "" {
		rc.RelayURL = relayURL
	}
	if simulate {
		rc.Simulate = true
	}
	if rc.SessionID == "" {
		rc.SessionID = uuid.NewString()
	}
	if rc.DeviceName == "" {
		rc.DeviceName, _ = os.Hostname()
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Dir, "robot")
	if err != nil {
		return err
	}
	entry := log.WithField("session", rc.SessionID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var (
		fixes  robot.FixSource
		motion robot.Motion
	)
	if rc.Simulate {
		sim := robot.NewSimulator(geo.Point{Lat: rc.SimLat, Lng: rc.SimLng}, 0, entry)
		g.Go(func() error { return ignoreCanceled(sim.Run(ctx, time.Second)) })
		fixes, motion = sim, sim
	} else {
		reader := robot.NewGPSReader(robot.SerialOpener(rc.GPSPort, uint(rc.GPSBaud)), rc.QueueSize, rc.GPSRetry, entry)
		g.Go(func() error { return ignoreCanceled(reader.Run(ctx)) })
		fixes, motion = reader, &robot.LogDrive{Log: entry}
	}

	var mirror robot.Mirror
	if rc.MQTTBroker != "" {
		m, err := robot.NewMQTTMirror(rc.MQTTBroker, "rover-"+rc.SessionID, rc.TelemetryTopic(), entry)
		if err != nil {
			entry.Warnf("telemetry mirror disabled: %v", err)
		} else {
			mirror = m
			defer m.Close()
		}
	}

	probe := &robot.HostProbe{
		CameraDevice: rc.CameraDevice,
		LidarDevice:  rc.LidarDevice,
		BatteryPath:  rc.BatteryPath,
		Log:          entry,
	}
	agent := robot.NewAgent(robot.AgentConfig{
		RelayURL:       rc.RelayURL,
		SessionID:      rc.SessionID,
		RobotID:        rc.RobotID,
		DeviceName:     rc.DeviceName,
		ReceiveTimeout: rc.ReceiveTimeout,
		Tunables:       cfg.Navigation,
	}, fixes, motion, probe, mirror, entry)

	entry.WithFields(logrus.Fields{
		"robot_id": rc.RobotID,
		"relay":    rc.RelayURL,
		"simulate": rc.Simulate,
	}).Info("robot agent starting")

	g.Go(func() error { return agent.Run(ctx) })

	err = g.Wait()
	entry.Info("robot agent stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
