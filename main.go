package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rover-backend/config"
	"rover-backend/handlers"
	"rover-backend/logger"
	"rover-backend/services"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Rover relay server - websocket hub between robots and operators plus the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Dir, "relay")
	if err != nil {
		return err
	}

	db, err := services.OpenDatabase(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	store := services.NewStore(db)

	hubOpts := []handlers.HubOption{
		handlers.WithProgressRecorder(store),
		handlers.WithSendTimeout(cfg.Server.SendTimeout),
	}
	var events handlers.EventQuery
	var eventLog *services.EventLog
	if cfg.EventLog.Enabled {
		eventLog = services.NewEventLog(db, cfg.EventLog.FlushSize, cfg.EventLog.FlushInterval, log)
		eventLog.Start()
		hubOpts = append(hubOpts, handlers.WithEventRecorder(eventLog))
		events = eventLog
	}
	hub := handlers.NewHub(log, hubOpts...)

	app := fiber.New(fiber.Config{
		AppName:               "rover-relay",
		ErrorHandler:          handlers.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("rover relay is running")
	})

	handlers.NewAPI(store, hub, events, log).Register(app.Group("/api"))

	app.Use("/ws", handlers.UpgradeGuard)
	app.Get("/ws", hub.Handler())

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("shutting down")
		if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.WithFields(logrus.Fields{"addr": addr, "db": cfg.Database.Driver}).Info("relay server starting")
	listenErr := app.Listen(addr)

	if eventLog != nil {
		eventLog.Stop()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("relay server stopped")
	return listenErr
}
