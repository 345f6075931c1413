package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"rover-backend/geo"
	"rover-backend/models"
	"rover-backend/services"
)

// Store - persistence used by the REST handlers; *services.Store implements it
type Store interface {
	CreateRoute(ctx context.Context, name string, coords []geo.Point) (*models.Route, error)
	ListRoutes(ctx context.Context) ([]models.Route, error)
	GetRoute(ctx context.Context, id int64) (*models.Route, error)
	CreateTask(ctx context.Context, task *models.Task) (*models.Route, error)
	ListTasks(ctx context.Context) ([]models.TaskView, error)
	UpdateTaskProgress(ctx context.Context, taskID int64, progress float64) error
	CreateRobot(ctx context.Context, robot *models.Robot) error
	ListRobots(ctx context.Context) ([]models.Robot, error)
	CreateUser(ctx context.Context, username, password string) error
}

// API - REST handlers over the store and the relay hub
type API struct {
	store  Store
	hub    *Hub
	events EventQuery
	log    logrus.FieldLogger
}

// NewAPI - events may be nil when the relay event log is disabled
func NewAPI(store Store, hub *Hub, events EventQuery, log logrus.FieldLogger) *API {
	return &API{store: store, hub: hub, events: events, log: log}
}

// Register mounts every route under router (normally app.Group("/api")).
func (a *API) Register(router fiber.Router) {
	router.Get("/health", a.Health)

	router.Post("/routes", a.CreateRoute)
	router.Get("/routes", a.ListRoutes)
	router.Get("/routes/:id", a.GetRoute)

	router.Post("/tasks", a.CreateTask)
	router.Get("/tasks", a.ListTasks)
	router.Patch("/tasks/progress", a.UpdateProgress)

	router.Post("/robots", a.CreateRobot)
	router.Get("/robots", a.ListRobots)

	router.Post("/users", a.CreateUser)

	relay := router.Group("/relay")
	relay.Get("/summary", a.Summary)
	relay.Get("/connections", a.Connections)
	relay.Get("/events", a.RecentEvents)
	relay.Get("/stats", a.EventStats)
}

// ErrorHandler - fiber error handler mapping store errors to status codes
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, msg = fe.Code, fe.Message
	case errors.Is(err, services.ErrRouteNotFound), errors.Is(err, services.ErrTaskNotFound):
		code, msg = fiber.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrEmptyRoute), errors.Is(err, services.ErrInvalidCredentials):
		code, msg = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrUserExists):
		code, msg = fiber.StatusConflict, err.Error()
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (a *API) Health(c *fiber.Ctx) error {
	robots, operators := a.hub.Counts()
	return c.JSON(fiber.Map{
		"status":    "OK",
		"robots":    robots,
		"operators": operators,
		"time":      time.Now().Format(time.RFC3339),
	})
}

type createRouteRequest struct {
	Name        string      `json:"name"`
	Coordinates []geo.Point `json:"coordinates"`
}

func (a *API) CreateRoute(c *fiber.Ctx) error {
	var req createRouteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	route, err := a.store.CreateRoute(c.UserContext(), req.Name, req.Coordinates)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(route)
}

func (a *API) ListRoutes(c *fiber.Ctx) error {
	routes, err := a.store.ListRoutes(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(routes)
}

func (a *API) GetRoute(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid route id")
	}
	route, err := a.store.GetRoute(c.UserContext(), int64(id))
	if err != nil {
		return err
	}
	return c.JSON(route)
}

type createTaskRequest struct {
	RouteID     int64     `json:"route_id"`
	RobotID     int64     `json:"robot_id"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
}

// CreateTask stores the task and pushes the assignment to the robots. An
// unknown route fails with 404 before anything is stored or sent.
func (a *API) CreateTask(c *fiber.Ctx) error {
	var req createTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.RouteID <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "route_id is required")
	}

	task := &models.Task{
		RouteID:     req.RouteID,
		RobotID:     req.RobotID,
		Description: req.Description,
		StartTime:   req.StartTime,
	}
	route, err := a.store.CreateTask(c.UserContext(), task)
	if err != nil {
		return err
	}

	delivered, err := a.hub.AssignTask(models.TaskAssignment{
		TaskID:      task.TaskID,
		RouteID:     route.RouteID,
		Route:       route.Coordinates,
		RobotID:     task.RobotID,
		StartTime:   task.StartTime.Format(time.RFC3339),
		Description: task.Description,
	})
	if err != nil {
		return err
	}

	a.log.WithFields(logrus.Fields{"task_id": task.TaskID, "route_id": route.RouteID, "delivered": delivered}).
		Info("task assigned")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"task":      task,
		"delivered": delivered,
	})
}

func (a *API) ListTasks(c *fiber.Ctx) error {
	tasks, err := a.store.ListTasks(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(tasks)
}

type progressRequest struct {
	TaskID   int64    `json:"task_id"`
	Progress *float64 `json:"progress"`
}

func (a *API) UpdateProgress(c *fiber.Ctx) error {
	var req progressRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.TaskID <= 0 || req.Progress == nil {
		return fiber.NewError(fiber.StatusBadRequest, "task_id and progress are required")
	}
	if err := a.store.UpdateTaskProgress(c.UserContext(), req.TaskID, *req.Progress); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

func (a *API) CreateRobot(c *fiber.Ctx) error {
	var robot models.Robot
	if err := c.BodyParser(&robot); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if robot.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	if err := a.store.CreateRobot(c.UserContext(), &robot); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(robot)
}

func (a *API) ListRobots(c *fiber.Ctx) error {
	robots, err := a.store.ListRobots(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(robots)
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) CreateUser(c *fiber.Ctx) error {
	var req createUserRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := a.store.CreateUser(c.UserContext(), req.Username, req.Password); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"username": req.Username})
}

func (a *API) Summary(c *fiber.Ctx) error {
	return c.JSON(a.hub.StatusSummary())
}

func (a *API) Connections(c *fiber.Ctx) error {
	conns := a.hub.Connections()
	return c.JSON(fiber.Map{
		"count":       len(conns),
		"connections": conns,
	})
}
