package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"rover-backend/geo"
	"rover-backend/models"
)

var (
	ErrRouteNotFound      = errors.New("route not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrEmptyRoute         = errors.New("route has no coordinates")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Store - CRUD over routes, tasks, robots and users
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateRoute inserts a route; creation_date is set by the database layer.
func (s *Store) CreateRoute(ctx context.Context, name string, coords []geo.Point) (*models.Route, error) {
	if len(coords) == 0 {
		return nil, ErrEmptyRoute
	}
	route := &models.Route{Name: name, Coordinates: models.Waypoints(coords)}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(route).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create route: %w", err)
	}
	return route, nil
}

func (s *Store) ListRoutes(ctx context.Context) ([]models.Route, error) {
	var routes []models.Route
	if err := s.db.WithContext(ctx).Order("route_id").Find(&routes).Error; err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

func (s *Store) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	var route models.Route
	err := s.db.WithContext(ctx).First(&route, "route_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route %d: %w", id, err)
	}
	return &route, nil
}

// CreateTask inserts task after checking its route exists and has
// coordinates. Nothing is committed when the route is unusable.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) (*models.Route, error) {
	var route models.Route
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&route, "route_id = ?", task.RouteID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRouteNotFound
		}
		if err != nil {
			return err
		}
		if len(route.Coordinates) == 0 {
			return ErrEmptyRoute
		}
		if task.StartTime.IsZero() {
			task.StartTime = time.Now()
		}
		return tx.Create(task).Error
	})
	if err != nil {
		if errors.Is(err, ErrRouteNotFound) || errors.Is(err, ErrEmptyRoute) {
			return nil, err
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &route, nil
}

// ListTasks returns tasks joined with their route name and coordinates.
func (s *Store) ListTasks(ctx context.Context) ([]models.TaskView, error) {
	var tasks []models.TaskView
	err := s.db.WithContext(ctx).
		Table("tasks").
		Select("tasks.*, routes.name AS route_name, routes.coordinates AS coordinates").
		Joins("JOIN routes ON routes.route_id = tasks.route_id").
		Order("tasks.task_id").
		Scan(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskProgress stores progress (clamped to 0..100); reaching 100 sets
// end_time once.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID int64, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		err := tx.First(&task, "task_id = ?", taskID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}

		updates := map[string]interface{}{"progress": progress}
		if progress >= 100 && task.EndTime == nil {
			updates["end_time"] = time.Now()
		}
		if err := tx.Model(&task).Updates(updates).Error; err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		return nil
	})
}

// RecordProgress - ProgressRecorder for the relay hub
func (s *Store) RecordProgress(ctx context.Context, taskID int64, progress float64) error {
	return s.UpdateTaskProgress(ctx, taskID, progress)
}

func (s *Store) CreateRobot(ctx context.Context, robot *models.Robot) error {
	if err := s.db.WithContext(ctx).Create(robot).Error; err != nil {
		return fmt.Errorf("create robot: %w", err)
	}
	return nil
}

func (s *Store) ListRobots(ctx context.Context) ([]models.Robot, error) {
	var robots []models.Robot
	if err := s.db.WithContext(ctx).Order("robot_id").Find(&robots).Error; err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	return robots, nil
}

// CreateUser stores username with a bcrypt hash of password.
func (s *Store) CreateUser(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUserExists
		}
		return tx.Create(&models.User{Username: username, PasswordHash: string(hash)}).Error
	})
}

// VerifyUser checks a password against the stored hash.
func (s *Store) VerifyUser(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("verify user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}
