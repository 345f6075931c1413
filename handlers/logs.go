package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"rover-backend/models"
)

// EventQuery - read side of the relay event log
type EventQuery interface {
	Recent(ctx context.Context, eventType string, limit int) ([]models.RelayEvent, error)
	Stats(ctx context.Context, since time.Time) (map[string]int64, error)
}

// RecentEvents - newest relay events, optionally filtered by ?type=
func (a *API) RecentEvents(c *fiber.Ctx) error {
	if a.events == nil {
		return fiber.NewError(fiber.StatusNotFound, "relay event log is disabled")
	}

	eventType := c.Query("type")
	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	events, err := a.events.Recent(c.UserContext(), eventType, limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch relay events")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"count":   len(events),
		"events":  events,
	})
}

// EventStats - event counts per type over the last ?hours= (default 24)
func (a *API) EventStats(c *fiber.Ctx) error {
	if a.events == nil {
		return fiber.NewError(fiber.StatusNotFound, "relay event log is disabled")
	}

	hours, err := strconv.Atoi(c.Query("hours", "24"))
	if err != nil || hours <= 0 {
		hours = 24
	}

	stats, err := a.events.Stats(c.UserContext(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch relay stats")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"hours":   hours,
		"stats":   stats,
	})
}
