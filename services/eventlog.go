package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rover-backend/models"
)

// EventLog - buffers relay events and writes them in batches
type EventLog struct {
	db        *gorm.DB
	log       logrus.FieldLogger
	flushSize int
	flushTime time.Duration

	mu     sync.Mutex
	events []models.RelayEvent

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEventLog - call Start to enable the periodic flush
func NewEventLog(db *gorm.DB, flushSize int, flushInterval time.Duration, log logrus.FieldLogger) *EventLog {
	if flushSize <= 0 {
		flushSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &EventLog{
		db:        db,
		log:       log,
		flushSize: flushSize,
		flushTime: flushInterval,
		events:    make([]models.RelayEvent, 0, flushSize*2),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the periodic flush.
func (l *EventLog) Start() {
	go l.autoFlush()
	l.log.WithFields(logrus.Fields{"flush_size": l.flushSize, "flush_interval": l.flushTime}).
		Info("relay event log started")
}

func (l *EventLog) autoFlush() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.stop:
			l.Flush()
			return
		}
	}
}

// Record buffers one event; a full buffer is flushed in the background.
func (l *EventLog) Record(e models.RelayEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, e)
	size := len(l.events)
	l.mu.Unlock()

	if size >= l.flushSize {
		go l.Flush()
	}
}

// Flush writes every buffered event and returns how many were saved.
func (l *EventLog) Flush() int {
	l.mu.Lock()
	if len(l.events) == 0 {
		l.mu.Unlock()
		return 0
	}
	batch := make([]models.RelayEvent, len(l.events))
	copy(batch, l.events)
	l.events = l.events[:0]
	l.mu.Unlock()

	if err := l.db.CreateInBatches(batch, 100).Error; err != nil {
		l.log.Errorf("relay event flush failed (%d events dropped): %v", len(batch), err)
		return 0
	}
	l.log.Debugf("relay events saved: %d", len(batch))
	return len(batch)
}

// Stop flushes what is left and ends the periodic flush. Safe to call once
// Start has run; later calls are no-ops.
func (l *EventLog) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
		l.log.Info("relay event log stopped")
	})
}

// Recent - newest events first, optionally filtered by type
func (l *EventLog) Recent(ctx context.Context, eventType string, limit int) ([]models.RelayEvent, error) {
	var events []models.RelayEvent
	q := l.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

// Stats - event counts per type since the given time
func (l *EventLog) Stats(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		EventType string
		Count     int64
	}
	err := l.db.WithContext(ctx).Model(&models.RelayEvent{}).
		Select("event_type, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.EventType] = r.Count
	}
	return counts, nil
}
