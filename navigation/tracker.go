package navigation

import (
	"time"

	"rover-backend/geo"
)

// Tracker - bounded history of recent fixes plus the cumulative travelled distance.
// Not safe for concurrent use; the robot loop owns it.
type Tracker struct {
	capacity       int
	jitterDistance float64
	defaultSpeed   float64
	staleAfter     time.Duration

	history  []geo.Fix
	total    float64
	lastReal *geo.Fix
}

// NewTracker - creates a tracker configured from the navigation tunables
func NewTracker(t Tunables) *Tracker {
	capacity := t.HistorySize
	if capacity <= 0 {
		capacity = DefaultTunables().HistorySize
	}
	return &Tracker{
		capacity:       capacity,
		jitterDistance: t.JitterDistance,
		defaultSpeed:   t.DefaultSpeedKph,
		staleAfter:     t.StaleAfter,
		history:        make([]geo.Fix, 0, capacity),
	}
}

// Record appends fix to the history, evicting the oldest entry when full.
// The distance from the previous entry is added to the cumulative total even
// when fix is a prediction.
func (t *Tracker) Record(fix geo.Fix) {
	if n := len(t.history); n > 0 {
		t.total += geo.Distance(t.history[n-1].Point, fix.Point)
	}
	if len(t.history) == t.capacity {
		copy(t.history, t.history[1:])
		t.history = t.history[:t.capacity-1]
	}
	t.history = append(t.history, fix)

	if !fix.Predicted {
		f := fix
		t.lastReal = &f
	}
}

// CurrentBearing - heading derived from the last two fixes. When those are
// closer than the jitter distance and at least four fixes exist, the
// third-from-last fix replaces the immediate predecessor.
func (t *Tracker) CurrentBearing() float64 {
	n := len(t.history)
	if n < 2 {
		return 0
	}
	from := t.history[n-2].Point
	to := t.history[n-1].Point
	if geo.Distance(from, to) < t.jitterDistance && n >= 4 {
		from = t.history[n-3].Point
	}
	return geo.Bearing(from, to)
}

// PredictIfStale dead-reckons a new position when more than the stale
// threshold has elapsed since lastFixTime. The projection starts at the last
// measured fix, travels speed*elapsed along CurrentBearing (DefaultSpeedKph
// when speedKph is unknown) and is recorded into the history, so the
// cumulative distance optimistically includes estimated travel.
func (t *Tracker) PredictIfStale(lastFixTime time.Time, speedKph float64, now time.Time) (geo.Fix, bool) {
	elapsed := now.Sub(lastFixTime)
	if elapsed <= t.staleAfter || len(t.history) == 0 {
		return geo.Fix{}, false
	}

	origin := t.history[len(t.history)-1]
	if t.lastReal != nil {
		origin = *t.lastReal
	}
	if speedKph <= 0 {
		speedKph = t.defaultSpeed
	}
	distance := speedKph * 1000 / 3600 * elapsed.Seconds()

	predicted := geo.Fix{
		Point:     geo.Project(origin.Point, t.CurrentBearing(), distance),
		Time:      now,
		SpeedKph:  speedKph,
		Predicted: true,
	}
	t.Record(predicted)
	return predicted, true
}

// Last returns the newest fix in the history.
func (t *Tracker) Last() (geo.Fix, bool) {
	if len(t.history) == 0 {
		return geo.Fix{}, false
	}
	return t.history[len(t.history)-1], true
}

// History returns a copy of the tracked fixes, oldest first.
func (t *Tracker) History() []geo.Fix {
	out := make([]geo.Fix, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) Len() int { return len(t.history) }

// TotalDistance - cumulative distance in meters; never decreases.
func (t *Tracker) TotalDistance() float64 { return t.total }

// Clear drops the history but keeps the cumulative distance.
func (t *Tracker) Clear() {
	t.history = t.history[:0]
	t.lastReal = nil
}
