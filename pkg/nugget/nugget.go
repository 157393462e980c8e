// Package nugget contains the core domain types for the nugget notification service.
package nugget

import (
	"slices"
	"time"
)

const (
	// NumLessons is the number of content categories a subscriber can toggle.
	NumLessons = 9

	// DefaultInterval is the cadence a new or reset subscriber starts with.
	DefaultInterval = time.Hour

	// PromptThreshold is the message count at which the one-time slow-down prompt is sent.
	PromptThreshold = 100

	// MaxInterval caps any single send interval.
	MaxInterval = 365 * 24 * time.Hour

	// MaxHours caps hour arguments that set an end time.
	MaxHours = 10 * 365 * 24
)

// Subscriber holds one recipient's scheduling and preference state.
type Subscriber struct {
	NextSendTime         time.Time       `json:"next_send_time"`         // Dispatch fires when now >= this
	CreatedAt            time.Time       `json:"created_at"`             // First begin/signup
	UpdatedAt            time.Time       `json:"updated_at"`             // Last write
	EndTime              *time.Time      `json:"end_time,omitempty"`     // Optional expiry
	ID                   string          `json:"id"`                     // Phone-number-like identity
	SendIntervals        []int64         `json:"send_intervals_ms"`      // Cyclic cadence in milliseconds
	LessonWeights        [NumLessons]int `json:"lesson_weights"`         // 0/1 per category
	CurrentIntervalIndex int             `json:"current_interval_index"` // Index into SendIntervals
	MessageCount         int             `json:"message_count"`          // Successful sends
	Active               bool            `json:"active"`
}

// New returns a subscriber in the default state. A non-nil endTime sets an expiry.
func New(id string, now time.Time, endTime *time.Time) *Subscriber {
	s := &Subscriber{ID: id, CreatedAt: now}
	s.Reset(now, endTime)
	return s
}

// Reset puts the subscriber back into the default state, keeping ID and CreatedAt.
func (s *Subscriber) Reset(now time.Time, endTime *time.Time) {
	s.Active = true
	s.SendIntervals = []int64{DefaultInterval.Milliseconds()}
	s.CurrentIntervalIndex = 0
	s.LessonWeights = AllLessons()
	s.MessageCount = 0
	s.EndTime = endTime
	s.NextSendTime = now
	s.UpdatedAt = now
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
}

// AllLessons returns a weight vector with every category enabled.
func AllLessons() [NumLessons]int {
	var w [NumLessons]int
	for i := range w {
		w[i] = 1
	}
	return w
}

// Expired reports whether an end time is set and has passed.
func (s *Subscriber) Expired(now time.Time) bool {
	return s.EndTime != nil && !now.Before(*s.EndTime)
}

// Due reports whether the subscriber should receive a nugget at now.
func (s *Subscriber) Due(now time.Time) bool {
	return s.Active && !s.Expired(now) && !now.Before(s.NextSendTime)
}

// Advance records one successful send at now. The interval consumed is the one at the
// index before advancing. It reports whether the count just reached PromptThreshold.
func (s *Subscriber) Advance(now time.Time) bool {
	if len(s.SendIntervals) == 0 {
		s.SendIntervals = []int64{DefaultInterval.Milliseconds()}
	}
	if s.CurrentIntervalIndex < 0 || s.CurrentIntervalIndex >= len(s.SendIntervals) {
		s.CurrentIntervalIndex = 0
	}

	consumed := intervalDuration(s.SendIntervals[s.CurrentIntervalIndex])
	s.CurrentIntervalIndex = (s.CurrentIntervalIndex + 1) % len(s.SendIntervals)
	s.NextSendTime = now.Add(consumed)
	s.MessageCount++
	s.UpdatedAt = now
	return s.MessageCount == PromptThreshold
}

// ScaleIntervals multiplies every interval by factor, capping each at MaxInterval.
func (s *Subscriber) ScaleIntervals(factor int64) {
	maxMs := MaxInterval.Milliseconds()
	for i, ms := range s.SendIntervals {
		if factor > 0 && ms > maxMs/factor {
			s.SendIntervals[i] = maxMs
			continue
		}
		s.SendIntervals[i] = ms * factor
	}
}

// intervalDuration converts a stored interval, clamping it into (0, MaxInterval].
func intervalDuration(ms int64) time.Duration {
	switch {
	case ms <= 0:
		return DefaultInterval
	case ms >= MaxInterval.Milliseconds():
		return MaxInterval
	default:
		return time.Duration(ms) * time.Millisecond
	}
}

// ActiveLessons returns the enabled category indices in ascending order.
func (s *Subscriber) ActiveLessons() []int {
	return EnabledIndices(s.LessonWeights)
}

// EnabledIndices returns the indices whose weight is 1.
func EnabledIndices(weights [NumLessons]int) []int {
	idx := make([]int, 0, NumLessons)
	for i, w := range weights {
		if w == 1 {
			idx = append(idx, i)
		}
	}
	return idx
}

// Intervals returns the cadence as durations.
func (s *Subscriber) Intervals() []time.Duration {
	out := make([]time.Duration, len(s.SendIntervals))
	for i, ms := range s.SendIntervals {
		out[i] = intervalDuration(ms)
	}
	return out
}

// Clone returns a deep copy.
func (s *Subscriber) Clone() *Subscriber {
	c := *s
	c.SendIntervals = slices.Clone(s.SendIntervals)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}

// Status is the read-only view exposed to the HTTP layer.
type Status struct {
	ActiveLessons         []int `json:"active_lessons"`
	MessageCount          int   `json:"message_count"`
	MillisecondsUntilNext int64 `json:"ms_until_next"`
	Active                bool  `json:"active"`
}

// StatusAt builds the status view relative to now.
func (s *Subscriber) StatusAt(now time.Time) Status {
	until := s.NextSendTime.Sub(now).Milliseconds()
	if until < 0 {
		until = 0
	}
	return Status{
		Active:                s.Active,
		MessageCount:          s.MessageCount,
		MillisecondsUntilNext: until,
		ActiveLessons:         s.ActiveLessons(),
	}
}

// Content is one fetched item and the reference that resolves back to its payload.
type Content struct {
	Channel   string // Channel slug the item came from
	Title     string // Short human-readable title
	Reference string // Opaque handle, resolvable to Payload
	Payload   []byte // Exact bytes served by the content page
	Lesson    int    // Category index the channel was picked from
}
