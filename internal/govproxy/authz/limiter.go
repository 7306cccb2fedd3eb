package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// Limits is the request budget of one tier. Both windows are checked and
// consumed together.
type Limits struct {
	PerMinute int
	PerHour   int
}

// Usage is the state of a key's windows after one Take.
type Usage struct {
	// Allowed is false when either window was already full. A refused
	// request does not consume budget.
	Allowed bool
	// Minute and Hour are the counts in the current windows.
	Minute int
	Hour   int
	// MinuteReset and HourReset are the ends of the current windows.
	MinuteReset time.Time
	HourReset   time.Time
}

// RateLimiter counts requests per key in fixed windows aligned to the
// minute and to the hour. Implementations must check and increment both
// windows atomically.
type RateLimiter interface {
	Take(ctx context.Context, key string, limits Limits, now time.Time) (Usage, error)
}

// Key returns the rate-limit key of an agent at a tier.
func Key(agentID string, lvl model.ClearanceLevel) string {
	return fmt.Sprintf("%s|%s", agentID, lvl)
}

func windows(now time.Time) (minuteStart, hourStart time.Time) {
	now = now.UTC()
	return now.Truncate(time.Minute), now.Truncate(time.Hour)
}

type counter struct {
	mu          sync.Mutex
	minuteStart time.Time
	hourStart   time.Time
	minute      int
	hour        int
}

// MemoryStore keeps counters in process. Counters are created lazily per
// key and each key has its own lock.
type MemoryStore struct {
	counters sync.Map // map[string]*counter
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Take implements RateLimiter.
func (s *MemoryStore) Take(_ context.Context, key string, limits Limits, now time.Time) (Usage, error) {
	v, _ := s.counters.LoadOrStore(key, &counter{})
	c := v.(*counter)

	minuteStart, hourStart := windows(now)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.minuteStart.Equal(minuteStart) {
		c.minuteStart, c.minute = minuteStart, 0
	}
	if !c.hourStart.Equal(hourStart) {
		c.hourStart, c.hour = hourStart, 0
	}

	u := Usage{
		MinuteReset: minuteStart.Add(time.Minute),
		HourReset:   hourStart.Add(time.Hour),
	}
	if c.minute >= limits.PerMinute || c.hour >= limits.PerHour {
		u.Minute, u.Hour = c.minute, c.hour
		return u, nil
	}
	c.minute++
	c.hour++
	u.Allowed = true
	u.Minute, u.Hour = c.minute, c.hour
	return u, nil
}
