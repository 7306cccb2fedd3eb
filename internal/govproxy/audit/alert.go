package audit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
)

// Alert kinds raised by the audit logger.
const (
	AlertDegraded    = "AuditDegraded"
	AlertUnavailable = "AuditUnavailable"
)

// Alert is one operator-facing signal. Suppressed counts alerts of the
// same kind dropped by throttling since the previous delivery.
type Alert struct {
	Kind       string
	Err        error
	Suppressed int
	At         time.Time
}

// AlertFunc delivers an alert.
type AlertFunc func(Alert)

// Alerter throttles alerts per kind to at most one per interval.
type Alerter struct {
	mu         sync.Mutex
	interval   time.Duration
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
	deliver    AlertFunc
}

// NewAlerter returns an alerter delivering through fn, or through the
// error log when fn is nil. A zero interval disables throttling.
func NewAlerter(interval time.Duration, fn AlertFunc) *Alerter {
	if fn == nil {
		fn = logAlert
	}
	return &Alerter{
		interval:   interval,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
		deliver:    fn,
	}
}

// Raise delivers an alert of kind unless one was delivered within the
// interval, in which case it is counted and reported with the next one.
func (a *Alerter) Raise(kind string, err error) {
	a.mu.Lock()
	lim, ok := a.limiters[kind]
	if !ok {
		limit := rate.Inf
		if a.interval > 0 {
			limit = rate.Every(a.interval)
		}
		lim = rate.NewLimiter(limit, 1)
		a.limiters[kind] = lim
	}
	if !lim.Allow() {
		a.suppressed[kind]++
		a.mu.Unlock()
		return
	}
	suppressed := a.suppressed[kind]
	a.suppressed[kind] = 0
	a.mu.Unlock()

	a.deliver(Alert{Kind: kind, Err: err, Suppressed: suppressed, At: time.Now().UTC()})
}

func logAlert(al Alert) {
	logger.L().Errorw("Audit alert",
		"kind", al.Kind,
		"error", al.Err,
		"suppressed", al.Suppressed)
}
