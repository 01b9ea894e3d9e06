package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared by the client handler, readiness
// check and shutdown path. While draining, new joins are refused.
type Lifecycle struct {
	draining  atomic.Bool
	startedAt time.Time
}

func New(now time.Time) *Lifecycle {
	return &Lifecycle{startedAt: now}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

func (l *Lifecycle) StartedAt() time.Time {
	if l == nil {
		return time.Time{}
	}
	return l.startedAt
}
