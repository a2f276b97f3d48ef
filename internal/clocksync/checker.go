// Package clocksync measures the system clock offset against NTP once the
// device is online. Boards without an RTC boot with a wrong clock, and TLS to
// the registry fails until it is corrected.
package clocksync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"palpable"
	"palpable/internal/check"
)

const (
	defaultPool      = "pool.ntp.org"
	defaultInterval  = 10 * time.Minute
	defaultThreshold = 500 * time.Millisecond
	queryTimeout     = 5 * time.Second
	// offlineRetry is how soon to look again while the device is offline.
	offlineRetry = 15 * time.Second
)

type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Healthy:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case UnhealthyOffset:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Error:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	}
	check.Assertf(ok, "clock sync transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type Status struct {
	Offset    time.Duration `json:"offset"`
	Phase     Phase         `json:"phase"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt,omitzero"`
}

// QueryFunc returns the clock offset against pool.
type QueryFunc func(ctx context.Context, pool string) (time.Duration, error)

type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     palpable.Clock
	online    func() bool
	query     QueryFunc
	log       *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

func WithPool(pool string) Option {
	return func(c *Checker) {
		if pool != "" {
			c.pool = pool
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithOnline gates queries on connectivity.
func WithOnline(online func() bool) Option {
	return func(c *Checker) { c.online = online }
}

// WithQuery replaces the NTP query.
func WithQuery(q QueryFunc) Option {
	return func(c *Checker) { c.query = q }
}

func NewChecker(clock palpable.Clock, opts ...Option) *Checker {
	check.Assert(clock != nil, "clocksync.NewChecker: clock must not be nil")
	c := &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		status:    Status{Phase: Unchecked},
		clock:     clock,
		online:    func() bool { return true },
		query:     queryNTP,
		log:       slog.With("component", "clocksync"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func queryNTP(ctx context.Context, pool string) (time.Duration, error) {
	timeout := queryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	resp, err := ntp.QueryWithOptions(pool, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Run checks until ctx is done. While offline it retries sooner so the first
// check lands shortly after the link comes up.
func (c *Checker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		next := c.interval
		if !c.Check(ctx) {
			next = min(offlineRetry, c.interval)
		}
		timer.Reset(next)
	}
}

// Check queries NTP once. It reports false when skipped because the device
// is offline.
func (c *Checker) Check(ctx context.Context) bool {
	if !c.online() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	offset, err := c.query(ctx, c.pool)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if err != nil {
		c.status = Status{Error: err.Error(), Phase: c.status.Phase.Transition(Error), CheckedAt: now}
		c.log.Debug("NTP query failed.", "pool", c.pool, "err", err)
		return true
	}

	phase := UnhealthyOffset
	if offset.Abs() < c.threshold {
		phase = Healthy
	}
	if phase == UnhealthyOffset && c.status.Phase != UnhealthyOffset {
		c.log.Warn("System clock is off.", "offset", offset)
	}
	c.status = Status{Offset: offset, Phase: c.status.Phase.Transition(phase), CheckedAt: now}
	return true
}

func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
