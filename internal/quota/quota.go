// Package quota makes admit/reject decisions over layered calendar windows backed by a shared
// counter store. A reservation is evaluated against every window at once: either all counters
// grow or none do, so a denied request never consumes capacity.
package quota

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/KanopusDev/Kale/internal/metrics"
)

// Unlimited marks a window that is never counted.
const Unlimited int64 = -1

// Resource names what is being counted.
type Resource string

const (
	ResourceAPI   Resource = "api"
	ResourceIP    Resource = "ip"
	ResourceEmail Resource = "email"
)

// Limit caps one window.
type Limit struct {
	Window Window
	Max    int64
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Window is the denying window, or the most constrained one when allowed.
	Window    Window
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// RetryAfter is zero when allowed.
	RetryAfter time.Duration
	Granted    int64
	// Degraded is set when the counter store failed and the fail-open/closed policy decided.
	Degraded bool
}

// WindowStatus is a read-only snapshot of one window.
type WindowStatus struct {
	Window    Window
	Limit     int64
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

var ErrInvalidAmount = errors.New("quota: amount must be positive")

// failClosedRetry is the RetryAfter returned when the store is down and the controller fails closed.
const failClosedRetry = 5 * time.Second

// Controller evaluates quota windows against a Store.
type Controller struct {
	store    Store
	failOpen bool
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Controller)

// WithFailOpen chooses the policy for store errors.
func WithFailOpen(v bool) Option { return func(c *Controller) { c.failOpen = v } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithLogger sets the logger used for degraded decisions.
func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

func New(store Store, opts ...Option) *Controller {
	c := &Controller{store: store, failOpen: true, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key builds the counter key for a window bucket.
func Key(resource Resource, subject string, w Window, at time.Time) string {
	return "quota:" + string(resource) + ":" + subject + ":" + string(w) + ":" + w.Bucket(at)
}

// CheckAndReserve admits amount units only if every finite window has room for all of them.
func (c *Controller) CheckAndReserve(ctx context.Context, resource Resource, subject string, limits []Limit, amount int64) (Decision, error) {
	return c.reserve(ctx, resource, subject, limits, amount, false)
}

// ReserveUpTo grants as many of want as the tightest window allows, denying only when none fit.
func (c *Controller) ReserveUpTo(ctx context.Context, resource Resource, subject string, limits []Limit, want int64) (Decision, error) {
	return c.reserve(ctx, resource, subject, limits, want, true)
}

func (c *Controller) reserve(ctx context.Context, resource Resource, subject string, limits []Limit, amount int64, partial bool) (Decision, error) {
	if amount <= 0 {
		return Decision{}, ErrInvalidAmount
	}
	now := c.now()
	finite := finiteLimits(limits)
	if len(finite) == 0 {
		metrics.IncQuotaDecision(string(resource), "", "allowed")
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited, Granted: amount}, nil
	}

	counters := make([]Counter, len(finite))
	for i, l := range finite {
		counters[i] = Counter{Key: Key(resource, subject, l.Window, now), Limit: l.Max, TTL: l.Window.Duration()}
	}
	res, err := c.store.Reserve(ctx, counters, amount, partial)
	if err != nil {
		return c.degraded(resource, subject, finite[0], amount, now, err), nil
	}

	if res.Denied >= 0 {
		l := finite[res.Denied]
		reset := l.Window.ResetAt(now)
		d := Decision{
			Allowed:    false,
			Window:     l.Window,
			Limit:      l.Max,
			Remaining:  clampRemaining(l.Max - res.Counts[res.Denied]),
			ResetAt:    reset,
			RetryAfter: retryAfter(reset, now),
		}
		metrics.IncQuotaDecision(string(resource), string(l.Window), "denied")
		return d, nil
	}

	idx := 0
	for i, l := range finite {
		if l.Max-res.Counts[i] < finite[idx].Max-res.Counts[idx] {
			idx = i
		}
	}
	l := finite[idx]
	metrics.IncQuotaDecision(string(resource), string(l.Window), "allowed")
	return Decision{
		Allowed:   true,
		Window:    l.Window,
		Limit:     l.Max,
		Remaining: clampRemaining(l.Max - res.Counts[idx]),
		ResetAt:   l.Window.ResetAt(now),
		Granted:   res.Granted,
	}, nil
}

func (c *Controller) degraded(resource Resource, subject string, l Limit, amount int64, now time.Time, err error) Decision {
	metrics.IncQuotaStoreError("reserve")
	if c.failOpen {
		c.log.Warn().Err(err).Str("resource", string(resource)).Str("subject", subject).Msg("quota:store_error_fail_open")
		metrics.IncQuotaDecision(string(resource), string(l.Window), "degraded")
		return Decision{Allowed: true, Window: l.Window, Limit: l.Max, Remaining: Unlimited, Granted: amount, Degraded: true}
	}
	c.log.Error().Err(err).Str("resource", string(resource)).Str("subject", subject).Msg("quota:store_error_fail_closed")
	metrics.IncQuotaDecision(string(resource), string(l.Window), "denied")
	return Decision{
		Allowed:    false,
		Window:     l.Window,
		Limit:      l.Max,
		ResetAt:    now.Add(failClosedRetry),
		RetryAfter: failClosedRetry,
		Degraded:   true,
	}
}

// Release returns unused capacity to every finite window of the current buckets.
func (c *Controller) Release(ctx context.Context, resource Resource, subject string, limits []Limit, amount int64) error {
	if amount <= 0 {
		return nil
	}
	now := c.now()
	finite := finiteLimits(limits)
	keys := make([]string, len(finite))
	for i, l := range finite {
		keys[i] = Key(resource, subject, l.Window, now)
	}
	if err := c.store.Release(ctx, keys, amount); err != nil {
		metrics.IncQuotaStoreError("release")
		return err
	}
	return nil
}

// Status reports usage without modifying any counter. Unlimited windows report Remaining = Unlimited.
func (c *Controller) Status(ctx context.Context, resource Resource, subject string, limits []Limit) ([]WindowStatus, error) {
	now := c.now()
	keys := make([]string, len(limits))
	for i, l := range limits {
		keys[i] = Key(resource, subject, l.Window, now)
	}
	counts, err := c.store.Peek(ctx, keys)
	if err != nil {
		metrics.IncQuotaStoreError("peek")
		return nil, err
	}
	out := make([]WindowStatus, len(limits))
	for i, l := range limits {
		ws := WindowStatus{Window: l.Window, Limit: l.Max, Used: counts[i], ResetAt: l.Window.ResetAt(now)}
		if l.Max == Unlimited {
			ws.Remaining = Unlimited
		} else {
			ws.Remaining = clampRemaining(l.Max - counts[i])
		}
		out[i] = ws
	}
	return out, nil
}

// Seed initialises a window counter from an authoritative count when no counter exists yet.
func (c *Controller) Seed(ctx context.Context, resource Resource, subject string, w Window, count int64) (bool, error) {
	now := c.now()
	ok, err := c.store.SeedIfAbsent(ctx, Key(resource, subject, w, now), count, w.Duration())
	if err != nil {
		metrics.IncQuotaStoreError("seed")
	}
	return ok, err
}

func finiteLimits(limits []Limit) []Limit {
	out := make([]Limit, 0, len(limits))
	for _, l := range limits {
		if l.Max == Unlimited || !l.Window.Valid() {
			continue
		}
		if l.Max < 0 {
			l.Max = 0
		}
		out = append(out, l)
	}
	return out
}

func clampRemaining(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func retryAfter(reset, now time.Time) time.Duration {
	secs := math.Ceil(reset.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
