// Package pool keeps authenticated relay sessions open between send requests.
//
// Entries are keyed by relay configuration. An idle entry is removed from the pool under the
// mutex before it is health-checked, so the caller that took it is its only owner until it is
// released or closed.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/KanopusDev/Kale/internal/metrics"
	rdomain "github.com/KanopusDev/Kale/internal/relay/domain"
)

// Conn is one authenticated relay session.
type Conn interface {
	Noop() error
	Reset() error
	Send(ctx context.Context, from string, to []string, msg []byte) error
	Close() error
}

// Dialer opens, secures and authenticates a new session.
type Dialer interface {
	Dial(ctx context.Context, cfg rdomain.Config) (Conn, error)
}

type Options struct {
	// MaxSize caps pooled entries across all keys, idle or leased.
	MaxSize int
	// IdleTTL evicts entries unused for longer than this.
	IdleTTL time.Duration
	// MaxUses retires an entry after this many messages.
	MaxUses int
	// SweepInterval bounds how often Acquire/Release scan for stale entries.
	SweepInterval time.Duration
	// SendRate paces messages per relay key (messages/second); zero disables pacing.
	SendRate float64
	Now      func() time.Time
	Logger   zerolog.Logger
}

func (o *Options) defaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = 20
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 10 * time.Minute
	}
	if o.MaxUses <= 0 {
		o.MaxUses = 1000
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

var ErrClosed = errors.New("relay pool closed")

type entry struct {
	key      string
	conn     Conn
	created  time.Time
	lastUsed time.Time
	uses     int
	pooled   bool
	broken   bool
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Idle   int
	Leased int
	Total  int
}

type Pool struct {
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	mu        sync.Mutex
	idle      map[string][]*entry
	total     int
	leased    int
	lastSweep time.Time
	limiters  map[string]*rate.Limiter
	live      map[string]int
	closed    bool
}

func New(d Dialer, opts Options) *Pool {
	opts.defaults()
	return &Pool{
		dialer:    d,
		opts:      opts,
		log:       opts.Logger,
		idle:      make(map[string][]*entry),
		limiters:  make(map[string]*rate.Limiter),
		live:      make(map[string]int),
		lastSweep: opts.Now(),
	}
}

// Handle is a leased session. It must be returned with Release or Discard exactly once.
type Handle struct {
	p      *Pool
	e      *entry
	reused bool
	done   bool
}

// Reused reports whether the handle came from the idle list rather than a fresh dial.
func (h *Handle) Reused() bool { return h.reused }

// Key is the relay key the handle belongs to.
func (h *Handle) Key() string { return h.e.key }

// Send transmits one message. Transport failures mark the session broken so Release closes it.
func (h *Handle) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if h.done {
		return errors.New("relay handle already released")
	}
	if lim := h.p.limiter(h.e.key); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return rdomain.Classify("pace", err)
		}
	}
	h.e.uses++
	if err := h.e.conn.Send(ctx, from, to, msg); err != nil {
		rerr := rdomain.Classify("send", err)
		if rdomain.IsBroken(rerr) {
			h.e.broken = true
		}
		return rerr
	}
	return nil
}

// Acquire returns a ready session for cfg, reusing a healthy idle one when possible.
func (p *Pool) Acquire(ctx context.Context, cfg rdomain.Config) (*Handle, error) {
	key := cfg.Key()
	p.maybeSweep()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		e := p.popIdleLocked(key)
		p.mu.Unlock()
		if e == nil {
			break
		}
		now := p.opts.Now()
		if p.isStale(e, now) {
			metrics.IncPoolEvent("evicted_idle")
			p.destroy(e)
			continue
		}
		if err := e.conn.Noop(); err != nil {
			metrics.IncPoolEvent("health_failed")
			p.log.Debug().Err(err).Str("relay_key", shortKey(key)).Msg("relay.pool:health_check_failed")
			p.destroy(e)
			continue
		}
		e.lastUsed = now
		metrics.IncPoolEvent("reuse")
		p.publish()
		return &Handle{p: p, e: e, reused: true}, nil
	}

	var victim *entry
	pooled := true
	p.mu.Lock()
	if p.total >= p.opts.MaxSize {
		victim = p.evictLRULocked()
		if victim == nil {
			pooled = false
		}
	}
	if pooled {
		p.total++
		p.leased++
	}
	p.mu.Unlock()

	if victim != nil {
		metrics.IncPoolEvent("evicted_capacity")
		_ = victim.conn.Close()
	}
	if !pooled {
		metrics.IncPoolEvent("overflow")
	}

	conn, err := p.dialer.Dial(ctx, cfg)
	if err != nil {
		if pooled {
			p.mu.Lock()
			p.total--
			p.leased--
			p.mu.Unlock()
		}
		return nil, rdomain.Classify("dial", err)
	}
	metrics.IncPoolEvent("dial")
	p.mu.Lock()
	p.live[key]++
	p.mu.Unlock()
	now := p.opts.Now()
	e := &entry{key: key, conn: conn, created: now, lastUsed: now, pooled: pooled}
	p.publish()
	return &Handle{p: p, e: e}, nil
}

// Release returns a session for reuse after RSET. Broken, retired or unpooled sessions are closed.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.done {
		return
	}
	h.done = true
	e := h.e
	defer p.maybeSweep()

	if !e.pooled {
		p.closeUnpooled(e)
		return
	}
	if e.broken {
		metrics.IncPoolEvent("discarded")
		p.destroy(e)
		return
	}
	if e.uses >= p.opts.MaxUses {
		metrics.IncPoolEvent("evicted_uses")
		p.destroy(e)
		return
	}
	if err := e.conn.Reset(); err != nil {
		metrics.IncPoolEvent("discarded")
		p.destroy(e)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(e)
		return
	}
	e.lastUsed = p.opts.Now()
	p.leased--
	p.idle[e.key] = append(p.idle[e.key], e)
	p.mu.Unlock()
	p.publish()
}

// Discard closes a session the caller knows is unusable.
func (p *Pool) Discard(h *Handle) {
	if h == nil || h.done {
		return
	}
	h.done = true
	metrics.IncPoolEvent("discarded")
	if !h.e.pooled {
		p.closeUnpooled(h.e)
		return
	}
	p.destroy(h.e)
}

// Close shuts every idle session; leased ones are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var all []*entry
	for k, list := range p.idle {
		all = append(all, list...)
		delete(p.idle, k)
	}
	for _, e := range all {
		p.forgetLocked(e.key)
	}
	p.total -= len(all)
	p.mu.Unlock()
	for _, e := range all {
		_ = e.conn.Close()
	}
	p.publish()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: p.total - p.leased, Leased: p.leased, Total: p.total}
}

// destroy closes a leased pooled entry and frees its slot.
func (p *Pool) destroy(e *entry) {
	p.mu.Lock()
	p.total--
	p.leased--
	p.forgetLocked(e.key)
	p.mu.Unlock()
	_ = e.conn.Close()
	p.publish()
}

func (p *Pool) closeUnpooled(e *entry) {
	p.mu.Lock()
	p.forgetLocked(e.key)
	p.mu.Unlock()
	_ = e.conn.Close()
}

// forgetLocked drops one live session for key; the pacing limiter goes with the last one.
func (p *Pool) forgetLocked(key string) {
	if p.live[key] > 1 {
		p.live[key]--
		return
	}
	delete(p.live, key)
	delete(p.limiters, key)
}

// popIdleLocked takes the most recently used idle entry for key and marks it leased.
func (p *Pool) popIdleLocked(key string) *entry {
	list := p.idle[key]
	if len(list) == 0 {
		return nil
	}
	e := list[len(list)-1]
	list[len(list)-1] = nil
	if len(list) == 1 {
		delete(p.idle, key)
	} else {
		p.idle[key] = list[:len(list)-1]
	}
	p.leased++
	return e
}

// evictLRULocked removes the least recently used idle entry of any key and frees its slot.
func (p *Pool) evictLRULocked() *entry {
	var (
		oldKey string
		oldIdx = -1
		oldest *entry
	)
	for k, list := range p.idle {
		for i, e := range list {
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldKey, oldIdx, oldest = k, i, e
			}
		}
	}
	if oldest == nil {
		return nil
	}
	p.removeIdleLocked(oldKey, oldIdx)
	p.forgetLocked(oldKey)
	p.total--
	return oldest
}

func (p *Pool) removeIdleLocked(key string, idx int) {
	list := p.idle[key]
	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = list
}

func (p *Pool) isStale(e *entry, now time.Time) bool {
	return now.Sub(e.lastUsed) > p.opts.IdleTTL || e.uses >= p.opts.MaxUses
}

// maybeSweep evicts stale idle entries, at most once per SweepInterval.
func (p *Pool) maybeSweep() {
	now := p.opts.Now()
	p.mu.Lock()
	if now.Sub(p.lastSweep) < p.opts.SweepInterval {
		p.mu.Unlock()
		return
	}
	p.lastSweep = now
	var stale []*entry
	for k, list := range p.idle {
		kept := list[:0]
		for _, e := range list {
			if p.isStale(e, now) {
				stale = append(stale, e)
				p.forgetLocked(k)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.idle, k)
		} else {
			p.idle[k] = kept
		}
	}
	p.total -= len(stale)
	p.mu.Unlock()

	for _, e := range stale {
		metrics.IncPoolEvent("evicted_idle")
		_ = e.conn.Close()
	}
	if len(stale) > 0 {
		p.log.Debug().Int("evicted", len(stale)).Msg("relay.pool:sweep")
		p.publish()
	}
}

func (p *Pool) limiter(key string) *rate.Limiter {
	if p.opts.SendRate <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[key]
	if !ok {
		burst := int(p.opts.SendRate)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(p.opts.SendRate), burst)
		p.limiters[key] = lim
	}
	return lim
}

func (p *Pool) publish() {
	s := p.Stats()
	metrics.SetPoolConnections(s.Idle, s.Leased)
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
