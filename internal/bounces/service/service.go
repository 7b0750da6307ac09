// Package service keeps an in-memory copy of recently hard-bounced addresses.
//
// The copy is refreshed on demand when older than the refresh interval. Concurrent refreshes
// collapse into one query; readers keep using the previous set while it runs.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	domain "github.com/KanopusDev/Kale/internal/bounces/domain"
)

// refreshTimeout bounds the shared load, which outlives any single caller's context.
const refreshTimeout = 10 * time.Second

type Service struct {
	repo     domain.Repository
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
	group    singleflight.Group

	mu       sync.RWMutex
	set      map[string]struct{}
	loadedAt time.Time
	loaded   bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func New(repo domain.Repository, interval time.Duration, opts ...Option) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &Service{repo: repo, interval: interval, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ domain.Service = (*Service)(nil)

func normalize(addr string) string { return strings.ToLower(strings.TrimSpace(addr)) }

// Suppressed reports whether addr hard-bounced within the suppression window. When a refresh
// fails and an older set exists, the older set answers and the error is only logged.
func (s *Service) Suppressed(ctx context.Context, addr string) (bool, error) {
	if err := s.refresh(ctx); err != nil {
		s.mu.RLock()
		loaded := s.loaded
		s.mu.RUnlock()
		if !loaded {
			return false, err
		}
		s.log.Warn().Err(err).Msg("bounces.refresh:failed_using_stale")
	}
	s.mu.RLock()
	_, hit := s.set[normalize(addr)]
	s.mu.RUnlock()
	return hit, nil
}

// Add records a bounce; hard bounces take effect immediately.
func (s *Service) Add(ctx context.Context, addr string, t domain.Type, reason string) error {
	addr = normalize(addr)
	if addr == "" {
		return errors.New("bounce address is required")
	}
	if t != domain.TypeHard && t != domain.TypeSoft {
		return errors.New("bounce type must be hard or soft")
	}
	if err := s.repo.Insert(ctx, domain.Bounce{Email: addr, Type: t, Reason: reason}); err != nil {
		return err
	}
	if t == domain.TypeHard {
		s.mu.Lock()
		if s.set == nil {
			s.set = make(map[string]struct{})
		}
		s.set[addr] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}

func (s *Service) refresh(ctx context.Context) error {
	now := s.now()
	s.mu.RLock()
	fresh := s.loaded && now.Sub(s.loadedAt) < s.interval
	s.mu.RUnlock()
	if fresh {
		return nil
	}
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		list, err := s.repo.HardSince(loadCtx, now.Add(-domain.SuppressionWindow))
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(list))
		for _, a := range list {
			set[normalize(a)] = struct{}{}
		}
		s.mu.Lock()
		s.set = set
		s.loadedAt = now
		s.loaded = true
		s.mu.Unlock()
		s.log.Debug().Int("addresses", len(set)).Msg("bounces.refresh:loaded")
		return nil, nil
	})
	return err
}
