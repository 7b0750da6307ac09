package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/KanopusDev/Kale/internal/bounces/domain"
)

type fakeRepo struct {
	mu      sync.Mutex
	bounces []domain.Bounce
	queries atomic.Int32
	fail    atomic.Bool
	gate    chan struct{}
}

func (f *fakeRepo) HardSince(ctx context.Context, since time.Time) ([]string, error) {
	f.queries.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail.Load() {
		return nil, errors.New("db down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.bounces {
		if b.Type == domain.TypeHard && !b.CreatedAt.Before(since) {
			out = append(out, b.Email)
		}
	}
	return out, nil
}

func (f *fakeRepo) Insert(ctx context.Context, b domain.Bounce) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bounces = append(f.bounces, b)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSuppressed_HardBouncesWithinWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{bounces: []domain.Bounce{
		{Email: "Hard@Example.com", Type: domain.TypeHard, CreatedAt: now.Add(-24 * time.Hour)},
		{Email: "old@example.com", Type: domain.TypeHard, CreatedAt: now.Add(-31 * 24 * time.Hour)},
		{Email: "soft@example.com", Type: domain.TypeSoft, CreatedAt: now.Add(-time.Hour)},
	}}
	c := &clock{t: now}
	s := New(repo, time.Minute, WithClock(c.Now))
	ctx := context.Background()

	for addr, want := range map[string]bool{
		"hard@example.com":   true,
		" HARD@example.com ": true,
		"old@example.com":    false,
		"soft@example.com":   false,
		"new@example.com":    false,
	} {
		got, err := s.Suppressed(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, want, got, addr)
	}
	assert.Equal(t, int32(1), repo.queries.Load(), "fresh set must not be reloaded")
}

func TestSuppressed_RefreshesAfterInterval(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{}
	c := &clock{t: now}
	s := New(repo, time.Minute, WithClock(c.Now))
	ctx := context.Background()

	got, err := s.Suppressed(ctx, "late@example.com")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, repo.Insert(ctx, domain.Bounce{Email: "late@example.com", Type: domain.TypeHard, CreatedAt: now}))
	got, _ = s.Suppressed(ctx, "late@example.com")
	assert.False(t, got, "cached set is served until the interval passes")

	c.Advance(2 * time.Minute)
	got, err = s.Suppressed(ctx, "late@example.com")
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, int32(2), repo.queries.Load())
}

func TestSuppressed_StaleSetOnRefreshError(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{bounces: []domain.Bounce{{Email: "x@example.com", Type: domain.TypeHard, CreatedAt: now}}}
	c := &clock{t: now}
	s := New(repo, time.Minute, WithClock(c.Now))
	ctx := context.Background()

	_, err := s.Suppressed(ctx, "x@example.com")
	require.NoError(t, err)

	repo.fail.Store(true)
	c.Advance(time.Hour)
	got, err := s.Suppressed(ctx, "x@example.com")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestSuppressed_ErrorWithoutAnySet(t *testing.T) {
	repo := &fakeRepo{}
	repo.fail.Store(true)
	s := New(repo, time.Minute)
	_, err := s.Suppressed(context.Background(), "x@example.com")
	assert.Error(t, err)
}

func TestSuppressed_ConcurrentRefreshCollapses(t *testing.T) {
	repo := &fakeRepo{gate: make(chan struct{})}
	s := New(repo, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Suppressed(ctx, "a@example.com")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(repo.gate)
	wg.Wait()
	assert.Equal(t, int32(1), repo.queries.Load())
}

func TestSuppressed_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	repo := &fakeRepo{gate: make(chan struct{})}
	repo.bounces = []domain.Bounce{{Email: "a@example.com", Type: domain.TypeHard, CreatedAt: time.Now()}}
	s := New(repo, time.Minute)

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Suppressed(first, "a@example.com")
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return repo.queries.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan bool, 1)
	go func() {
		got, err := s.Suppressed(context.Background(), "a@example.com")
		assert.NoError(t, err)
		secondDone <- got
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(repo.gate)

	assert.NoError(t, <-firstDone)
	assert.True(t, <-secondDone)
	assert.Equal(t, int32(1), repo.queries.Load())
}

func TestAdd_HardBounceSuppressesImmediately(t *testing.T) {
	repo := &fakeRepo{}
	s := New(repo, time.Hour)
	ctx := context.Background()

	_, err := s.Suppressed(ctx, "a@example.com")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "A@Example.com", domain.TypeHard, "550 mailbox unavailable"))
	got, err := s.Suppressed(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, s.Add(ctx, "b@example.com", domain.TypeSoft, "mailbox full"))
	got, _ = s.Suppressed(ctx, "b@example.com")
	assert.False(t, got)

	assert.Error(t, s.Add(ctx, "", domain.TypeHard, ""))
	assert.Error(t, s.Add(ctx, "c@example.com", "weird", ""))
}
