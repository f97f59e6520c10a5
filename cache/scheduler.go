package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/gigapi/gigapi-cache/core"
)

// State of the refresh scheduler.
type State int32

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	}
	return "unknown"
}

// RefreshFunc fetches and ingests a new snapshot.
type RefreshFunc func(ctx context.Context) (*Snapshot, error)

// LastRefreshFunc reports when the current snapshot was ingested; ok is false
// when there is nothing to refresh.
type LastRefreshFunc func() (at time.Time, ok bool)

const flightKey = "refresh"

// Scheduler runs refreshes one at a time. Staleness checks and background
// triggers never block; explicit refreshes wait for the run they join.
type Scheduler struct {
	ttl     time.Duration
	now     func() time.Time
	last    LastRefreshFunc
	refresh RefreshFunc

	running   atomic.Bool
	triggered atomic.Bool
	flight    singleflight.Group
	// write is held by every refresh run and by schema swaps.
	write sync.Mutex

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	count  atomic.Int64
}

// NewScheduler returns an idle scheduler. ttl <= 0 disables staleness checks.
func NewScheduler(ttl time.Duration, now func() time.Time, last LastRefreshFunc, refresh RefreshFunc) *Scheduler {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ttl:     ttl,
		now:     now,
		last:    last,
		refresh: refresh,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Scheduler) State() State {
	if s.running.Load() || s.triggered.Load() {
		return Refreshing
	}
	return Idle
}

// Runs returns how many refresh runs have started.
func (s *Scheduler) Runs() int64 {
	return s.count.Load()
}

// Stale reports whether a snapshot ingested at t has outlived the TTL.
func (s *Scheduler) Stale(t time.Time) bool {
	return s.ttl > 0 && s.now().Sub(t) > s.ttl
}

// Poll triggers a background refresh when the current snapshot is stale.
func (s *Scheduler) Poll() bool {
	if s.last == nil {
		return false
	}
	at, ok := s.last()
	if !ok || !s.Stale(at) {
		return false
	}
	return s.Trigger()
}

// Trigger starts a background refresh unless one is already running. It
// reports whether a new run was started.
func (s *Scheduler) Trigger() bool {
	if s.running.Load() || !s.triggered.CompareAndSwap(false, true) {
		return false
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.triggered.Store(false)
		s.flight.Do(flightKey, s.run)
	}()
	return true
}

// Refresh runs a refresh, or joins the one in flight, and waits for it.
func (s *Scheduler) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := s.flight.DoChan(flightKey, s.run)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap, _ := res.Val.(*Snapshot)
		return snap, nil
	}
}

// Exclusive runs fn while no refresh is in progress, then forces a refresh
// and waits for it.
func (s *Scheduler) Exclusive(ctx context.Context, fn func(ctx context.Context) error) (*Snapshot, error) {
	s.write.Lock()
	err := fn(ctx)
	s.write.Unlock()
	if err != nil {
		return nil, err
	}
	// a run that finished while fn held the lock may still be registered
	s.flight.Forget(flightKey)
	return s.Refresh(ctx)
}

func (s *Scheduler) run() (any, error) {
	s.write.Lock()
	defer s.write.Unlock()
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	s.running.Store(true)
	defer s.running.Store(false)

	n := s.count.Add(1)
	ctx := core.WithDefaultLogger(s.ctx, fmt.Sprintf("refresh-%d", n))
	start := time.Now()
	snap, err := s.refresh(ctx)
	if err != nil {
		core.Errorf(ctx, "Refresh failed after %v: %v", time.Since(start), err)
		return nil, err
	}
	core.Infof(ctx, "Refresh finished in: %v", time.Since(start))
	return snap, nil
}

// Start polls for staleness every interval until Stop.
func (s *Scheduler) Start(interval time.Duration) error {
	if s.ttl <= 0 || interval <= 0 {
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.Poll() }); err != nil {
		return fmt.Errorf("invalid poll interval %v: %w", interval, err)
	}
	s.cron.Start()
	core.Infof(s.ctx, "Staleness poll every %v, ttl %v", interval, s.ttl)
	return nil
}

// Stop halts polling, cancels a running refresh and waits for it. Refreshes
// requested after Stop fail with context.Canceled.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	// every run holds write, explicit ones included
	s.write.Lock()
	s.write.Unlock()
	s.runs.Wait()
}
