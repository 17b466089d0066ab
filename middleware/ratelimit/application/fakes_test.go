package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mapStore é um CounterStore mínimo, serializado por um mutex único.
type mapStore struct {
	mu      sync.Mutex
	windows map[string]domain.WindowState
	blocks  map[domain.Key]domain.BlockState
	cleared int
}

func newMapStore() *mapStore {
	return &mapStore{
		windows: make(map[string]domain.WindowState),
		blocks:  make(map[domain.Key]domain.BlockState),
	}
}

func (s *mapStore) LoadBlock(_ context.Context, client domain.Key) (domain.BlockState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[client]
	return b, ok, nil
}

func (s *mapStore) SaveBlock(_ context.Context, client domain.Key, st domain.BlockState, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[client] = st
	return nil
}

func (s *mapStore) ClearBlock(_ context.Context, client domain.Key, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blocks[client]; ok && b.BlockedUntil.Equal(until) {
		delete(s.blocks, client)
		s.cleared++
	}
	return nil
}

func (s *mapStore) UpdateWindow(_ context.Context, key string, _ time.Duration, fn domain.WindowUpdateFunc) (domain.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.windows[key]
	next, err := fn(cur, ok)
	if err != nil {
		return domain.WindowState{}, err
	}
	s.windows[key] = next
	return next, nil
}

func (s *mapStore) window(key string) (domain.WindowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.windows[key]
	return st, ok
}

var errStoreDown = errors.New("store down")

type brokenStore struct{}

func (brokenStore) LoadBlock(context.Context, domain.Key) (domain.BlockState, bool, error) {
	return domain.BlockState{}, false, errStoreDown
}

func (brokenStore) SaveBlock(context.Context, domain.Key, domain.BlockState, time.Duration) error {
	return errStoreDown
}

func (brokenStore) ClearBlock(context.Context, domain.Key, time.Time) error { return errStoreDown }

func (brokenStore) UpdateWindow(context.Context, string, time.Duration, domain.WindowUpdateFunc) (domain.WindowState, error) {
	return domain.WindowState{}, errStoreDown
}
