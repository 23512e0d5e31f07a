package genstore

import (
	"context"
	"sync"
	"time"
)

type localGen struct {
	gen     uint64
	touched time.Time
}

// LocalGenStore keeps generations in process memory. Counters idle for longer
// than the retention are dropped by a background sweep.
type LocalGenStore struct {
	mu        sync.RWMutex
	gens      map[string]localGen
	retention time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

var _ GenStore = (*LocalGenStore)(nil)

// NewLocalGenStore starts a sweep every interval when both interval and
// retention are positive.
func NewLocalGenStore(interval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{
		gens:      make(map[string]localGen),
		retention: retention,
		now:       time.Now,
	}
	if interval > 0 && retention > 0 {
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, key string) (uint64, error) {
	s.mu.RLock()
	g := s.gens[key].gen
	s.mu.RUnlock()
	return g, nil
}

func (s *LocalGenStore) SnapshotMany(_ context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	s.mu.RLock()
	for _, k := range keys {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *LocalGenStore) Bump(_ context.Context, key string) (uint64, error) {
	now := s.now()
	s.mu.Lock()
	g := s.gens[key]
	g.gen++
	g.touched = now
	s.gens[key] = g
	s.mu.Unlock()
	return g.gen, nil
}

// Prune drops counters not bumped within the retention and reports how many
// went.
func (s *LocalGenStore) Prune() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	n := 0
	s.mu.Lock()
	for k, g := range s.gens {
		if g.touched.Before(cutoff) {
			delete(s.gens, k)
			n++
		}
	}
	s.mu.Unlock()
	return n
}

// Len returns the number of tracked counters.
func (s *LocalGenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

// Close stops the sweep. Safe to call more than once.
func (s *LocalGenStore) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}

func (s *LocalGenStore) sweepLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Prune()
		case <-s.stopCh:
			return
		}
	}
}
