package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrRunNotFound is returned for unknown or expired runs
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when changing a run that already reached a terminal status
	ErrRunFinished = errors.New("run already finished")
)

// Store is an in-memory run store with TTL support
type Store struct {
	runs           map[string]*Run
	idempotencyMap map[string]string // idempotency_key -> run_id
	mu             sync.RWMutex
	log            logrus.FieldLogger
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewStore creates a new run store and starts hourly TTL cleanup
func NewStore(log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{
		runs:           make(map[string]*Run),
		idempotencyMap: make(map[string]string),
		log:            log,
		stopCleanup:    make(chan struct{}),
	}

	go s.cleanupLoop(time.Hour)

	return s
}

func (s *Store) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes expired runs and returns how many went
func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, run := range s.runs {
		if !run.IsExpired() {
			continue
		}
		if run.IdempotencyKey != "" {
			delete(s.idempotencyMap, run.IdempotencyKey)
		}
		delete(s.runs, id)
		deleted++
	}

	if deleted > 0 {
		s.log.Infof("Cleaned up %d expired runs", deleted)
	}
	return deleted
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Save stores a copy of run
func (s *Store) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	if run.IdempotencyKey != "" {
		s.idempotencyMap[run.IdempotencyKey] = run.ID
	}

	return nil
}

// SaveIfAbsent stores a copy of run unless a live run already holds its
// idempotency key, in which case that run is returned with true. The check
// and the save happen under one lock.
func (s *Store) SaveIfAbsent(run *Run) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.IdempotencyKey != "" {
		if id, ok := s.idempotencyMap[run.IdempotencyKey]; ok {
			if existing, ok := s.runs[id]; ok && !existing.IsExpired() {
				return existing.Clone(), true
			}
		}
		s.idempotencyMap[run.IdempotencyKey] = run.ID
	}
	s.runs[run.ID] = run.Clone()
	return nil, false
}

// Get retrieves a copy of a run by ID
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok || run.IsExpired() {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run.Clone(), nil
}

// Update replaces a stored run. A run that reached a terminal status is never overwritten.
func (s *Store) Update(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	if stored.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, run.ID, stored.Status)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// Delete removes a run from the store
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.runs[id]; ok && run.IdempotencyKey != "" {
		delete(s.idempotencyMap, run.IdempotencyKey)
	}
	delete(s.runs, id)
}

// List returns live runs, newest first
func (s *Store) List() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if !run.IsExpired() {
			runs = append(runs, run.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt == runs[j].CreatedAt {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt > runs[j].CreatedAt
	})
	return runs
}
