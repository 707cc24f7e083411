// Package store ships the two EventStorage implementations the engine
// runs against: an in-memory store for in-process mode and tests, and
// a filesystem store shared between supervisor and worker processes.
package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// InMemoryStore keeps sources, task segments and the aggregate event
// list in process memory.
type InMemoryStore struct {
	mu        sync.Mutex
	sources   []string
	segments  map[string]*memorySegment
	aggregate []domain.Event
	merged    int
}

var _ ports.EventStorage = (*InMemoryStore)(nil)

// NewInMemoryStore creates a store over a fixed source list.
func NewInMemoryStore(sources []string) *InMemoryStore {
	return &InMemoryStore{
		sources:  append([]string(nil), sources...),
		segments: make(map[string]*memorySegment),
	}
}

// GetEventSources yields the configured sources.
func (s *InMemoryStore) GetEventSources(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, src := range s.sources {
			select {
			case out <- src:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CreateTaskStorage opens a fresh segment, replacing any partial
// segment a previous owner left behind.
func (s *InMemoryStore) CreateTaskStorage(task domain.Task) (ports.TaskSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := &memorySegment{store: s, taskID: task.Identifier}
	s.segments[task.Identifier] = seg
	return seg, nil
}

// MergeTaskStorage folds a completed segment into the aggregate.
func (s *InMemoryStore) MergeTaskStorage(taskIdentifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[taskIdentifier]
	if !ok || !seg.complete {
		return false, nil
	}
	s.aggregate = append(s.aggregate, seg.events...)
	delete(s.segments, taskIdentifier)
	s.merged++
	return true, nil
}

// AggregateEvents returns a copy of the merged events.
func (s *InMemoryStore) AggregateEvents() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.aggregate...)
}

// MergedCount returns how many task segments have been merged.
func (s *InMemoryStore) MergedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merged
}

type memorySegment struct {
	store    *InMemoryStore
	taskID   string
	events   []domain.Event
	complete bool
	closed   bool
}

func (m *memorySegment) WriteEvent(event domain.Event) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.closed {
		return errors.New("segment closed")
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memorySegment) MarkComplete() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.complete = true
	return nil
}

func (m *memorySegment) Close() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.closed = true
	return nil
}
