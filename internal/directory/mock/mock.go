// Package mock provides in-memory directory implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/condoware/porteiro/internal/directory"
)

// Store is an in-memory [directory.Store] that records calls.
type Store struct {
	mu sync.Mutex

	// ExtensionRows is returned by Extensions.
	ExtensionRows []directory.Extension

	// Entries maps apartment number to entry. Misses return
	// [directory.ErrNotFound].
	Entries map[string]*directory.Entry

	// Err, when set, is returned by every method.
	Err error

	// ApartmentCalls records the apartment numbers looked up.
	ApartmentCalls []string

	extensionCalls int
}

func (s *Store) Extensions(ctx context.Context) ([]directory.Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensionCalls++
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]directory.Extension, len(s.ExtensionRows))
	copy(out, s.ExtensionRows)
	return out, nil
}

func (s *Store) Apartment(ctx context.Context, apartment string) (*directory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ApartmentCalls = append(s.ApartmentCalls, apartment)
	if s.Err != nil {
		return nil, s.Err
	}
	e, ok := s.Entries[apartment]
	if !ok {
		return nil, directory.ErrNotFound
	}
	cp := *e
	cp.Residents = append([]string(nil), e.Residents...)
	return &cp, nil
}

// ExtensionCalls returns how many times Extensions was called.
func (s *Store) ExtensionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensionCalls
}

// Watcher is a scripted [directory.Watcher]: Watch returns a channel fed by
// Emit until Close.
type Watcher struct {
	once sync.Once
	ch   chan directory.ChangeEvent
}

func NewWatcher() *Watcher {
	return &Watcher{ch: make(chan directory.ChangeEvent, 16)}
}

func (w *Watcher) Watch(ctx context.Context) (<-chan directory.ChangeEvent, error) {
	return w.ch, nil
}

// Emit delivers one event to the watch channel.
func (w *Watcher) Emit(ev directory.ChangeEvent) {
	w.ch <- ev
}

// Close closes the watch channel.
func (w *Watcher) Close() {
	w.once.Do(func() { close(w.ch) })
}
