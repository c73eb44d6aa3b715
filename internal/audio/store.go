// Package audio stores synthesized audio artifacts until a client collects
// them or they expire.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
)

// reapInterval is how often the background reaper sweeps for expired
// artifacts.
const reapInterval = 30 * time.Second

// ErrExists is returned when an artifact ID is stored twice. Artifacts are
// write-once: a turn produces at most one audio reply.
var ErrExists = errors.New("audio: artifact already stored")

// DropReason says why an artifact left the store.
type DropReason string

const (
	// DropAcked means a client acknowledged playback.
	DropAcked DropReason = "acked"

	// DropExpired means the artifact outlived its TTL unclaimed.
	DropExpired DropReason = "expired"
)

// DropFunc is invoked after an artifact leaves the store. It is called
// outside the store's lock, so it may safely call back into the store.
type DropFunc func(id string, reason DropReason)

// Artifact is one synthesized reply waiting for pickup.
type Artifact struct {
	ID        string
	Data      []byte
	Mime      string
	CreatedAt time.Time
}

// Store is a write-once, in-memory artifact store with TTL eviction.
type Store struct {
	mu     sync.RWMutex
	items  map[string]*Artifact
	ttl    time.Duration
	onDrop DropFunc
	logger *logger.Logger

	now func() time.Time
}

// NewStore creates an artifact store. Artifacts older than ttl are evicted
// by the reaper.
func NewStore(ttl time.Duration, log *logger.Logger) *Store {
	return &Store{
		items:  make(map[string]*Artifact),
		ttl:    ttl,
		logger: log.WithComponent("audio-store"),
		now:    time.Now,
	}
}

// SetDropFunc registers the eviction callback. Call before StartReaper.
func (s *Store) SetDropFunc(fn DropFunc) {
	s.onDrop = fn
}

// Put stores audio under the given ID. Returns ErrExists if the ID is
// already present.
func (s *Store) Put(id string, data []byte, mime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; ok {
		return ErrExists
	}
	s.items[id] = &Artifact{
		ID:        id,
		Data:      data,
		Mime:      mime,
		CreatedAt: s.now(),
	}
	return nil
}

// Get returns the artifact for the given ID, if present. The artifact stays
// in the store; only Ack and expiry remove it.
func (s *Store) Get(id string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	art, ok := s.items[id]
	return art, ok
}

// Ack removes the artifact after client playback and reports whether it was
// present.
func (s *Store) Ack(id string) bool {
	s.mu.Lock()
	_, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	s.mu.Unlock()

	if ok {
		s.drop(id, DropAcked)
	}
	return ok
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// CleanupExpired evicts artifacts older than the TTL. Returns the number
// evicted.
func (s *Store) CleanupExpired() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var dropped []string
	for id, art := range s.items {
		if art.CreatedAt.Before(cutoff) {
			delete(s.items, id)
			dropped = append(dropped, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dropped {
		s.drop(id, DropExpired)
	}
	return len(dropped)
}

// StartReaper starts a background goroutine that evicts expired artifacts
// until ctx is cancelled.
func (s *Store) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.CleanupExpired(); n > 0 {
					s.logger.Debug("Evicted expired audio artifacts", zap.Int("count", n))
				}
			}
		}
	}()
}

func (s *Store) drop(id string, reason DropReason) {
	s.logger.Debug("Audio artifact dropped",
		zap.String("id", id),
		zap.String("reason", string(reason)))
	if s.onDrop != nil {
		s.onDrop(id, reason)
	}
}
