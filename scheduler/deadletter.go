package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// MemoryDeadLetterStore keeps exhausted deliveries in process memory. SQL
// deployments swap in the durable store; the interface is identical.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	letters map[string]core.DeadLetter
	Now     func() time.Time
	NewID   func() string
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{
		letters: map[string]core.DeadLetter{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
		NewID: core.NewCorrelationID,
	}
}

func (s *MemoryDeadLetterStore) Add(_ context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	if s == nil {
		return core.DeadLetter{}, fmt.Errorf("scheduler: dead letter store is not configured")
	}
	if strings.TrimSpace(letter.DeliveryID) == "" {
		return core.DeadLetter{}, fmt.Errorf("scheduler: dead letter requires a delivery id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(letter.ID) == "" {
		letter.ID = s.newID()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = s.now()
	}
	letter.CreatedAt = letter.CreatedAt.UTC()
	s.letters[letter.ID] = letter
	return letter, nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]core.DeadLetter, error) {
	if s == nil {
		return nil, fmt.Errorf("scheduler: dead letter store is not configured")
	}
	s.mu.Lock()
	letters := make([]core.DeadLetter, 0, len(s.letters))
	for _, letter := range s.letters {
		letters = append(letters, letter)
	}
	s.mu.Unlock()

	sort.Slice(letters, func(i, j int) bool {
		if letters[i].CreatedAt.Equal(letters[j].CreatedAt) {
			return letters[i].ID < letters[j].ID
		}
		return letters[i].CreatedAt.Before(letters[j].CreatedAt)
	})
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

func (s *MemoryDeadLetterStore) Remove(_ context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("scheduler: dead letter store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[id]; !ok {
		return fmt.Errorf("scheduler: dead letter %q not found", id)
	}
	delete(s.letters, id)
	return nil
}

func (s *MemoryDeadLetterStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("scheduler: dead letter store is not configured")
	}
	cutoff = cutoff.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, letter := range s.letters {
		if letter.CreatedAt.Before(cutoff) {
			delete(s.letters, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryDeadLetterStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *MemoryDeadLetterStore) newID() string {
	if s != nil && s.NewID != nil {
		return s.NewID()
	}
	return core.NewCorrelationID()
}

var _ core.DeadLetterStore = (*MemoryDeadLetterStore)(nil)
