// Package memstore provides an in-memory ranked-list store with the
// same method set as the Postgres storage layer. It backs unit tests
// and embedded deployments that do not want a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/storage"
)

type key struct {
	scope  model.Scope
	userID string
}

// Store is a concurrency-safe in-memory ranked-list store.
type Store struct {
	mu      sync.Mutex
	records map[key]model.PersonalRanking

	// Now is the clock used for created_at/updated_at stamps.
	// Overridable in tests; defaults to time.Now.
	Now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[key]model.PersonalRanking),
		Now:     time.Now,
	}
}

// UpsertRanking creates or replaces the ranking for (scope, userID).
// CreatedAt is preserved across updates; saving forces validity and
// clears staleness bookkeeping.
func (s *Store) UpsertRanking(_ context.Context, scope model.Scope, userID string, orderedItems []string) (model.PersonalRanking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now().UTC()
	k := key{scope: scope, userID: userID}
	r, ok := s.records[k]
	if !ok {
		r = model.PersonalRanking{
			ID:        uuid.New(),
			Scope:     scope,
			UserID:    userID,
			CreatedAt: now,
		}
	}
	r.OrderedItems = append([]string(nil), orderedItems...)
	r.UpdatedAt = now
	r.IsValid = true
	r.BecameStaleAt = nil
	r.LastReminderAt = nil
	r.LastGraceNoticeAt = nil
	s.records[k] = r
	return r, nil
}

// GetRanking returns the ranking for (scope, userID), or
// storage.ErrNotFound.
func (s *Store) GetRanking(_ context.Context, scope model.Scope, userID string) (model.PersonalRanking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key{scope: scope, userID: userID}]
	if !ok {
		return model.PersonalRanking{}, storage.ErrNotFound
	}
	return r, nil
}

// ScanValid returns all valid rankings for the scope.
func (s *Store) ScanValid(ctx context.Context, scope model.Scope) ([]model.PersonalRanking, error) {
	return s.scan(scope, true), nil
}

// ScanAll returns all rankings for the scope regardless of validity.
func (s *Store) ScanAll(ctx context.Context, scope model.Scope) ([]model.PersonalRanking, error) {
	return s.scan(scope, false), nil
}

func (s *Store) scan(scope model.Scope, validOnly bool) []model.PersonalRanking {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PersonalRanking
	for k, r := range s.records {
		if k.scope != scope {
			continue
		}
		if validOnly && !r.IsValid {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// MarkInvalid flips is_valid off and stamps became_stale_at for the
// given ids. Already-invalid records are untouched.
func (s *Store) MarkInvalid(_ context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		target[id] = true
	}
	updated := 0
	for k, r := range s.records {
		if !target[r.ID] || !r.IsValid {
			continue
		}
		stale := at.UTC()
		r.IsValid = false
		r.BecameStaleAt = &stale
		s.records[k] = r
		updated++
	}
	return updated, nil
}

// MarkRevalidated flips is_valid back on and clears staleness
// bookkeeping for the given ids. Already-valid records are untouched.
func (s *Store) MarkRevalidated(_ context.Context, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		target[id] = true
	}
	updated := 0
	for k, r := range s.records {
		if !target[r.ID] || r.IsValid {
			continue
		}
		r.IsValid = true
		r.BecameStaleAt = nil
		r.LastReminderAt = nil
		r.LastGraceNoticeAt = nil
		s.records[k] = r
		updated++
	}
	return updated, nil
}

// MarkReminded records that a stale reminder was sent.
func (s *Store) MarkReminded(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.stamp(id, func(r *model.PersonalRanking) {
		t := at.UTC()
		r.LastReminderAt = &t
	})
}

// MarkGraceNoticed records that a grace-period-ended notice was sent.
func (s *Store) MarkGraceNoticed(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.stamp(id, func(r *model.PersonalRanking) {
		t := at.UTC()
		r.LastGraceNoticeAt = &t
	})
}

func (s *Store) stamp(id uuid.UUID, apply func(*model.PersonalRanking)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.records {
		if r.ID == id {
			apply(&r)
			s.records[k] = r
			return nil
		}
	}
	return storage.ErrNotFound
}

// ListScopes returns every distinct scope with at least one ranking.
func (s *Store) ListScopes(_ context.Context) ([]model.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[model.Scope]bool)
	var scopes []model.Scope
	for k := range s.records {
		if !seen[k.scope] {
			seen[k.scope] = true
			scopes = append(scopes, k.scope)
		}
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].EntityID != scopes[j].EntityID {
			return scopes[i].EntityID < scopes[j].EntityID
		}
		return scopes[i].ItemType < scopes[j].ItemType
	})
	return scopes, nil
}
