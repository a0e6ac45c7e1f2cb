package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/store"
	"dukaan/backend/internal/xid"
)

// Store keeps saga records in process memory. It is used when DATABASE_URL is
// unset; records do not survive a restart.
type Store struct {
	mu    sync.RWMutex
	sagas map[string]domain.SagaRecord
}

func New() *Store {
	return &Store{sagas: make(map[string]domain.SagaRecord)}
}

func (s *Store) CreateSaga(_ context.Context, rec domain.SagaRecord) (*domain.SagaRecord, error) {
	if rec.CartID == "" {
		return nil, store.ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = xid.New("saga")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sagas[rec.ID]; exists {
		return nil, store.ErrConflict
	}
	s.sagas[rec.ID] = cloneSaga(rec)
	out := cloneSaga(rec)
	return &out, nil
}

func (s *Store) UpdateSaga(_ context.Context, rec domain.SagaRecord) (*domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sagas[rec.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.CartID = existing.CartID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.sagas[rec.ID] = cloneSaga(rec)
	out := cloneSaga(rec)
	return &out, nil
}

func (s *Store) GetSaga(_ context.Context, id string) (*domain.SagaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sagas[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSaga(rec)
	return &out, nil
}

func (s *Store) LatestSagaForCart(_ context.Context, cartID string) (*domain.SagaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.SagaRecord
	for _, rec := range s.sagas {
		if rec.CartID != cartID {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			r := rec
			latest = &r
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	out := cloneSaga(*latest)
	return &out, nil
}

func (s *Store) ListOrphaned(_ context.Context, limit int) ([]domain.SagaRecord, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	out := make([]domain.SagaRecord, 0)
	for _, rec := range s.sagas {
		if rec.Orphaned {
			out = append(out, cloneSaga(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneSaga(rec domain.SagaRecord) domain.SagaRecord {
	if rec.Intent != nil {
		intent := *rec.Intent
		rec.Intent = &intent
	}
	rec.Sale.Lines = append([]domain.SaleLine(nil), rec.Sale.Lines...)
	return rec
}
