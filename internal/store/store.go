package store

import (
	"context"
	"errors"

	"dukaan/backend/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("record already exists")
	ErrInvalidRecord = errors.New("invalid record")
)

// SagaStore persists exchange-then-sale submissions so an exchange that
// committed without its sale survives a restart and can be retried by an
// operator.
type SagaStore interface {
	CreateSaga(ctx context.Context, rec domain.SagaRecord) (*domain.SagaRecord, error)
	UpdateSaga(ctx context.Context, rec domain.SagaRecord) (*domain.SagaRecord, error)
	GetSaga(ctx context.Context, id string) (*domain.SagaRecord, error)
	// LatestSagaForCart returns the most recently created saga of a cart.
	LatestSagaForCart(ctx context.Context, cartID string) (*domain.SagaRecord, error)
	ListOrphaned(ctx context.Context, limit int) ([]domain.SagaRecord, error)
}
