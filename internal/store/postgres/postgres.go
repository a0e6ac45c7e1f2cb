package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/store"
	"dukaan/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS settlement_sagas (
	id              TEXT PRIMARY KEY,
	cart_id         TEXT NOT NULL,
	exchange_status TEXT NOT NULL,
	exchange_id     TEXT NOT NULL DEFAULT '',
	sale_status     TEXT NOT NULL,
	sale_id         TEXT NOT NULL DEFAULT '',
	orphaned        BOOLEAN NOT NULL DEFAULT false,
	last_error      TEXT NOT NULL DEFAULT '',
	intent          JSONB,
	sale            JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_sagas_cart_idx ON settlement_sagas (cart_id, created_at DESC);
CREATE INDEX IF NOT EXISTS settlement_sagas_orphaned_idx ON settlement_sagas (created_at) WHERE orphaned;
`

// EnsureSchema creates the saga table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const sagaColumns = `id, cart_id, exchange_status, exchange_id, sale_status, sale_id, orphaned, last_error, intent, sale, created_at, updated_at`

func (s *Store) CreateSaga(ctx context.Context, rec domain.SagaRecord) (*domain.SagaRecord, error) {
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

	intent, sale, err := encodePayloads(rec)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_sagas (`+sagaColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.CartID, rec.ExchangeStatus, rec.ExchangeID, rec.SaleStatus, rec.SaleID,
		rec.Orphaned, rec.LastError, intent, sale, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpdateSaga(ctx context.Context, rec domain.SagaRecord) (*domain.SagaRecord, error) {
	intent, sale, err := encodePayloads(rec)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE settlement_sagas
		SET exchange_status = $2, exchange_id = $3, sale_status = $4, sale_id = $5,
			orphaned = $6, last_error = $7, intent = $8, sale = $9, updated_at = now()
		WHERE id = $1
		RETURNING `+sagaColumns,
		rec.ID, rec.ExchangeStatus, rec.ExchangeID, rec.SaleStatus, rec.SaleID,
		rec.Orphaned, rec.LastError, intent, sale)
	return scanSaga(row)
}

func (s *Store) GetSaga(ctx context.Context, id string) (*domain.SagaRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM settlement_sagas WHERE id = $1`, id)
	return scanSaga(row)
}

func (s *Store) LatestSagaForCart(ctx context.Context, cartID string) (*domain.SagaRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM settlement_sagas
		WHERE cart_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, cartID)
	return scanSaga(row)
}

func (s *Store) ListOrphaned(ctx context.Context, limit int) ([]domain.SagaRecord, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM settlement_sagas
		WHERE orphaned
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SagaRecord, 0, limit)
	for rows.Next() {
		rec, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*domain.SagaRecord, error) {
	var (
		rec    domain.SagaRecord
		intent []byte
		sale   []byte
	)
	err := row.Scan(&rec.ID, &rec.CartID, &rec.ExchangeStatus, &rec.ExchangeID, &rec.SaleStatus, &rec.SaleID,
		&rec.Orphaned, &rec.LastError, &intent, &sale, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(intent) > 0 && string(intent) != "null" {
		rec.Intent = &domain.ExchangeIntent{}
		if err := json.Unmarshal(intent, rec.Intent); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(sale, &rec.Sale); err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// encodePayloads returns the JSONB parameters for intent and sale. A nil
// intent is stored as SQL NULL.
func encodePayloads(rec domain.SagaRecord) (any, string, error) {
	sale, err := json.Marshal(rec.Sale)
	if err != nil {
		return nil, "", err
	}
	if rec.Intent == nil {
		return nil, string(sale), nil
	}
	intent, err := json.Marshal(rec.Intent)
	if err != nil {
		return nil, "", err
	}
	return string(intent), string(sale), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
