package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// AuctionStore implements domain.StateBackend on the auctions and
// session_credentials tables. Records carry an optional expires_at; expired
// rows are invisible to reads and removed by PurgeExpired.
type AuctionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewAuctionStore creates a new AuctionStore backed by the given pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool, now: time.Now}
}

// Upsert inserts or replaces an auction record.
func (s *AuctionStore) Upsert(ctx context.Context, a domain.Auction, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("postgres: marshal auction %s: %w", a.ID, err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := s.now().Add(ttl)
		expiresAt = &t
	}

	const query = `
		INSERT INTO auctions (id, status, data, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, a.ID, string(a.Status), data, expiresAt); err != nil {
		return wrapErr("upsert auction "+a.ID, err)
	}
	return nil
}

// Get returns one live auction record or domain.ErrNotFound.
func (s *AuctionStore) Get(ctx context.Context, id string) (domain.Auction, error) {
	const query = `
		SELECT data FROM auctions
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`

	var data []byte
	if err := s.pool.QueryRow(ctx, query, id, s.now()).Scan(&data); err != nil {
		return domain.Auction{}, wrapErr("get auction "+id, err)
	}

	var a domain.Auction
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.Auction{}, fmt.Errorf("postgres: unmarshal auction %s: %w", id, err)
	}
	return a, nil
}

// GetAll returns every live auction record ordered by id.
func (s *AuctionStore) GetAll(ctx context.Context) ([]domain.Auction, error) {
	const query = `
		SELECT id, data FROM auctions
		WHERE expires_at IS NULL OR expires_at > $1
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, s.now())
	if err != nil {
		return nil, wrapErr("list auctions", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan auction: %w", err)
		}
		var a domain.Auction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal auction %s: %w", id, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list auctions rows", err)
	}
	return out, nil
}

// Delete removes an auction record. Deleting a missing id is not an error.
func (s *AuctionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE id = $1`, id); err != nil {
		return wrapErr("delete auction "+id, err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed.
func (s *AuctionStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, wrapErr("purge expired auctions", err)
	}
	return tag.RowsAffected(), nil
}

// SaveSealedCredentials stores the single encrypted credential envelope.
func (s *AuctionStore) SaveSealedCredentials(ctx context.Context, sealed []byte) error {
	const query = `
		INSERT INTO session_credentials (id, sealed, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET sealed = EXCLUDED.sealed, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, sealed); err != nil {
		return wrapErr("save credentials", err)
	}
	return nil
}

// LoadSealedCredentials returns the stored envelope or domain.ErrNotFound.
func (s *AuctionStore) LoadSealedCredentials(ctx context.Context) ([]byte, error) {
	var sealed []byte
	if err := s.pool.QueryRow(ctx, `SELECT sealed FROM session_credentials WHERE id = 1`).Scan(&sealed); err != nil {
		return nil, wrapErr("load credentials", err)
	}
	return sealed, nil
}

// Ping checks connectivity.
func (s *AuctionStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &domain.StoreUnavailableError{Op: "postgres ping", Err: err}
	}
	return nil
}

// Compile-time interface check.
var _ domain.StateBackend = (*AuctionStore)(nil)
