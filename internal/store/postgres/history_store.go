package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// HistoryStore implements domain.HistoryStore on auction_history.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a new HistoryStore backed by the given pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historyColumns = `auction_id, status, final_bid, max_bid, strategy, bid_count, title, finished_at`

// Record stores the outcome of a finished auction. Recording the same
// auction again overwrites the earlier row.
func (s *HistoryStore) Record(ctx context.Context, h domain.AuctionHistory) error {
	const query = `
		INSERT INTO auction_history (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (auction_id) DO UPDATE SET
			status = EXCLUDED.status,
			final_bid = EXCLUDED.final_bid,
			max_bid = EXCLUDED.max_bid,
			strategy = EXCLUDED.strategy,
			bid_count = EXCLUDED.bid_count,
			title = EXCLUDED.title,
			finished_at = EXCLUDED.finished_at,
			archived_at = NULL`
	_, err := s.pool.Exec(ctx, query,
		h.AuctionID, string(h.Status), h.FinalBid, h.MaxBid,
		string(h.Strategy), h.BidCount, h.Title, h.FinishedAt,
	)
	if err != nil {
		return wrapErr("record history "+h.AuctionID, err)
	}
	return nil
}

// ListBefore returns unarchived rows that finished before the cutoff.
func (s *HistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AuctionHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM auction_history
		WHERE archived_at IS NULL AND finished_at < $1 ORDER BY finished_at`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, wrapErr("list history before", err)
	}
	return collectHistory(rows)
}

// MarkArchived stamps archived_at on every unarchived row before the cutoff.
func (s *HistoryStore) MarkArchived(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auction_history SET archived_at = NOW() WHERE archived_at IS NULL AND finished_at < $1`, before)
	if err != nil {
		return 0, wrapErr("mark history archived", err)
	}
	return tag.RowsAffected(), nil
}

// List returns history newest first.
func (s *HistoryStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuctionHistory, error) {
	query, args := pagedQuery(`SELECT `+historyColumns+` FROM auction_history WHERE 1=1`, "finished_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list history", err)
	}
	return collectHistory(rows)
}

func collectHistory(rows pgx.Rows) ([]domain.AuctionHistory, error) {
	defer rows.Close()

	var out []domain.AuctionHistory
	for rows.Next() {
		var h domain.AuctionHistory
		var status, strategy string
		if err := rows.Scan(&h.AuctionID, &status, &h.FinalBid, &h.MaxBid,
			&strategy, &h.BidCount, &h.Title, &h.FinishedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		h.Status = domain.AuctionStatus(status)
		h.Strategy = domain.BidStrategy(strategy)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("history rows", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)
