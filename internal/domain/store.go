package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StateBackend is a durable key-value store of auction records keyed by
// auction id. A ttl of zero means no expiry. Implementations return
// *StoreUnavailableError when the backing service cannot be reached.
type StateBackend interface {
	Upsert(ctx context.Context, a Auction, ttl time.Duration) error
	Get(ctx context.Context, id string) (Auction, error)
	GetAll(ctx context.Context) ([]Auction, error)
	Delete(ctx context.Context, id string) error
	// SaveSealedCredentials and LoadSealedCredentials move the encrypted
	// credential envelope; plaintext never reaches a backend.
	SaveSealedCredentials(ctx context.Context, sealed []byte) error
	LoadSealedCredentials(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// HistoryStore persists settled auctions. ListBefore returns only rows not
// yet archived; MarkArchived flags them once they are in cold storage.
type HistoryStore interface {
	Record(ctx context.Context, h AuctionHistory) error
	ListBefore(ctx context.Context, before time.Time) ([]AuctionHistory, error)
	MarkArchived(ctx context.Context, before time.Time) (int64, error)
	List(ctx context.Context, opts ListOpts) ([]AuctionHistory, error)
}
