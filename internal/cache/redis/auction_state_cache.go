package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// AuctionStateCache implements domain.StateBackend with one Redis hash per
// auction plus a set indexing every tracked id.
//
// Key schema:
//
//	auction:{id}        - hash with field "data" containing JSON
//	auctions            - set of tracked auction ids
//	session:credentials - sealed credential envelope
type AuctionStateCache struct {
	c *Client
}

// NewAuctionStateCache creates an AuctionStateCache backed by the given
// Client.
func NewAuctionStateCache(c *Client) *AuctionStateCache {
	return &AuctionStateCache{c: c}
}

func (s *AuctionStateCache) auctionKey(id string) string { return s.c.key("auction", id) }
func (s *AuctionStateCache) indexKey() string            { return s.c.key("auctions") }
func (s *AuctionStateCache) credsKey() string            { return s.c.key("session", "credentials") }

// Upsert stores an auction. A ttl of zero removes any expiry.
func (s *AuctionStateCache) Upsert(ctx context.Context, a domain.Auction, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: marshal auction %s: %w", a.ID, err)
	}

	key := s.auctionKey(a.ID)
	pipe := s.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	} else {
		pipe.Persist(ctx, key)
	}
	pipe.SAdd(ctx, s.indexKey(), a.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("upsert auction "+a.ID, err)
	}
	return nil
}

// Get retrieves an auction by id. It returns domain.ErrNotFound when the
// key does not exist.
func (s *AuctionStateCache) Get(ctx context.Context, id string) (domain.Auction, error) {
	data, err := s.c.rdb.HGet(ctx, s.auctionKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Auction{}, domain.ErrNotFound
		}
		return domain.Auction{}, unavailable("get auction "+id, err)
	}

	var a domain.Auction
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.Auction{}, fmt.Errorf("redis: unmarshal auction %s: %w", id, err)
	}
	return a, nil
}

// GetAll returns every indexed auction. Ids whose hash has expired are
// pruned from the index.
func (s *AuctionStateCache) GetAll(ctx context.Context) ([]domain.Auction, error) {
	ids, err := s.c.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, unavailable("list auctions", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.auctionKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list auctions", err)
	}

	out := make([]domain.Auction, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, unavailable("list auctions", err)
		}
		var a domain.Auction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("redis: unmarshal auction %s: %w", ids[i], err)
		}
		out = append(out, a)
	}
	if len(stale) > 0 {
		_ = s.c.rdb.SRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}

// Delete removes an auction and its index entry.
func (s *AuctionStateCache) Delete(ctx context.Context, id string) error {
	pipe := s.c.rdb.TxPipeline()
	pipe.Del(ctx, s.auctionKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete auction "+id, err)
	}
	return nil
}

// SaveSealedCredentials stores the encrypted credential envelope.
func (s *AuctionStateCache) SaveSealedCredentials(ctx context.Context, sealed []byte) error {
	if err := s.c.rdb.Set(ctx, s.credsKey(), sealed, 0).Err(); err != nil {
		return unavailable("save credentials", err)
	}
	return nil
}

// LoadSealedCredentials returns the stored envelope or domain.ErrNotFound.
func (s *AuctionStateCache) LoadSealedCredentials(ctx context.Context) ([]byte, error) {
	data, err := s.c.rdb.Get(ctx, s.credsKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("load credentials", err)
	}
	return data, nil
}

// Ping checks connectivity.
func (s *AuctionStateCache) Ping(ctx context.Context) error {
	return s.c.Ping(ctx)
}

// Compile-time interface check.
var _ domain.StateBackend = (*AuctionStateCache)(nil)
