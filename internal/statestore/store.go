// Package statestore keeps every monitored auction in an in-memory mirror
// and writes it behind to a durable backend. When the backend is down,
// writes still succeed against the mirror and are replayed once it returns.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

var errBackendDown = errors.New("backend unavailable")

// Backend is the durable side of the store.
type Backend = domain.StateBackend

// Purger is implemented by backends that need expired rows removed
// explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sealer encrypts credential blobs before they reach the backend.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Config tunes the store.
type Config struct {
	ReconcileInterval time.Duration
	Stripes           int
}

type entry struct {
	auction   domain.Auction
	expiresAt time.Time
}

// Store is the state store used by the monitor. It is safe for concurrent
// use.
type Store struct {
	backend Backend
	sealer  Sealer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	stripes []sync.Mutex

	mu     sync.RWMutex
	mirror map[string]entry
	// dirty lists ids whose backend copy is stale, oldest first. The mirror
	// decides at flush time whether that means an upsert or a delete.
	dirty      []string
	dirtySet   map[string]struct{}
	credsDirty bool

	credsMu sync.RWMutex
	creds   *domain.SessionCredentials

	healthy atomic.Bool
}

// New creates a Store over backend. sealer may be nil, in which case
// credentials are held in memory only.
func New(backend Backend, sealer Sealer, cfg Config, logger *slog.Logger) *Store {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Second
	}
	if cfg.Stripes <= 0 {
		cfg.Stripes = 64
	}
	s := &Store{
		backend:  backend,
		sealer:   sealer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "statestore")),
		now:      time.Now,
		stripes:  make([]sync.Mutex, cfg.Stripes),
		mirror:   make(map[string]entry),
		dirtySet: make(map[string]struct{}),
	}
	s.healthy.Store(true)
	return s
}

// Healthy reports whether the backend is in sync with the mirror.
func (s *Store) Healthy() bool { return s.healthy.Load() }

// Ping checks the backend directly.
func (s *Store) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }

// DirtyCount returns the number of keys awaiting write-behind.
func (s *Store) DirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

func (s *Store) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// Upsert writes a to the mirror and then the backend. A backend outage is
// logged and queued for replay, not returned.
func (s *Store) Upsert(ctx context.Context, a domain.Auction, ttl time.Duration) error {
	lock := s.stripe(a.ID)
	lock.Lock()
	defer lock.Unlock()

	e := entry{auction: a.Clone()}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.mirror[a.ID] = e
	s.mu.Unlock()

	return s.writeThrough(ctx, a.ID, func() error { return s.backend.Upsert(ctx, a, ttl) })
}

// Delete removes id from the mirror and the backend.
func (s *Store) Delete(ctx context.Context, id string) error {
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	delete(s.mirror, id)
	s.mu.Unlock()

	return s.writeThrough(ctx, id, func() error { return s.backend.Delete(ctx, id) })
}

// writeThrough must be called with the key's stripe held.
func (s *Store) writeThrough(ctx context.Context, id string, write func() error) error {
	if !s.healthy.Load() {
		s.markDirty(id)
		return nil
	}
	err := write()
	if err == nil {
		return nil
	}
	var sue *domain.StoreUnavailableError
	if errors.As(err, &sue) {
		s.logger.Warn("state backend unavailable, queued for replay",
			slog.String("auction_id", id),
			slog.String("error", err.Error()),
		)
		s.markUnhealthy()
		s.markDirty(id)
		return nil
	}
	return fmt.Errorf("statestore: write %s: %w", id, err)
}

func (s *Store) markDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirtySet[id]; ok {
		return
	}
	s.dirtySet[id] = struct{}{}
	s.dirty = append(s.dirty, id)
}

func (s *Store) markUnhealthy() {
	if s.healthy.Swap(false) {
		s.logger.Error("state backend marked unhealthy")
	}
}

// Get returns the auction from the mirror, falling back to the backend on
// a miss.
func (s *Store) Get(ctx context.Context, id string) (domain.Auction, error) {
	s.mu.RLock()
	e, ok := s.mirror[id]
	_, pending := s.dirtySet[id]
	s.mu.RUnlock()
	if !ok && pending {
		return domain.Auction{}, domain.ErrNotFound
	}
	if ok {
		if s.expired(e) {
			return domain.Auction{}, domain.ErrNotFound
		}
		return e.auction.Clone(), nil
	}

	a, err := s.backend.Get(ctx, id)
	if err != nil {
		var sue *domain.StoreUnavailableError
		if errors.As(err, &sue) {
			s.markUnhealthy()
			return domain.Auction{}, domain.ErrNotFound
		}
		return domain.Auction{}, err
	}
	s.mu.Lock()
	if _, exists := s.mirror[id]; !exists {
		s.mirror[id] = entry{auction: a.Clone()}
	}
	s.mu.Unlock()
	return a, nil
}

// GetAll merges the backend's records with the mirror, the mirror winning.
// Ids with a pending delete are left out. If the backend is unreachable the
// mirror alone is returned.
func (s *Store) GetAll(ctx context.Context) ([]domain.Auction, error) {
	fromBackend, err := s.backend.GetAll(ctx)
	if err != nil {
		var sue *domain.StoreUnavailableError
		if !errors.As(err, &sue) {
			return nil, fmt.Errorf("statestore: get all: %w", err)
		}
		s.markUnhealthy()
		fromBackend = nil
	}

	s.mu.Lock()
	for _, a := range fromBackend {
		if _, ok := s.mirror[a.ID]; ok {
			continue
		}
		if _, pending := s.dirtySet[a.ID]; pending {
			// Deleted locally while the backend was down.
			continue
		}
		s.mirror[a.ID] = entry{auction: a.Clone()}
	}
	out := make([]domain.Auction, 0, len(s.mirror))
	for id, e := range s.mirror {
		if s.expired(e) {
			delete(s.mirror, id)
			continue
		}
		out = append(out, e.auction.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

// SaveCredentials replaces the active session. The plaintext stays in
// memory; only the sealed envelope is written to the backend.
func (s *Store) SaveCredentials(ctx context.Context, creds domain.SessionCredentials) error {
	if creds.Token == "" {
		return fmt.Errorf("statestore: save credentials: empty token")
	}
	if creds.RefreshedAt.IsZero() {
		creds.RefreshedAt = s.now()
	}

	s.credsMu.Lock()
	c := creds
	s.creds = &c
	s.credsMu.Unlock()

	if s.sealer == nil {
		return nil
	}
	return s.persistCredentials(ctx, creds)
}

func (s *Store) persistCredentials(ctx context.Context, creds domain.SessionCredentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("statestore: marshal credentials: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("statestore: seal credentials: %w", err)
	}

	err = s.backend.SaveSealedCredentials(ctx, sealed)
	var sue *domain.StoreUnavailableError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &sue):
		s.markUnhealthy()
		s.mu.Lock()
		s.credsDirty = true
		s.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("statestore: save credentials: %w", err)
	}
}

// LoadCredentials returns the active session, loading and opening the
// sealed copy from the backend on first use. It returns
// domain.ErrNoCredentials when none were ever pushed.
func (s *Store) LoadCredentials(ctx context.Context) (domain.SessionCredentials, error) {
	s.credsMu.RLock()
	if s.creds != nil {
		c := *s.creds
		s.credsMu.RUnlock()
		return c, nil
	}
	s.credsMu.RUnlock()

	if s.sealer == nil {
		return domain.SessionCredentials{}, domain.ErrNoCredentials
	}

	sealed, err := s.backend.LoadSealedCredentials(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SessionCredentials{}, domain.ErrNoCredentials
		}
		return domain.SessionCredentials{}, fmt.Errorf("statestore: load credentials: %w", err)
	}
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return domain.SessionCredentials{}, fmt.Errorf("statestore: open credentials: %w", err)
	}
	var creds domain.SessionCredentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return domain.SessionCredentials{}, fmt.Errorf("statestore: decode credentials: %w", err)
	}

	s.credsMu.Lock()
	if s.creds == nil {
		s.creds = &creds
	}
	c := *s.creds
	s.credsMu.Unlock()
	return c, nil
}

// Credentials implements domain.CredentialProvider.
func (s *Store) Credentials(ctx context.Context) (domain.SessionCredentials, error) {
	return s.LoadCredentials(ctx)
}

// Run reconciles the backend every ReconcileInterval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final best-effort flush.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Reconcile(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile flushes pending writes if the backend answers a ping, and
// reports whether the store is healthy afterwards.
func (s *Store) Reconcile(ctx context.Context) bool {
	if p, ok := s.backend.(Purger); ok && s.healthy.Load() {
		if n, err := p.PurgeExpired(ctx); err != nil {
			s.logger.Warn("purge expired failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Debug("purged expired auctions", slog.Int64("count", n))
		}
	}

	s.mu.RLock()
	pending := len(s.dirty) > 0 || s.credsDirty
	s.mu.RUnlock()
	if !pending && s.healthy.Load() {
		return true
	}

	if err := s.backend.Ping(ctx); err != nil {
		s.markUnhealthy()
		return false
	}

	for {
		s.mu.RLock()
		if len(s.dirty) == 0 {
			s.mu.RUnlock()
			break
		}
		id := s.dirty[0]
		s.mu.RUnlock()

		if err := s.flush(ctx, id); err != nil {
			s.logger.Warn("write-behind flush failed",
				slog.String("auction_id", id),
				slog.String("error", err.Error()),
			)
			return false
		}
	}

	if err := s.flushCredentials(ctx); err != nil {
		s.logger.Warn("credential flush failed", slog.String("error", err.Error()))
		return false
	}

	if !s.healthy.Swap(true) {
		s.logger.Info("state backend recovered")
	}
	return true
}

// flush writes the mirror's current view of id and pops it from the queue.
func (s *Store) flush(ctx context.Context, id string) error {
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	e, present := s.mirror[id]
	s.mu.RUnlock()

	var err error
	switch {
	case !present:
		err = s.backend.Delete(ctx, id)
	case s.expired(e):
		err = s.backend.Delete(ctx, id)
	default:
		var ttl time.Duration
		if !e.expiresAt.IsZero() {
			ttl = e.expiresAt.Sub(s.now())
		}
		err = s.backend.Upsert(ctx, e.auction, ttl)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.dirtySet, id)
	for i, d := range s.dirty {
		if d == id {
			s.dirty = append(s.dirty[:i], s.dirty[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) flushCredentials(ctx context.Context) error {
	s.mu.RLock()
	dirty := s.credsDirty
	s.mu.RUnlock()
	if !dirty {
		return nil
	}

	s.credsMu.RLock()
	creds := s.creds
	s.credsMu.RUnlock()
	if creds == nil || s.sealer == nil {
		return nil
	}

	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return err
	}
	if err := s.backend.SaveSealedCredentials(ctx, sealed); err != nil {
		return err
	}

	s.mu.Lock()
	s.credsDirty = false
	s.mu.Unlock()
	return nil
}
