package statestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// MemoryBackend is a process-local domain.StateBackend. It is used when no
// durable backend is configured and as a test double; SetUnavailable makes
// every call fail as if the service were unreachable.
type MemoryBackend struct {
	mu          sync.Mutex
	records     map[string]memRecord
	sealed      []byte
	unavailable bool
	now         func() time.Time
}

type memRecord struct {
	auction   domain.Auction
	expiresAt time.Time
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]memRecord), now: time.Now}
}

// SetUnavailable toggles simulated outage.
func (m *MemoryBackend) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *MemoryBackend) check(op string) error {
	if m.unavailable {
		return &domain.StoreUnavailableError{Op: "memory " + op, Err: errBackendDown}
	}
	return nil
}

// Upsert implements domain.StateBackend.
func (m *MemoryBackend) Upsert(_ context.Context, a domain.Auction, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert"); err != nil {
		return err
	}
	rec := memRecord{auction: a.Clone()}
	if ttl > 0 {
		rec.expiresAt = m.now().Add(ttl)
	}
	m.records[a.ID] = rec
	return nil
}

// Get implements domain.StateBackend.
func (m *MemoryBackend) Get(_ context.Context, id string) (domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get"); err != nil {
		return domain.Auction{}, err
	}
	rec, ok := m.records[id]
	if !ok || m.expired(rec) {
		return domain.Auction{}, domain.ErrNotFound
	}
	return rec.auction.Clone(), nil
}

// GetAll implements domain.StateBackend.
func (m *MemoryBackend) GetAll(_ context.Context) ([]domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get all"); err != nil {
		return nil, err
	}
	out := make([]domain.Auction, 0, len(m.records))
	for id, rec := range m.records {
		if m.expired(rec) {
			delete(m.records, id)
			continue
		}
		out = append(out, rec.auction.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete implements domain.StateBackend.
func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete"); err != nil {
		return err
	}
	delete(m.records, id)
	return nil
}

// SaveSealedCredentials implements domain.StateBackend.
func (m *MemoryBackend) SaveSealedCredentials(_ context.Context, sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save credentials"); err != nil {
		return err
	}
	m.sealed = append([]byte(nil), sealed...)
	return nil
}

// LoadSealedCredentials implements domain.StateBackend.
func (m *MemoryBackend) LoadSealedCredentials(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("load credentials"); err != nil {
		return nil, err
	}
	if m.sealed == nil {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), m.sealed...), nil
}

// Ping implements domain.StateBackend.
func (m *MemoryBackend) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping")
}

func (m *MemoryBackend) expired(rec memRecord) bool {
	return !rec.expiresAt.IsZero() && !m.now().Before(rec.expiresAt)
}

var _ domain.StateBackend = (*MemoryBackend)(nil)
