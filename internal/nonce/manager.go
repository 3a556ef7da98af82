// Package nonce manages per-access-key transaction nonces: an in-memory
// plan/commit reservation core with strict monotonicity, staleness
// tracking, and chain reconciliation. An optional Redis-backed
// reconciliation cache layers underneath the in-memory core for
// cross-process visibility, never as the source of truth.
package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const staleAfter = 5 * time.Second

// BlockData is the access-key/block snapshot a transaction is built
// against.
type BlockData struct {
	AccessKeyNonce uint64
	BlockHash      string
	BlockHeight    uint64
	FetchedAt      time.Time
}

func (b BlockData) stale(now time.Time) bool {
	return b.FetchedAt.IsZero() || now.Sub(b.FetchedAt) > staleAfter
}

// Fetcher abstracts the NEAR RPC calls the manager needs to refresh
// block data; internal/nearrpc.Client satisfies this.
type Fetcher interface {
	ViewAccessKey(ctx context.Context, accountID, publicKey string) (nonce uint64, err error)
	FinalBlock(ctx context.Context) (hash string, height uint64, err error)
}

// Manager is a per-session singleton, created on login and cleared on
// logout or config change.
type Manager struct {
	accountID string
	publicKey string
	fetcher   Fetcher

	mu           sync.Mutex
	block        BlockData
	fetchErr     error // outcome of the most recent fetch, for coalesced waiters
	reserved     map[uint64]struct{}
	lastReserved uint64
	nextNonce    uint64

	inflight   chan struct{} // non-nil while a fetch is in flight
	inflightMu sync.Mutex

	prefetchMu   sync.Mutex
	lastPrefetch time.Time

	redis *redis.Client // optional cross-process reconciliation cache
}

// New constructs a Manager for one login session.
func New(accountID, publicKey string, fetcher Fetcher, redisClient *redis.Client) *Manager {
	return &Manager{
		accountID: accountID,
		publicKey: publicKey,
		fetcher:   fetcher,
		reserved:  make(map[uint64]struct{}),
		nextNonce: 1,
		redis:     redisClient,
	}
}

// GetNonceBlockHashAndHeight re-fetches stale data; concurrent callers
// coalesce into one in-flight fetch, and all of them observe that
// fetch's outcome, error included.
func (m *Manager) GetNonceBlockHashAndHeight(ctx context.Context, force bool) (BlockData, error) {
	m.mu.Lock()
	needsFetch := force || m.block.stale(time.Now())
	current := m.block
	m.mu.Unlock()

	if !needsFetch {
		return current, nil
	}

	m.inflightMu.Lock()
	if m.inflight != nil {
		ch := m.inflight
		m.inflightMu.Unlock()
		<-ch
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.block, m.fetchErr
	}
	ch := make(chan struct{})
	m.inflight = ch
	m.inflightMu.Unlock()

	defer func() {
		m.inflightMu.Lock()
		close(ch)
		m.inflight = nil
		m.inflightMu.Unlock()
	}()

	accessKeyNonce, err := m.fetcher.ViewAccessKey(ctx, m.accountID, m.publicKey)
	if err != nil {
		err = fmt.Errorf("view access key: %w", err)
		m.setFetchErr(err)
		return BlockData{}, err
	}
	hash, height, err := m.fetcher.FinalBlock(ctx)
	if err != nil {
		err = fmt.Errorf("final block: %w", err)
		m.setFetchErr(err)
		return BlockData{}, err
	}

	fresh := BlockData{AccessKeyNonce: accessKeyNonce, BlockHash: hash, BlockHeight: height, FetchedAt: time.Now()}

	m.mu.Lock()
	m.block = fresh
	m.fetchErr = nil
	if m.nextNonce <= accessKeyNonce {
		m.nextNonce = accessKeyNonce + 1
	}
	m.mu.Unlock()

	m.cacheReconciliation(ctx, fresh)
	return fresh, nil
}

func (m *Manager) setFetchErr(err error) {
	m.mu.Lock()
	m.fetchErr = err
	m.mu.Unlock()
}

// prefetchDebounce spaces out back-to-back prefetch triggers.
const prefetchDebounce = 150 * time.Millisecond

// PrefetchBlockheight triggers a non-blocking refresh when block data is
// stale. Debounced; never returns an error.
func (m *Manager) PrefetchBlockheight() {
	m.prefetchMu.Lock()
	if time.Since(m.lastPrefetch) < prefetchDebounce {
		m.prefetchMu.Unlock()
		return
	}
	m.lastPrefetch = time.Now()
	m.prefetchMu.Unlock()

	m.mu.Lock()
	stale := m.block.stale(time.Now())
	m.mu.Unlock()
	if !stale {
		return
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = m.GetNonceBlockHashAndHeight(bgCtx, false)
	}()
}

func (m *Manager) cacheReconciliation(ctx context.Context, b BlockData) {
	if m.redis == nil {
		return
	}
	key := fmt.Sprintf("nonce:%s:%s", m.accountID, m.publicKey)
	_ = m.redis.Set(ctx, key, b.AccessKeyNonce, 10*time.Minute).Err()
}

// ReserveNonces is a two-phase plan/commit reservation: plan computes
// the candidate range without mutating state; if any candidate collides
// with an outstanding reservation the whole call fails; commit then
// atomically extends the reservation set.
func (m *Manager) ReserveNonces(count int) ([]uint64, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.lastReserved + 1
	if m.nextNonce > start {
		start = m.nextNonce
	}

	candidates := make([]uint64, count)
	for i := 0; i < count; i++ {
		n := start + uint64(i)
		if _, exists := m.reserved[n]; exists {
			return nil, fmt.Errorf("nonce %d already reserved", n)
		}
		candidates[i] = n
	}

	for _, n := range candidates {
		m.reserved[n] = struct{}{}
	}
	last := candidates[len(candidates)-1]
	if last > m.lastReserved {
		m.lastReserved = last
	}
	return candidates, nil
}

// GetNextNonce is ReserveNonces(1)[0].
func (m *Manager) GetNextNonce() (uint64, error) {
	ns, err := m.ReserveNonces(1)
	if err != nil {
		return 0, err
	}
	return ns[0], nil
}

// ReleaseNonce is idempotent: releasing an unreserved nonce is a no-op.
func (m *Manager) ReleaseNonce(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, n)
}

// ReleaseAllNonces clears every outstanding reservation.
func (m *Manager) ReleaseAllNonces() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved = make(map[uint64]struct{})
}

// UpdateNonceFromBlockchain reconciles state after a successful
// broadcast: nextNonce becomes the largest of chainNonce+1,
// actualNonce+1, lastReserved+1 and the prior nextNonce, so it never
// moves backwards. Reservations <= chainNonce are pruned. If the access
// key isn't yet visible on-chain (post-rotation), it advances
// optimistically using actualNonce+1 instead of failing, and prunes
// reservations <= actualNonce.
func (m *Manager) UpdateNonceFromBlockchain(ctx context.Context, actualNonce uint64) error {
	chainNonce, err := m.fetcher.ViewAccessKey(ctx, m.accountID, m.publicKey)
	accessKeyVisible := err == nil

	m.mu.Lock()
	defer m.mu.Unlock()

	candidate := actualNonce + 1
	if accessKeyVisible && chainNonce+1 > candidate {
		candidate = chainNonce + 1
	}
	if m.nextNonce > candidate {
		candidate = m.nextNonce
	}
	if m.lastReserved+1 > candidate {
		candidate = m.lastReserved + 1
	}
	m.nextNonce = candidate

	pruneBelow := actualNonce
	if accessKeyVisible {
		pruneBelow = chainNonce
	}
	for n := range m.reserved {
		if n <= pruneBelow {
			delete(m.reserved, n)
		}
	}
	return nil
}

// RefreshNow forces a fresh block/nonce fetch next call, optionally
// clearing reservations — used after INVALID_NONCE or key rotation.
func (m *Manager) RefreshNow(clearReservations bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = BlockData{}
	if clearReservations {
		m.reserved = make(map[uint64]struct{})
	}
}

// Reset fully clears session state, called on logout.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = BlockData{}
	m.reserved = make(map[uint64]struct{})
	m.lastReserved = 0
	m.nextNonce = 1
}
