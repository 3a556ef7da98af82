package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu           sync.Mutex
	accessKey    uint64
	blockHash    string
	blockHeight  uint64
	fetchCount   int
}

func (f *fakeFetcher) ViewAccessKey(ctx context.Context, accountID, publicKey string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCount++
	return f.accessKey, nil
}

func (f *fakeFetcher) FinalBlock(ctx context.Context) (string, uint64, error) {
	return f.blockHash, f.blockHeight, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFetcher) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fetcher := &fakeFetcher{accessKey: 0, blockHash: "hash1", blockHeight: 100}
	return New("alice.testnet", "ed25519:PK", fetcher, client), fetcher
}

func TestReserveNoncesSequentialAndDisjoint(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.ReserveNonces(3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, first)

	second, err := m.ReserveNonces(2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, second)
}

func TestReleaseNonceIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	m.ReleaseNonce(999) // never reserved; must not panic or error
}

func TestConcurrentReservationsArePairwiseDistinct(t *testing.T) {
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	results := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := m.GetNextNonce()
			require.NoError(t, err)
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		assert.False(t, seen[n], "nonce %d issued twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, 100)
}

func TestUpdateNonceFromBlockchainMonotonic(t *testing.T) {
	m, fetcher := newTestManager(t)

	_, err := m.ReserveNonces(5)
	require.NoError(t, err)

	fetcher.accessKey = 10
	require.NoError(t, m.UpdateNonceFromBlockchain(context.Background(), 10))

	m.mu.Lock()
	next := m.nextNonce
	m.mu.Unlock()
	assert.Greater(t, next, uint64(10))
}

func TestPrefetchBlockheightDebounced(t *testing.T) {
	m, fetcher := newTestManager(t)

	// Burst of prefetch triggers inside the debounce window; at most one
	// may reach the fetcher, and none may error or block the caller.
	for i := 0; i < 10; i++ {
		m.PrefetchBlockheight()
	}

	assert.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.fetchCount <= 1
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentBlockFetchCoalesced(t *testing.T) {
	m, fetcher := newTestManager(t)

	// Hold the fetcher so the first fetch stays in flight until every
	// caller has arrived; the others must wait on it, not fetch again.
	fetcher.mu.Lock()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetNonceBlockHashAndHeight(context.Background(), true)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	fetcher.mu.Unlock()
	wg.Wait()

	fetcher.mu.Lock()
	count := fetcher.fetchCount
	fetcher.mu.Unlock()
	assert.Equal(t, 1, count)
}
