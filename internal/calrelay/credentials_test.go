package calrelay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTestCoordinator(cache SharedCache) *CredentialCoordinator {
	coordinator := NewCredentialCoordinator(CredentialCoordinatorOptions{Cache: cache})
	coordinator.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return coordinator
}

func TestEnsureCredentialReturnsCachedValue(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache()
	coordinator := newTestCoordinator(cache)

	stored := StoredCredential{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}
	if err := cache.Set(ctx, defaultCredentialCacheKey, mustCredentialJSON(t, stored), time.Hour); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	cred, err := coordinator.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if cred.AccessToken != "tok-1" {
		t.Fatalf("expected cached token, got %q", cred.AccessToken)
	}
	if coordinator.HoldsRefreshLock() {
		t.Fatalf("cache hit must not take the lock")
	}
}

func TestEnsureCredentialIgnoresExpiringToken(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache()
	coordinator := newTestCoordinator(cache)

	// Within the expiry margin, so unusable even though technically live.
	stored := StoredCredential{AccessToken: "tok-stale", Expiry: time.Now().Add(10 * time.Second)}
	if err := cache.Set(ctx, defaultCredentialCacheKey, mustCredentialJSON(t, stored), time.Hour); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	cred, err := coordinator.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if cred.AccessToken != "" {
		t.Fatalf("expiring token must not be served, got %q", cred.AccessToken)
	}
	if !coordinator.HoldsRefreshLock() {
		t.Fatalf("empty cache path should have acquired the lock")
	}
}

func TestEnsureCredentialExactlyOneLockWinner(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache()

	const instances = 8
	published := make(chan struct{})
	// Every instance must have attempted the lock before the winner
	// publishes, otherwise a late arrival could re-acquire the released
	// lock and the test would not pin down mutual exclusion.
	var lockPhase sync.WaitGroup
	lockPhase.Add(instances)

	coordinators := make([]*CredentialCoordinator, instances)
	for i := range coordinators {
		coordinator := NewCredentialCoordinator(CredentialCoordinatorOptions{Cache: cache})
		var parked sync.Once
		coordinator.sleep = func(ctx context.Context, d time.Duration) error {
			parked.Do(lockPhase.Done)
			<-published
			return nil
		}
		coordinators[i] = coordinator
	}

	results := make([]StoredCredential, instances)
	errs := make([]error, instances)
	var wg sync.WaitGroup
	for i := range coordinators {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := coordinators[i].EnsureCredential(ctx)
			results[i], errs[i] = cred, err
			if err == nil && coordinators[i].HoldsRefreshLock() {
				lockPhase.Done()
				lockPhase.Wait()
				storeErr := coordinators[i].StoreCredential(ctx, StoredCredential{
					AccessToken: "tok-won",
					Expiry:      time.Now().Add(time.Hour),
				})
				if storeErr != nil {
					t.Errorf("store failed: %v", storeErr)
				}
				close(published)
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("instance %d failed: %v", i, errs[i])
		}
		if results[i].AccessToken == "" {
			winners++
		} else if results[i].AccessToken != "tok-won" {
			t.Fatalf("instance %d read unexpected token %q", i, results[i].AccessToken)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one lock winner, got %d", winners)
	}

	if _, ok, _ := cache.Get(ctx, defaultRefreshLockKey); ok {
		t.Fatalf("lock must be released after the winner publishes")
	}
}

func TestEnsureCredentialGivesUpAfterMaxPolls(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache()

	// Somebody else holds the lock and never publishes.
	if acquired, err := cache.SetIfAbsent(ctx, defaultRefreshLockKey, "other", time.Hour); err != nil || !acquired {
		t.Fatalf("failed to pre-hold lock: acquired=%v err=%v", acquired, err)
	}

	coordinator := NewCredentialCoordinator(CredentialCoordinatorOptions{Cache: cache, MaxPolls: 3})
	sleeps := 0
	coordinator.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	cred, err := coordinator.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("giving up is not an error: %v", err)
	}
	if cred.AccessToken != "" {
		t.Fatalf("gave-up path must return a zero credential, got %q", cred.AccessToken)
	}
	if sleeps != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", sleeps)
	}
	if coordinator.HoldsRefreshLock() {
		t.Fatalf("giving up must not claim the lock")
	}
}

func TestEnsureCredentialRecoversWhenLockExpires(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache()
	current := time.Unix(5000, 0)
	cache.now = func() time.Time { return current }

	// A crashed refresher left a lock with 2s of TTL remaining.
	if acquired, err := cache.SetIfAbsent(ctx, defaultRefreshLockKey, "crashed", 2*time.Second); err != nil || !acquired {
		t.Fatalf("failed to pre-hold lock: acquired=%v err=%v", acquired, err)
	}

	coordinator := NewCredentialCoordinator(CredentialCoordinatorOptions{Cache: cache})
	coordinator.now = func() time.Time { return current }
	coordinator.sleep = func(ctx context.Context, d time.Duration) error {
		current = current.Add(d)
		return nil
	}

	cred, err := coordinator.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if cred.AccessToken != "" {
		t.Fatalf("expected zero credential on the polling path, got %q", cred.AccessToken)
	}
	// The lock expired mid-poll, so a later attempt acquires it.
	cred, err = coordinator.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if cred.AccessToken != "" {
		t.Fatalf("expected zero credential, got %q", cred.AccessToken)
	}
	if !coordinator.HoldsRefreshLock() {
		t.Fatalf("expired lock must be acquirable")
	}
}

func TestStoreCredentialReleasesLockAndSetsTTL(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache()
	coordinator := newTestCoordinator(cache)

	if _, err := coordinator.EnsureCredential(ctx); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !coordinator.HoldsRefreshLock() {
		t.Fatalf("expected to hold the lock")
	}

	err := coordinator.StoreCredential(ctx, StoredCredential{
		AccessToken: "tok-2",
		Expiry:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if coordinator.HoldsRefreshLock() {
		t.Fatalf("store must release the lock")
	}
	if _, ok, _ := cache.Get(ctx, defaultRefreshLockKey); ok {
		t.Fatalf("lock key must be deleted")
	}

	cred, err := coordinator.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("ensure after store failed: %v", err)
	}
	if cred.AccessToken != "tok-2" {
		t.Fatalf("expected stored token, got %q", cred.AccessToken)
	}
}

func TestStoreCredentialRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	coordinator := newTestCoordinator(NewInMemoryCache())

	if err := coordinator.StoreCredential(ctx, StoredCredential{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
	err := coordinator.StoreCredential(ctx, StoredCredential{
		AccessToken: "tok",
		Expiry:      time.Now().Add(-time.Minute),
	})
	if err == nil {
		t.Fatalf("expected error for expired credential")
	}
}

type staticTokenSource struct {
	mu     sync.Mutex
	tokens []*oauth2.Token
	calls  int
}

func (s *staticTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := s.tokens[0]
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	s.calls++
	return token, nil
}

func TestPersistingTokenSourcePublishesNewTokens(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache()
	coordinator := newTestCoordinator(cache)
	if _, err := coordinator.EnsureCredential(ctx); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	base := &staticTokenSource{tokens: []*oauth2.Token{{
		AccessToken: "tok-fresh",
		Expiry:      time.Now().Add(time.Hour),
	}}}
	source := NewPersistingTokenSource(base, coordinator)

	token, err := source.Token()
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if token.AccessToken != "tok-fresh" {
		t.Fatalf("expected fresh token, got %q", token.AccessToken)
	}

	cred, err := coordinator.EnsureCredential(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if cred.AccessToken != "tok-fresh" {
		t.Fatalf("refresh was not published, cache has %q", cred.AccessToken)
	}
	if coordinator.HoldsRefreshLock() {
		t.Fatalf("publishing must release the lock")
	}

	// Unexpired tokens are reused without another base call.
	if _, err := source.Token(); err != nil {
		t.Fatalf("token failed: %v", err)
	}
	base.mu.Lock()
	calls := base.calls
	base.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one base refresh, got %d", calls)
	}
}

func mustCredentialJSON(t *testing.T, cred StoredCredential) string {
	t.Helper()
	payload, err := json.Marshal(cred)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(payload)
}
