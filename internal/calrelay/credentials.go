package calrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultCredentialCacheKey = "google_calendar:access_token"
	defaultRefreshLockKey     = "google_calendar:refresh_lock"
	defaultLockTTL            = 30 * time.Second
	defaultPollInterval       = time.Second
	defaultMaxPolls           = 5

	// expiryMargin keeps us from handing out a token that expires mid-call.
	credentialExpiryMargin = 30 * time.Second
)

// StoredCredential is the shared-cache representation of the upstream access
// credential. Entries are never mutated, only replaced on refresh.
type StoredCredential struct {
	AccessToken string    `json:"accessToken"`
	Expiry      time.Time `json:"expiry"`
}

func (c StoredCredential) valid(now time.Time) bool {
	return c.AccessToken != "" && now.Add(credentialExpiryMargin).Before(c.Expiry)
}

// refreshState is the coordinator's position in the lock protocol. Kept
// explicit so the retry bound and backoff are testable on their own.
type refreshState int

const (
	stateNoLock refreshState = iota
	stateLockHeld
	statePolling
	stateGaveUp
)

type CredentialCoordinatorOptions struct {
	Cache        SharedCache
	CacheKey     string
	LockKey      string
	LockTTL      time.Duration
	PollInterval time.Duration
	MaxPolls     int
}

// CredentialCoordinator lets any number of concurrent relay instances share
// one upstream access credential. At most one instance refreshes under normal
// contention; everyone else reads the cached value or, after a bounded wait,
// proceeds without one and lets the auth client refresh redundantly. The lock
// TTL bounds how long a crashed refresher can block others.
type CredentialCoordinator struct {
	cache        SharedCache
	cacheKey     string
	lockKey      string
	lockTTL      time.Duration
	pollInterval time.Duration
	maxPolls     int

	mu        sync.Mutex
	holdsLock bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCredentialCoordinator(opts CredentialCoordinatorOptions) *CredentialCoordinator {
	cacheKey := opts.CacheKey
	if cacheKey == "" {
		cacheKey = defaultCredentialCacheKey
	}
	lockKey := opts.LockKey
	if lockKey == "" {
		lockKey = defaultRefreshLockKey
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxPolls := opts.MaxPolls
	if maxPolls <= 0 {
		maxPolls = defaultMaxPolls
	}
	return &CredentialCoordinator{
		cache:        opts.Cache,
		cacheKey:     cacheKey,
		lockKey:      lockKey,
		lockTTL:      lockTTL,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// EnsureCredential returns the shared credential when one is cached and
// unexpired. Otherwise it runs the lock protocol and may return a zero
// credential, which tells the downstream auth client to refresh on first use.
// A zero credential is not an error.
func (c *CredentialCoordinator) EnsureCredential(ctx context.Context) (StoredCredential, error) {
	if c == nil || c.cache == nil {
		return StoredCredential{}, fmt.Errorf("credential coordinator requires a shared cache")
	}
	if cred, ok, err := c.readCached(ctx); err != nil {
		return StoredCredential{}, err
	} else if ok {
		return cred, nil
	}

	state := stateNoLock
	polls := 0
	for {
		switch state {
		case stateNoLock:
			acquired, err := c.cache.SetIfAbsent(ctx, c.lockKey, strconv.FormatInt(c.now().UnixMilli(), 10), c.lockTTL)
			if err != nil {
				return StoredCredential{}, err
			}
			if acquired {
				state = stateLockHeld
				continue
			}
			state = statePolling
		case stateLockHeld:
			c.mu.Lock()
			c.holdsLock = true
			c.mu.Unlock()
			// Proceed without a credential: the auth client refreshes with
			// the long-lived secret on first use and reports the new token
			// through StoreCredential.
			return StoredCredential{}, nil
		case statePolling:
			if polls >= c.maxPolls {
				state = stateGaveUp
				continue
			}
			polls++
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return StoredCredential{}, err
			}
			if cred, ok, err := c.readCached(ctx); err != nil {
				return StoredCredential{}, err
			} else if ok {
				return cred, nil
			}
		case stateGaveUp:
			// Bounded wait exhausted. Accept a possible redundant refresh
			// rather than blocking the notification.
			log.Printf("credential poll exhausted after %d attempts: %v", c.maxPolls, ErrLockTimeout)
			return StoredCredential{}, nil
		}
	}
}

// HoldsRefreshLock reports whether this instance currently owns the refresh
// lock. The holder is expected to publish through StoreCredential.
func (c *CredentialCoordinator) HoldsRefreshLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holdsLock
}

// StoreCredential persists a freshly minted credential for other instances
// and releases the refresh lock when this instance holds it.
func (c *CredentialCoordinator) StoreCredential(ctx context.Context, cred StoredCredential) error {
	if c == nil || c.cache == nil {
		return fmt.Errorf("credential coordinator requires a shared cache")
	}
	if cred.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrInvalidInput)
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	ttl := time.Duration(0)
	if !cred.Expiry.IsZero() {
		ttl = cred.Expiry.Sub(c.now())
		if ttl <= 0 {
			return fmt.Errorf("%w: credential already expired", ErrInvalidInput)
		}
	}
	if err := c.cache.Set(ctx, c.cacheKey, string(payload), ttl); err != nil {
		return err
	}
	c.releaseLock(ctx)
	return nil
}

func (c *CredentialCoordinator) releaseLock(ctx context.Context) {
	c.mu.Lock()
	held := c.holdsLock
	c.holdsLock = false
	c.mu.Unlock()
	if !held {
		return
	}
	if err := c.cache.Delete(ctx, c.lockKey); err != nil {
		// TTL expiry will release it anyway.
		log.Printf("failed to release refresh lock: %v", err)
	}
}

func (c *CredentialCoordinator) readCached(ctx context.Context) (StoredCredential, bool, error) {
	raw, ok, err := c.cache.Get(ctx, c.cacheKey)
	if err != nil || !ok {
		return StoredCredential{}, false, err
	}
	var cred StoredCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		log.Printf("discarding unreadable cached credential: %v", err)
		return StoredCredential{}, false, nil
	}
	if !cred.valid(c.now()) {
		return StoredCredential{}, false, nil
	}
	return cred, true, nil
}

// persistingTokenSource wraps an oauth2.TokenSource and forwards every newly
// minted token to the coordinator. This is the refresh side channel: whichever
// instance triggered the refresh publishes the result and drops its lock.
type persistingTokenSource struct {
	base        oauth2.TokenSource
	coordinator *CredentialCoordinator

	mu   sync.Mutex
	seen string
}

// NewPersistingTokenSource builds the token source the calendar client
// authenticates with. Wrapped in oauth2.ReuseTokenSource so unexpired tokens
// are served without touching base.
func NewPersistingTokenSource(base oauth2.TokenSource, coordinator *CredentialCoordinator) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &persistingTokenSource{base: base, coordinator: coordinator})
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	fresh := token.AccessToken != "" && token.AccessToken != s.seen
	if fresh {
		s.seen = token.AccessToken
	}
	s.mu.Unlock()
	if fresh && s.coordinator != nil {
		if storeErr := s.coordinator.StoreCredential(context.Background(), StoredCredential{
			AccessToken: token.AccessToken,
			Expiry:      token.Expiry,
		}); storeErr != nil {
			// The token itself is good; sharing it is best-effort.
			log.Printf("failed to persist refreshed credential: %v", storeErr)
		}
	}
	return token, nil
}
