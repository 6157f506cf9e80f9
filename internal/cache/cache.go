// Package cache provides a two-tier cache for authorization decisions.
// Tier one is an in-process ristretto cache (TinyLFU admission, TTL expiry);
// tier two is an optional shared Redis store so a fleet of gateway instances
// converges on the same decisions. Keys are derived from the full authrep
// request path, so any change in service, identity, or usage produces a
// different key.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/authgate/authgate/internal/redis"
)

const keyPrefix = "ag:authz:"

// decisionCost is the flat ristretto cost per entry; the cache budget is
// expressed in entries, not bytes, because decisions are tiny and uniform.
const decisionCost = 1

// Decision is one cached authorization outcome: the synthetic status the
// backend answered with. Everything the lifecycle needs to replay the
// verdict is the status value.
type Decision struct {
	Status   string    `json:"status"`
	CachedAt time.Time `json:"cached_at"`
}

// Authorized reports whether the cached decision allows the request.
func (d Decision) Authorized() bool { return d.Status == "200" }

// Key derives the cache key for an authrep request path. The path embeds
// the service token and application secret, so it is hashed rather than
// stored verbatim in Redis.
func Key(callPath string) string {
	sum := sha256.Sum256([]byte(callPath))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Store is the two-tier decision cache. Shared tier is optional; with a nil
// Redis client the cache is purely in-process.
type Store struct {
	local  *ristretto.Cache[string, Decision]
	shared redis.Client
	ttl    time.Duration
	logger *slog.Logger

	OnHit   func(tier string)
	OnMiss  func()
	OnStore func()
}

// Option configures a Store.
type Option func(*Store)

// WithSharedClient attaches the Redis tier.
func WithSharedClient(c redis.Client) Option {
	return func(s *Store) { s.shared = c }
}

// WithLogger sets the logger for debug messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a decision cache with the given TTL and local entry
// budget.
func NewStore(ttl time.Duration, maxEntries int64, opts ...Option) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	// NumCounters should be ~10x the expected max items so the TinyLFU
	// frequency sketch stays accurate.
	local, err := ristretto.NewCache(&ristretto.Config[string, Decision]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		local:  local,
		ttl:    ttl,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// TTL returns the configured decision lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get looks up a decision, local tier first. A shared-tier hit is promoted
// into the local tier so the next lookup stays in-process. Redis errors
// degrade to a miss; the caller falls through to a live backend call.
func (s *Store) Get(ctx context.Context, key string) (Decision, bool) {
	if d, ok := s.local.Get(key); ok {
		if s.OnHit != nil {
			s.OnHit("local")
		}
		return d, true
	}

	if s.shared != nil {
		data, err := s.shared.Get(ctx, key).Bytes()
		if err == nil {
			var d Decision
			if json.Unmarshal(data, &d) == nil {
				s.local.SetWithTTL(key, d, decisionCost, s.ttl)
				if s.OnHit != nil {
					s.OnHit("shared")
				}
				return d, true
			}
			s.logger.Debug("cache: unmarshal error", "key", key)
		}
	}

	if s.OnMiss != nil {
		s.OnMiss()
	}
	return Decision{}, false
}

// Set stores a decision in both tiers. A non-positive TTL disables storage
// entirely. Redis write failures are logged and ignored; the local tier
// already holds the entry.
func (s *Store) Set(ctx context.Context, key string, d Decision) {
	if s.ttl <= 0 {
		return
	}

	s.local.SetWithTTL(key, d, decisionCost, s.ttl)
	// Wait makes the entry visible to the request that stored it; ristretto
	// admission is otherwise asynchronous.
	s.local.Wait()

	if s.shared != nil {
		data, err := json.Marshal(d)
		if err == nil {
			if err := s.shared.Set(ctx, key, data, s.ttl).Err(); err != nil {
				s.logger.Debug("cache: shared store failed", "error", err)
			}
		}
	}

	if s.OnStore != nil {
		s.OnStore()
	}
}

// Close releases the local tier's resources.
func (s *Store) Close() {
	s.local.Close()
}
