/*
Package cache implements the optional redis-backed read-through cache for
wallet balances (spec §4.4's performance addendum). It sits in front of
internal/balance.Calculator purely to absorb read traffic on hot wallets;
nothing upstream of it (internal/walletops' preconditions, internal/
coordinator's settle/release/cancel/transfer paths) ever consults it - they
always call Calculator directly, so a stale or entirely absent cache can
never produce an incorrect hold or finalization, only a slower read.

Grounded on imshanimaurya-telecom-platform's pkg/utils/redis.go for client
construction and config defaults (adapted from a generic OpenRedis helper
to a narrower cache-open-plus-read-through type).

INVALIDATION:
  Best-effort: Invalidate is called by the HTTP layer immediately after a
  commit that changed a wallet's balance (settle/release/cancel/transfer/
  refund). A crash between commit and invalidation leaves a stale cache
  entry that expires naturally at TTL - acceptable because no correctness
  property depends on cache freshness.
*/
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/ledger-engine/internal/balance"
	"github.com/warp/ledger-engine/internal/walletcore"
)

// Config controls the redis client used for balance caching.
type Config struct {
	Addr         string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TTL          time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.TTL <= 0 {
		out.TTL = 5 * time.Second
	}
	return out
}

// Open connects to redis and verifies connectivity with PING.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// BalanceCache wraps a balance.Calculator with a read-through redis cache.
type BalanceCache struct {
	Calc *balance.Calculator
	RDB  *redis.Client
	TTL  time.Duration
}

// New builds a BalanceCache. ttl <= 0 uses Config's default (5s).
func New(calc *balance.Calculator, rdb *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &BalanceCache{Calc: calc, RDB: rdb, TTL: ttl}
}

func key(walletID walletcore.WalletID) string {
	return "balance:" + string(walletID)
}

// Balance returns the wallet's balance, serving from cache when fresh and
// falling back to (and repopulating from) the Calculator on a miss or on
// any redis error - a cache outage degrades to uncached reads, never to a
// failure.
func (c *BalanceCache) Balance(ctx context.Context, walletID walletcore.WalletID) (walletcore.Balance, error) {
	if c.RDB != nil {
		if raw, err := c.RDB.Get(ctx, key(walletID)).Bytes(); err == nil {
			var b walletcore.Balance
			if jsonErr := json.Unmarshal(raw, &b); jsonErr == nil {
				return b, nil
			}
		}
	}

	b, err := c.Calc.Balance(ctx, walletID)
	if err != nil {
		return walletcore.Balance{}, err
	}

	if c.RDB != nil {
		if raw, err := json.Marshal(b); err == nil {
			c.RDB.Set(ctx, key(walletID), raw, c.TTL)
		}
	}
	return b, nil
}

// Invalidate drops the cached entry for walletID. Safe to call even when
// RDB is nil (cache disabled) or the key does not exist.
func (c *BalanceCache) Invalidate(ctx context.Context, walletID walletcore.WalletID) {
	if c.RDB == nil {
		return
	}
	c.RDB.Del(ctx, key(walletID))
}
