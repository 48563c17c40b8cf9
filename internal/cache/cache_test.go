package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/internal/balance"
	"github.com/warp/ledger-engine/internal/cache"
	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/walletcore"
)

func newCalc(t *testing.T) *balance.Calculator {
	t.Helper()
	m := journal.NewMemory()
	m.RegisterWallet(walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"})
	ctx := context.Background()
	g, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)
	_, err = m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 750})
	require.NoError(t, err)
	return balance.New(m)
}

func TestBalance_NilRDB_DegradesToDirectCalculatorRead(t *testing.T) {
	calc := newCalc(t)
	c := cache.New(calc, nil, time.Second)

	b, err := c.Balance(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), b.Confirmed)
}

func TestInvalidate_NilRDB_IsSafeNoOp(t *testing.T) {
	calc := newCalc(t)
	c := cache.New(calc, nil, time.Second)
	assert.NotPanics(t, func() { c.Invalidate(context.Background(), "w1") })
}

func TestBalance_UnreachableRedis_DegradesToDirectCalculatorRead(t *testing.T) {
	// A redis client pointed at a closed port never answers PING/GET; the
	// cache must treat that exactly like a miss, not propagate the error.
	calc := newCalc(t)
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, ReadTimeout: 100 * time.Millisecond})
	defer rdb.Close()
	c := cache.New(calc, rdb, time.Second)

	b, err := c.Balance(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), b.Confirmed)
}

func TestOpen_RejectsEmptyAddr(t *testing.T) {
	_, err := cache.Open(context.Background(), cache.Config{})
	assert.Error(t, err)
}

func TestOpen_FailsFastOnUnreachableRedis(t *testing.T) {
	_, err := cache.Open(context.Background(), cache.Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}
