package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/pipeline"
	"github.com/warp/ledger-engine/internal/walletcore"
)

func settledEntry(m *journal.Memory, walletID walletcore.WalletID, amount int64) (walletcore.GroupID, error) {
	ctx := context.Background()
	g, err := m.CreateGroup(ctx, "")
	if err != nil {
		return "", err
	}
	if _, err := m.Append(ctx, walletcore.TransactionEntry{WalletID: walletID, GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: amount}); err != nil {
		return "", err
	}
	if err := m.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""); err != nil {
		return "", err
	}
	return g.ID, nil
}

func TestSnapshotWallet_MovesSettledEntries(t *testing.T) {
	m := journal.NewMemory()
	m.RegisterWallet(walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"})
	_, err := settledEntry(m, "w1", 100)
	require.NoError(t, err)

	p := pipeline.New(m)
	moved, err := p.SnapshotWallet(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestArchiveWallet_ConsolidatesSnapshotIntoCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := journal.NewMemory()
	m.RegisterWallet(walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"})
	_, err := settledEntry(m, "w1", 250)
	require.NoError(t, err)

	p := pipeline.New(m)
	_, err = m.MoveActiveToSnapshot(ctx, "w1", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, err)

	archived, checkpointID, err := p.ArchiveWallet(ctx, "w1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	assert.NotZero(t, checkpointID)
}

func TestSnapshotWallets_ProcessesEveryWalletInBatch(t *testing.T) {
	// A wallet with no active entries is simply a no-op, not an error;
	// the batch must still reach every subsequent wallet.
	m := journal.NewMemory()
	m.RegisterWallet(walletcore.Wallet{ID: "empty", Kind: walletcore.WalletUser, Currency: "USD"})
	m.RegisterWallet(walletcore.Wallet{ID: "good", Kind: walletcore.WalletUser, Currency: "USD"})
	_, err := settledEntry(m, "good", 50)
	require.NoError(t, err)

	p := pipeline.New(m)
	err = p.SnapshotWallets(context.Background(), []walletcore.WalletID{"empty", "good"})
	require.NoError(t, err)

	entries, err := m.EntriesOfWallet(context.Background(), "good", journal.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, walletcore.TierSnapshot, entries[0].Tier, "the later wallet in the batch must still be processed")
}

func TestSnapshotWallets_EmptyBatchIsNoOp(t *testing.T) {
	m := journal.NewMemory()
	p := pipeline.New(m)
	err := p.SnapshotWallets(context.Background(), nil)
	assert.NoError(t, err)
}

func TestArchiveWallets_ArchivesSnapshottedWallet(t *testing.T) {
	ctx := context.Background()
	m := journal.NewMemory()
	m.RegisterWallet(walletcore.Wallet{ID: "good", Kind: walletcore.WalletUser, Currency: "USD"})
	_, err := settledEntry(m, "good", 75)
	require.NoError(t, err)
	_, err = m.MoveActiveToSnapshot(ctx, "good", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, err)

	p := pipeline.New(m)
	err = p.ArchiveWallets(ctx, []walletcore.WalletID{"good"}, time.Now().UTC())
	assert.NoError(t, err)
}
