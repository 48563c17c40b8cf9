package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/walletcore"
)

func newWallet(id walletcore.WalletID) walletcore.Wallet {
	return walletcore.Wallet{ID: id, Kind: walletcore.WalletUser, Currency: "USD"}
}

func TestCreateGroup_IdempotentOnKey(t *testing.T) {
	// GIVEN: a fresh store
	// WHEN: CreateGroup is called twice with the same idempotency key
	// THEN: both calls return the same group
	m := journal.NewMemory()
	ctx := context.Background()

	g1, err := m.CreateGroup(ctx, "key-1")
	require.NoError(t, err)

	g2, err := m.CreateGroup(ctx, "key-1")
	require.NoError(t, err)

	assert.Equal(t, g1.ID, g2.ID)
}

func TestCreateGroup_EmptyKeyAlwaysFresh(t *testing.T) {
	m := journal.NewMemory()
	ctx := context.Background()

	g1, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)
	g2, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)

	assert.NotEqual(t, g1.ID, g2.ID)
}

func TestAppend_RejectsSignTypeViolation(t *testing.T) {
	m := journal.NewMemory()
	ctx := context.Background()
	m.RegisterWallet(newWallet("w1"))
	g, _ := m.CreateGroup(ctx, "")

	_, err := m.Append(ctx, walletcore.TransactionEntry{
		WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryDebit, Status: walletcore.EntryHold, Amount: 100,
	})

	assert.ErrorIs(t, err, walletcore.ErrValidation)
}

func TestAppend_RejectsEntryOnTerminalGroup(t *testing.T) {
	// GIVEN: a group that has already settled
	// WHEN: appending a new HOLD entry to it
	// THEN: the append is rejected, since groups are append-only up to the
	// terminal transition
	m := journal.NewMemory()
	ctx := context.Background()
	m.RegisterWallet(newWallet("w1"))
	g, _ := m.CreateGroup(ctx, "")
	require.NoError(t, m.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""))

	_, err := m.Append(ctx, walletcore.TransactionEntry{
		WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryDebit, Status: walletcore.EntryHold, Amount: -10,
	})

	assert.ErrorIs(t, err, walletcore.ErrGroupNotOpen)
}

func TestSetGroupTerminal_RejectsSecondTransition(t *testing.T) {
	m := journal.NewMemory()
	ctx := context.Background()
	g, _ := m.CreateGroup(ctx, "")
	require.NoError(t, m.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""))

	err := m.SetGroupTerminal(ctx, g.ID, walletcore.GroupReleased, "retry")
	assert.ErrorIs(t, err, walletcore.ErrState)
}

func TestSetGroupCurrency_RejectsMismatch(t *testing.T) {
	m := journal.NewMemory()
	ctx := context.Background()
	g, _ := m.CreateGroup(ctx, "")
	require.NoError(t, m.SetGroupCurrency(ctx, g.ID, "USD"))

	err := m.SetGroupCurrency(ctx, g.ID, "EUR")
	assert.ErrorIs(t, err, walletcore.ErrValidation)
}

func TestMoveActiveToSnapshot_LeavesInProgressGroupsBehind(t *testing.T) {
	// GIVEN: one terminal-group entry and one in-progress-group entry on the
	// same wallet
	// WHEN: snapshotting
	// THEN: only the terminal-group entry moves
	m := journal.NewMemory()
	ctx := context.Background()
	m.RegisterWallet(newWallet("w1"))

	settledGroup, _ := m.CreateGroup(ctx, "")
	_, err := m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: settledGroup.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 100})
	require.NoError(t, err)
	require.NoError(t, m.SetGroupTerminal(ctx, settledGroup.ID, walletcore.GroupSettled, ""))

	openGroup, _ := m.CreateGroup(ctx, "")
	_, err = m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: openGroup.ID, Type: walletcore.EntryDebit, Status: walletcore.EntryHold, Amount: -20})
	require.NoError(t, err)

	moved, err := m.MoveActiveToSnapshot(ctx, "w1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	entries, err := m.EntriesOfWallet(ctx, "w1", journal.EntryFilter{})
	require.NoError(t, err)
	var sawHold, sawSettled bool
	for _, e := range entries {
		if e.Status == walletcore.EntryHold {
			sawHold = true
			assert.Equal(t, walletcore.TierActive, e.Tier, "open hold must stay active")
		}
		if e.Status == walletcore.EntrySettled {
			sawSettled = true
			assert.Equal(t, walletcore.TierSnapshot, e.Tier)
		}
	}
	assert.True(t, sawHold)
	assert.True(t, sawSettled)
}

func TestConsolidateSnapshot_ProducesLedgerCheckpointWithEqualSum(t *testing.T) {
	m := journal.NewMemory()
	ctx := context.Background()
	m.RegisterWallet(newWallet("w1"))

	g, _ := m.CreateGroup(ctx, "")
	_, err := m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 300})
	require.NoError(t, err)
	require.NoError(t, m.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""))

	past := time.Now().UTC().Add(-48 * time.Hour)
	_, err = m.MoveActiveToSnapshot(ctx, "w1", past)
	require.NoError(t, err)

	archived, checkpointID, err := m.ConsolidateSnapshot(ctx, "w1", time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	assert.NotZero(t, checkpointID)

	total, _, err := m.ReconciliationSum(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(300), total, "consolidation must preserve the total signed sum")

	links := m.CheckpointLinks()
	require.Len(t, links, 1)
	assert.Equal(t, g.ID, links[0].GroupID)
	assert.Equal(t, checkpointID, links[0].CheckpointEntryID)
}

func TestConsolidateSnapshot_NoOpWhenNothingInRange(t *testing.T) {
	m := journal.NewMemory()
	ctx := context.Background()
	archived, checkpointID, err := m.ConsolidateSnapshot(ctx, "w1", time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, archived)
	assert.Zero(t, checkpointID)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a group already created
	// WHEN: a WithTx body appends an entry then fails
	// THEN: the append is rolled back entirely
	m := journal.NewMemory()
	ctx := context.Background()
	m.RegisterWallet(newWallet("w1"))
	g, _ := m.CreateGroup(ctx, "")

	boom := assert.AnError
	err := m.WithTx(ctx, func(tx journal.Store) error {
		_, err := tx.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 10})
		require.NoError(t, err)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	entries, _ := m.EntriesOfGroup(ctx, g.ID)
	assert.Empty(t, entries, "rolled-back transaction must leave no trace")
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	m := journal.NewMemory()
	ctx := context.Background()
	m.RegisterWallet(newWallet("w1"))
	g, _ := m.CreateGroup(ctx, "")

	err := m.WithTx(ctx, func(tx journal.Store) error {
		_, err := tx.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 10})
		return err
	})
	require.NoError(t, err)

	entries, _ := m.EntriesOfGroup(ctx, g.ID)
	assert.Len(t, entries, 1)
}
