package coordinator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/internal/coordinator"
	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/walletcore"
)

func newFixture(wallets ...walletcore.WalletID) (*journal.Memory, *coordinator.Coordinator) {
	m := journal.NewMemory()
	for _, w := range wallets {
		m.RegisterWallet(walletcore.Wallet{ID: w, Kind: walletcore.WalletUser, Currency: "USD"})
	}
	return m, coordinator.New(m)
}

func fundWallet(t *testing.T, m *journal.Memory, walletID walletcore.WalletID, amount int64) {
	t.Helper()
	ctx := context.Background()
	g, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.SetGroupCurrency(ctx, g.ID, "USD"))
	_, err = m.Append(ctx, walletcore.TransactionEntry{WalletID: walletID, GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: amount})
	require.NoError(t, err)
}

func TestTransfer_EndToEnd_MovesFundsAndSettles(t *testing.T) {
	// GIVEN: a sender with funds and an empty recipient
	// WHEN: transferring
	// THEN: the group settles, and available balances reflect the move
	m, c := newFixture("sender", "recipient")
	fundWallet(t, m, "sender", 1000)
	ctx := context.Background()

	groupID, err := c.Transfer(ctx, "sender", "recipient", 300, "")
	require.NoError(t, err)

	g, err := m.GetGroup(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, walletcore.GroupSettled, g.Status)

	total, _, err := m.ReconciliationSum(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total, "a transfer moves funds, it never creates or destroys them")
}

func TestTransfer_InsufficientFunds_CancelsGroup(t *testing.T) {
	m, c := newFixture("sender", "recipient")
	fundWallet(t, m, "sender", 10)
	ctx := context.Background()

	_, err := c.Transfer(ctx, "sender", "recipient", 5000, "")
	assert.ErrorIs(t, err, walletcore.ErrInsufficientFunds)

	// The failed transfer appends nothing: the grand total is still just
	// the sender's funding of 10.
	total, _, err := m.ReconciliationSum(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}

func TestSettleGroup_RequiresZeroSum(t *testing.T) {
	// GIVEN: a group whose holds do not sum to zero (an unmatched debit with
	// no offsetting credit)
	// WHEN: settling
	// THEN: ErrZeroSum and the group stays IN_PROGRESS
	m, c := newFixture("w1")
	fundWallet(t, m, "w1", 100)
	ctx := context.Background()

	g, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.SetGroupCurrency(ctx, g.ID, "USD"))
	_, err = m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryDebit, Status: walletcore.EntryHold, Amount: -40})
	require.NoError(t, err)

	err = c.SettleGroup(ctx, g.ID)
	assert.ErrorIs(t, err, walletcore.ErrZeroSum)

	group, err := m.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, walletcore.GroupInProgress, group.Status)
}

func TestSettleGroup_TerminalGroupRejected(t *testing.T) {
	m, c := newFixture("w1")
	ctx := context.Background()
	g, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.SetGroupTerminal(ctx, g.ID, walletcore.GroupCancelled, "x"))

	err = c.SettleGroup(ctx, g.ID)
	assert.ErrorIs(t, err, walletcore.ErrState)
}

func TestReleaseGroup_ReversesHoldsWithoutZeroSumCheck(t *testing.T) {
	m, c := newFixture("w1")
	fundWallet(t, m, "w1", 100)
	ctx := context.Background()

	g, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.SetGroupCurrency(ctx, g.ID, "USD"))
	_, err = c.Ops.HoldDebit(ctx, "w1", 40, g.ID)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseGroup(ctx, g.ID, "customer cancelled"))

	group, err := m.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, walletcore.GroupReleased, group.Status)
	assert.Equal(t, "customer cancelled", group.Reason)

	total, _, err := m.ReconciliationSum(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), total, "releasing a hold must not change the wallet's total")
}

func TestCancelGroup_MechanicallyIdenticalToRelease(t *testing.T) {
	m, c := newFixture("w1")
	fundWallet(t, m, "w1", 100)
	ctx := context.Background()

	g, err := m.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.SetGroupCurrency(ctx, g.ID, "USD"))
	_, err = c.Ops.HoldDebit(ctx, "w1", 40, g.ID)
	require.NoError(t, err)

	require.NoError(t, c.CancelGroup(ctx, g.ID, "fraud check failed"))

	group, err := m.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, walletcore.GroupCancelled, group.Status)
}

func TestOpenGroup_IdempotentReturnOfExistingGroup(t *testing.T) {
	m, c := newFixture()
	ctx := context.Background()

	id1, err := c.OpenGroup(ctx, "idem-1")
	require.NoError(t, err)
	id2, err := c.OpenGroup(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	_ = m
}
