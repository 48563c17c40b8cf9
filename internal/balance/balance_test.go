package balance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/internal/balance"
	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/walletcore"
)

func newStoreWithWallet(id walletcore.WalletID) *journal.Memory {
	m := journal.NewMemory()
	m.RegisterWallet(walletcore.Wallet{ID: id, Kind: walletcore.WalletUser, Currency: "USD"})
	return m
}

func TestBalance_WalletNotFound(t *testing.T) {
	m := journal.NewMemory()
	calc := balance.New(m)

	_, err := calc.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, walletcore.ErrWalletNotFound)
}

func TestBalance_SettledEntriesConfirmed(t *testing.T) {
	// GIVEN: one SETTLED entry on a wallet
	// WHEN: computing balance
	// THEN: Confirmed is their signed sum and Available equals Confirmed
	// (no open holds)
	ctx := context.Background()
	m := newStoreWithWallet("w1")
	g, _ := m.CreateGroup(ctx, "")
	require.NoError(t, setUSDCurrency(ctx, m, g.ID))

	_, err := m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 500})
	require.NoError(t, err)

	calc := balance.New(m)
	b, err := calc.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Confirmed)
	assert.Equal(t, int64(500), b.Available)
	assert.Zero(t, b.HeldDebit)
	assert.Zero(t, b.Reserved)
}

func TestBalance_OpenDebitHoldReducesAvailable(t *testing.T) {
	ctx := context.Background()
	m := newStoreWithWallet("w1")

	settled, _ := m.CreateGroup(ctx, "")
	require.NoError(t, setUSDCurrency(ctx, m, settled.ID))
	_, err := m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: settled.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 1000})
	require.NoError(t, err)

	open, _ := m.CreateGroup(ctx, "")
	_, err = m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: open.ID, Type: walletcore.EntryDebit, Status: walletcore.EntryHold, Amount: -300})
	require.NoError(t, err)

	calc := balance.New(m)
	b, err := calc.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Confirmed)
	assert.Equal(t, int64(300), b.HeldDebit)
	assert.Equal(t, int64(700), b.Available)
}

func TestBalance_OpenCreditHoldIsReservedNotAvailable(t *testing.T) {
	// CREDIT holds must never count toward Available: incoming funds are
	// not spendable before settlement.
	ctx := context.Background()
	m := newStoreWithWallet("w1")
	open, _ := m.CreateGroup(ctx, "")
	_, err := m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: open.ID, Type: walletcore.EntryCredit, Status: walletcore.EntryHold, Amount: 200})
	require.NoError(t, err)

	calc := balance.New(m)
	b, err := calc.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Reserved)
	assert.Zero(t, b.Confirmed)
	assert.Zero(t, b.Available)
}

func TestBalance_ClosedGroupHoldNoLongerCounts(t *testing.T) {
	// Once a group finalizes, its HOLD entries belong to a terminal group
	// and no longer contribute HeldDebit/Reserved - only the finalization
	// entries (SETTLED/RELEASED/CANCELLED) matter from then on.
	ctx := context.Background()
	m := newStoreWithWallet("w1")
	g, _ := m.CreateGroup(ctx, "")
	_, err := m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryDebit, Status: walletcore.EntryHold, Amount: -50})
	require.NoError(t, err)
	require.NoError(t, m.SetGroupTerminal(ctx, g.ID, walletcore.GroupReleased, "released"))
	_, err = m.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntryReleased, Amount: 50})
	assert.ErrorIs(t, err, walletcore.ErrGroupNotOpen, "a terminal group cannot receive new appends even from Finalize outside a tx")

	calc := balance.New(m)
	b, err := calc.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, b.HeldDebit, "hold in a now-terminal group no longer counts as held")
}

func setUSDCurrency(ctx context.Context, m *journal.Memory, id walletcore.GroupID) error {
	if err := m.SetGroupCurrency(ctx, id, "USD"); err != nil {
		return err
	}
	return nil
}
