package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/store/sqlite"
	"github.com/warp/ledger-engine/internal/walletcore"
)

// newStore opens a file-backed database under the test's temp dir rather
// than ":memory:", since the immutability-trigger tests need a second, raw
// *sql.DB connection onto the same database to attempt to bypass the Go API.
func newStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// rawConn opens a second connection directly onto the store's database file,
// bypassing every Go-level guard, to exercise the schema's own triggers.
func rawConn(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func pastTime() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
func nowTime() time.Time  { return time.Now().UTC() }

func TestRegisterWallet_UpsertsOnConflict(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	w := walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}
	require.NoError(t, s.RegisterWallet(ctx, w))

	w.Currency = "EUR"
	require.NoError(t, s.RegisterWallet(ctx, w))

	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "EUR", got.Currency)
}

func TestCreateGroup_IdempotentOnKey(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	g1, err := s.CreateGroup(ctx, "key-1")
	require.NoError(t, err)
	g2, err := s.CreateGroup(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, g1.ID, g2.ID)
}

func TestAppend_RejectsEntryOnTerminalGroup(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}))
	g, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""))

	_, err = s.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryDebit, Status: walletcore.EntryHold, Amount: -10})
	assert.ErrorIs(t, err, walletcore.ErrGroupNotOpen)
}

func TestSetGroupTerminal_RejectsSecondTransition(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	g, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""))

	err = s.SetGroupTerminal(ctx, g.ID, walletcore.GroupReleased, "retry")
	assert.ErrorIs(t, err, walletcore.ErrState)
}

func TestImmutabilityTrigger_RejectsDirectUpdateOfTransactionTable(t *testing.T) {
	// GIVEN: a committed entry
	// WHEN: issuing a raw UPDATE against the append-only transaction table,
	// bypassing every Go-level guard
	// THEN: the sqlite trigger aborts it
	s, path := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}))
	g, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)
	id, err := s.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 10})
	require.NoError(t, err)

	raw := rawConn(t, path)
	_, err = raw.ExecContext(ctx, `UPDATE "transaction" SET amount = 999 WHERE id = ?`, int64(id))
	assert.Error(t, err, "trg_transaction_no_update must abort any UPDATE")
}

func TestImmutabilityTrigger_RejectsDirectDeleteOutsidePipeline(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}))
	g, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)
	id, err := s.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 10})
	require.NoError(t, err)

	raw := rawConn(t, path)
	_, err = raw.ExecContext(ctx, `DELETE FROM "transaction" WHERE id = ?`, int64(id))
	assert.Error(t, err, "trg_transaction_no_delete must abort a DELETE while pipeline_escape is disarmed")
}

func TestImmutabilityTrigger_RejectsReopeningTerminalGroup(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()
	g, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""))

	raw := rawConn(t, path)
	_, err = raw.ExecContext(ctx, `UPDATE transaction_group SET status = 'IN_PROGRESS' WHERE id = ?`, string(g.ID))
	assert.Error(t, err, "trg_group_no_reopen must abort any UPDATE of a terminal group")
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}))
	g, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)

	boom := assert.AnError
	err = s.WithTx(ctx, func(tx journal.Store) error {
		_, err := tx.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 10})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := s.EntriesOfGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "a rolled-back transaction must leave no trace")
}

func TestMoveActiveToSnapshotAndConsolidate_RoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}))
	g, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)
	_, err = s.Append(ctx, walletcore.TransactionEntry{WalletID: "w1", GroupID: g.ID, Type: walletcore.EntryCredit, Status: walletcore.EntrySettled, Amount: 500})
	require.NoError(t, err)
	require.NoError(t, s.SetGroupTerminal(ctx, g.ID, walletcore.GroupSettled, ""))

	moved, err := s.MoveActiveToSnapshot(ctx, "w1", pastTime())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	archived, checkpointID, err := s.ConsolidateSnapshot(ctx, "w1", nowTime(), nowTime())
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	assert.NotZero(t, checkpointID)

	total, _, err := s.ReconciliationSum(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), total, "consolidation must preserve the total signed sum")
}

func TestListWalletIDs_ReturnsEveryRegisteredWallet(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}))
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w2", Kind: walletcore.WalletUser, Currency: "USD"}))

	ids, err := s.ListWalletIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []walletcore.WalletID{"w1", "w2"}, ids)
}

func TestReset_ClearsAllState(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWallet(ctx, walletcore.Wallet{ID: "w1", Kind: walletcore.WalletUser, Currency: "USD"}))
	_, err := s.CreateGroup(ctx, "")
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	ids, err := s.ListWalletIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
