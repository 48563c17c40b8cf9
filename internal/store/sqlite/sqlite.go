/*
Package sqlite is the development/test backend for the Journal Store (C1):
a SQLite-backed implementation of journal.TxStore.

SCHEMA (spec.md §6 persisted state layout, literally):
  wallet, transaction (active tier), transaction_snapshot (snapshot tier),
  transaction_snapshot_archive (archive tier), transaction_group,
  ledger_checkpoint_link.

IMMUTABILITY ENFORCEMENT:
  The `transaction` and `transaction_snapshot` tables carry triggers that
  RAISE(ABORT, ...) on every UPDATE, and on DELETE unless a narrow escape
  hatch is armed. The escape hatch is a single-row control table
  (pipeline_escape) that MoveActiveToSnapshot/ConsolidateSnapshot arm
  immediately before their sanctioned DELETE and disarm immediately after,
  inside the same transaction - so an ordinary application bug (a stray
  DELETE/UPDATE anywhere else in the program) cannot corrupt history, per
  spec §4.1's "engineering bug incapable of corrupting history" directive.
  This is the concrete realization of the design note's tagged StorageOp
  (AppendEntry | SetGroupTerminal | PipelineMigrate): apart from the
  test/dev-only Reset, the only code path that ever arms the hatch is
  pipeline migration.

  The `transaction_group` table carries a trigger that aborts any UPDATE
  whose OLD.status is already terminal, so a terminal transition can never
  be re-applied even by a buggy caller that bypasses SetGroupTerminal's own
  IN_PROGRESS check, and a trigger that aborts any DELETE while the escape
  hatch is disarmed.

CONCURRENCY (spec §5, approximated for sqlite):
  SQLite has no true row-level locks, so two locking layers are used:
    - execMu serializes every statement/transaction against the single
      underlying *sql.DB connection (SetMaxOpenConns(1)), mirroring the
      teacher's sync.RWMutex-guarded single-writer discipline.
    - walletLocks/groupLocks are independent in-process per-id mutexes that
      model the wallet-row and group-row pessimistic locks spec'd in §5:
      they span a whole hold/finalize critical section (check-then-append),
      not just one statement, so they must be distinct from execMu to avoid
      a reentrant deadlock when a lock is held across a WithTx call.
  The production backend (internal/store/postgres) replaces both with
  PostgreSQL session-level advisory locks; see its package doc.

WAL MODE:
  Opened with `_journal_mode=WAL` for crash-recovery and read concurrency,
  matching the teacher's store/sqlite/sqlite.go.

SEE ALSO:
  - internal/journal: the Store/TxStore contracts this package implements.
  - internal/store/postgres: the production-grade sibling backend.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/ledger-engine/internal/idgen"
	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/metrics"
	"github.com/warp/ledger-engine/internal/walletcore"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallet (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	currency TEXT NOT NULL,
	owner_id TEXT,
	description TEXT
);

CREATE TABLE IF NOT EXISTS transaction_group (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	currency TEXT,
	created_at TEXT NOT NULL,
	finalized_at TEXT,
	reason TEXT,
	idempotency_key TEXT UNIQUE,
	merchant_ref TEXT,
	buyer_ref TEXT
);

CREATE INDEX IF NOT EXISTS idx_transaction_group_idempotency
	ON transaction_group(idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TRIGGER IF NOT EXISTS trg_group_no_reopen
BEFORE UPDATE ON transaction_group
WHEN OLD.status != 'IN_PROGRESS'
BEGIN
	SELECT RAISE(ABORT, 'transaction_group is terminal and immutable');
END;

CREATE TRIGGER IF NOT EXISTS trg_group_no_delete
BEFORE DELETE ON transaction_group
WHEN (SELECT armed FROM pipeline_escape WHERE tick = 1) = 0
BEGIN
	SELECT RAISE(ABORT, 'transaction_group rows are never deleted');
END;

CREATE TABLE IF NOT EXISTS pipeline_escape (
	tick INTEGER PRIMARY KEY CHECK (tick = 1),
	armed INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO pipeline_escape (tick, armed) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS "transaction" (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	amount INTEGER NOT NULL,
	hold_ts TEXT,
	finalize_ts TEXT,
	description TEXT,
	is_ledger_entry INTEGER NOT NULL DEFAULT 0,
	snapshot_date TEXT,
	correlation_key TEXT,
	FOREIGN KEY (group_id) REFERENCES transaction_group(id)
);

CREATE INDEX IF NOT EXISTS idx_transaction_group ON "transaction"(group_id);
CREATE INDEX IF NOT EXISTS idx_transaction_wallet_status ON "transaction"(wallet_id, status);
CREATE INDEX IF NOT EXISTS idx_transaction_finalize_ts ON "transaction"(finalize_ts);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transaction_correlation
	ON "transaction"(correlation_key) WHERE correlation_key IS NOT NULL;

CREATE TRIGGER IF NOT EXISTS trg_transaction_no_update
BEFORE UPDATE ON "transaction"
BEGIN
	SELECT RAISE(ABORT, 'transaction rows are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_transaction_no_delete
BEFORE DELETE ON "transaction"
WHEN (SELECT armed FROM pipeline_escape WHERE tick = 1) = 0
BEGIN
	SELECT RAISE(ABORT, 'transaction rows are append-only: DELETE forbidden outside pipeline migration');
END;

CREATE TABLE IF NOT EXISTS transaction_snapshot (
	id INTEGER PRIMARY KEY,
	wallet_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	amount INTEGER NOT NULL,
	hold_ts TEXT,
	finalize_ts TEXT,
	description TEXT,
	is_ledger_entry INTEGER NOT NULL DEFAULT 0,
	snapshot_date TEXT,
	correlation_key TEXT
);

CREATE INDEX IF NOT EXISTS idx_snapshot_group ON transaction_snapshot(group_id);
CREATE INDEX IF NOT EXISTS idx_snapshot_wallet_status ON transaction_snapshot(wallet_id, status);
CREATE INDEX IF NOT EXISTS idx_snapshot_finalize_ts ON transaction_snapshot(finalize_ts);
CREATE INDEX IF NOT EXISTS idx_snapshot_wallet_date ON transaction_snapshot(wallet_id, snapshot_date);

CREATE TRIGGER IF NOT EXISTS trg_snapshot_no_update
BEFORE UPDATE ON transaction_snapshot
BEGIN
	SELECT RAISE(ABORT, 'transaction_snapshot rows are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_snapshot_no_delete
BEFORE DELETE ON transaction_snapshot
WHEN (SELECT armed FROM pipeline_escape WHERE tick = 1) = 0
BEGIN
	SELECT RAISE(ABORT, 'transaction_snapshot rows are append-only: DELETE forbidden outside pipeline migration');
END;

CREATE TABLE IF NOT EXISTS transaction_snapshot_archive (
	id INTEGER PRIMARY KEY,
	wallet_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	amount INTEGER NOT NULL,
	hold_ts TEXT,
	finalize_ts TEXT,
	description TEXT,
	is_ledger_entry INTEGER NOT NULL DEFAULT 0,
	snapshot_date TEXT,
	correlation_key TEXT
);

CREATE INDEX IF NOT EXISTS idx_archive_wallet ON transaction_snapshot_archive(wallet_id);
CREATE INDEX IF NOT EXISTS idx_archive_group ON transaction_snapshot_archive(group_id);

CREATE TABLE IF NOT EXISTS ledger_checkpoint_link (
	checkpoint_entry_id INTEGER NOT NULL,
	group_id TEXT NOT NULL,
	PRIMARY KEY (checkpoint_entry_id, group_id)
);
`

// Store implements journal.TxStore over a single SQLite database.
type Store struct {
	db *sql.DB

	// execMu serializes access to db, approximating sqlite's single-writer
	// model (spec §5's simplification, documented in the package doc).
	execMu sync.Mutex

	idMu        sync.Mutex
	walletLocks map[walletcore.WalletID]*sync.Mutex
	groupLocks  map[walletcore.GroupID]*sync.Mutex
}

// New opens (creating if absent) a SQLite database at path and migrates its
// schema. Use ":memory:" for an ephemeral database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single logical connection; see package doc.

	s := &Store{
		db:          db,
		walletLocks: make(map[walletcore.WalletID]*sync.Mutex),
		groupLocks:  make(map[walletcore.GroupID]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// RegisterWallet inserts a wallet row. The engine itself never creates
// wallets (spec §1/§3); this is bootstrap/admin surface only.
func (s *Store) RegisterWallet(ctx context.Context, w walletcore.Wallet) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet (id, kind, currency, owner_id, description) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, currency=excluded.currency,
			owner_id=excluded.owner_id, description=excluded.description`,
		string(w.ID), string(w.Kind), w.Currency, nullString(w.OwnerID), nullString(w.Description))
	return err
}

// =============================================================================
// executor abstraction - shared by *sql.DB and *sql.Tx call sites
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) WalletExists(ctx context.Context, walletID walletcore.WalletID) (bool, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return walletExists(ctx, s.db, walletID)
}

func walletExists(ctx context.Context, ex execer, walletID walletcore.WalletID) (bool, error) {
	var one int
	err := ex.QueryRowContext(ctx, `SELECT 1 FROM wallet WHERE id = ?`, string(walletID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, walletcore.ErrTransient
	}
	return true, nil
}

func (s *Store) GetWallet(ctx context.Context, walletID walletcore.WalletID) (walletcore.Wallet, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return getWallet(ctx, s.db, walletID)
}

func getWallet(ctx context.Context, ex execer, walletID walletcore.WalletID) (walletcore.Wallet, error) {
	var w walletcore.Wallet
	var owner, desc sql.NullString
	err := ex.QueryRowContext(ctx,
		`SELECT id, kind, currency, owner_id, description FROM wallet WHERE id = ?`,
		string(walletID),
	).Scan((*string)(&w.ID), (*string)(&w.Kind), &w.Currency, &owner, &desc)
	if err == sql.ErrNoRows {
		return walletcore.Wallet{}, walletcore.ErrWalletNotFound
	}
	if err != nil {
		return walletcore.Wallet{}, walletcore.ErrTransient
	}
	w.OwnerID = owner.String
	w.Description = desc.String
	return w, nil
}

// ListWalletIDs implements internal/pipeline.WalletLister.
func (s *Store) ListWalletIDs(ctx context.Context) ([]walletcore.WalletID, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM wallet`)
	if err != nil {
		return nil, walletcore.ErrTransient
	}
	defer rows.Close()
	var out []walletcore.WalletID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, walletcore.ErrTransient
		}
		out = append(out, walletcore.WalletID(id))
	}
	return out, rows.Err()
}

// =============================================================================
// GROUPS
// =============================================================================

func (s *Store) CreateGroup(ctx context.Context, idempotencyKey string) (walletcore.TransactionGroup, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return createGroup(ctx, s.db, idempotencyKey)
}

func createGroup(ctx context.Context, ex execer, idempotencyKey string) (walletcore.TransactionGroup, error) {
	if idempotencyKey != "" {
		if g, err := getGroupByKey(ctx, ex, idempotencyKey); err == nil {
			return g, nil
		} else if err != walletcore.ErrGroupNotFound {
			return walletcore.TransactionGroup{}, err
		}
	}

	g := walletcore.TransactionGroup{
		ID:             walletcore.GroupID(idgen.NewGroupID()),
		Status:         walletcore.GroupInProgress,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO transaction_group (id, status, created_at, idempotency_key) VALUES (?, ?, ?, ?)`,
		string(g.ID), string(g.Status), g.CreatedAt.Format(time.RFC3339Nano), nullString(idempotencyKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) && idempotencyKey != "" {
			// Lost a race to create the same idempotency key: return the
			// winner's group rather than erroring.
			return getGroupByKey(ctx, ex, idempotencyKey)
		}
		return walletcore.TransactionGroup{}, walletcore.ErrTransient
	}
	return g, nil
}

func getGroupByKey(ctx context.Context, ex execer, key string) (walletcore.TransactionGroup, error) {
	return scanGroup(ex.QueryRowContext(ctx, groupSelect+` WHERE idempotency_key = ?`, key))
}

const groupSelect = `SELECT id, status, currency, created_at, finalized_at, reason, idempotency_key, merchant_ref, buyer_ref FROM transaction_group`

func scanGroup(row *sql.Row) (walletcore.TransactionGroup, error) {
	var g walletcore.TransactionGroup
	var currency, finalizedAt, reason, key, merchant, buyer sql.NullString
	var createdAt string
	err := row.Scan((*string)(&g.ID), (*string)(&g.Status), &currency, &createdAt, &finalizedAt, &reason, &key, &merchant, &buyer)
	if err == sql.ErrNoRows {
		return walletcore.TransactionGroup{}, walletcore.ErrGroupNotFound
	}
	if err != nil {
		return walletcore.TransactionGroup{}, walletcore.ErrTransient
	}
	g.Currency = currency.String
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if finalizedAt.Valid {
		g.FinalizedAt, _ = time.Parse(time.RFC3339Nano, finalizedAt.String)
	}
	g.Reason = reason.String
	g.IdempotencyKey = key.String
	g.MerchantRef = merchant.String
	g.BuyerRef = buyer.String
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id walletcore.GroupID) (walletcore.TransactionGroup, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, ex execer, id walletcore.GroupID) (walletcore.TransactionGroup, error) {
	return scanGroup(ex.QueryRowContext(ctx, groupSelect+` WHERE id = ?`, string(id)))
}

func (s *Store) SetGroupCurrency(ctx context.Context, id walletcore.GroupID, currency string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return setGroupCurrency(ctx, s.db, id, currency)
}

func setGroupCurrency(ctx context.Context, ex execer, id walletcore.GroupID, currency string) error {
	g, err := getGroup(ctx, ex, id)
	if err != nil {
		return err
	}
	if g.Currency == "" {
		_, err := ex.ExecContext(ctx, `UPDATE transaction_group SET currency = ? WHERE id = ?`, currency, string(id))
		if err != nil {
			return walletcore.ErrTransient
		}
		return nil
	}
	if g.Currency != currency {
		return &walletcore.ValidationError{Field: "currency", Message: fmt.Sprintf("group is %s, got %s", g.Currency, currency)}
	}
	return nil
}

func (s *Store) SetGroupTerminal(ctx context.Context, id walletcore.GroupID, status walletcore.GroupStatus, reason string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return setGroupTerminal(ctx, s.db, id, status, reason)
}

func setGroupTerminal(ctx context.Context, ex execer, id walletcore.GroupID, status walletcore.GroupStatus, reason string) error {
	g, err := getGroup(ctx, ex, id)
	if err != nil {
		return err
	}
	if g.Status.IsTerminal() {
		return &walletcore.StateError{GroupID: id, From: g.Status, Attempt: string(status)}
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE transaction_group SET status = ?, reason = ?, finalized_at = ? WHERE id = ? AND status = 'IN_PROGRESS'`,
		string(status), nullString(reason), time.Now().UTC().Format(time.RFC3339Nano), string(id),
	)
	if err != nil {
		return walletcore.ErrTransient
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &walletcore.StateError{GroupID: id, From: g.Status, Attempt: string(status)}
	}
	metrics.RecordGroupTransition(string(status))
	return nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) Append(ctx context.Context, entry walletcore.TransactionEntry) (walletcore.EntryID, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return appendEntry(ctx, s.db, entry)
}

func appendEntry(ctx context.Context, ex execer, entry walletcore.TransactionEntry) (walletcore.EntryID, error) {
	if !entry.ValidateSignType() {
		return 0, &walletcore.ValidationError{Field: "amount", Message: "sign does not agree with entry type"}
	}
	g, err := getGroup(ctx, ex, entry.GroupID)
	if err != nil {
		return 0, err
	}
	if g.Status != walletcore.GroupInProgress {
		return 0, walletcore.ErrGroupNotOpen
	}

	res, err := ex.ExecContext(ctx,
		`INSERT INTO "transaction"
			(wallet_id, group_id, type, status, amount, hold_ts, finalize_ts, description, is_ledger_entry, snapshot_date, correlation_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.WalletID), string(entry.GroupID), string(entry.Type), string(entry.Status), entry.Amount,
		timePtr(entry.HoldTimestamp), timePtr(entry.FinalizeTimestamp), nullString(entry.Description),
		boolToInt(entry.IsLedgerEntry), timePtr(entry.SnapshotDate), nullString(entry.CorrelationKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, walletcore.ErrDuplicateIdempotencyKey
		}
		return 0, walletcore.ErrTransient
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, walletcore.ErrTransient
	}
	metrics.RecordAppend(string(entry.Type), string(entry.Status))
	return walletcore.EntryID(id), nil
}

func (s *Store) AppendBatch(ctx context.Context, entries []walletcore.TransactionEntry) ([]walletcore.EntryID, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return appendBatch(ctx, s.db, entries)
}

func appendBatch(ctx context.Context, ex execer, entries []walletcore.TransactionEntry) ([]walletcore.EntryID, error) {
	ids := make([]walletcore.EntryID, 0, len(entries))
	for _, e := range entries {
		id, err := appendEntry(ctx, ex, e)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

const entryColumns = `id, wallet_id, group_id, type, status, amount, hold_ts, finalize_ts, description, is_ledger_entry, snapshot_date, correlation_key`

func scanEntry(rows *sql.Rows, tier walletcore.Tier) (walletcore.TransactionEntry, error) {
	var e walletcore.TransactionEntry
	var holdTS, finalizeTS, desc, snapDate, corrKey sql.NullString
	var isLedger int
	if err := rows.Scan((*int64)(&e.ID), (*string)(&e.WalletID), (*string)(&e.GroupID), (*string)(&e.Type),
		(*string)(&e.Status), &e.Amount, &holdTS, &finalizeTS, &desc, &isLedger, &snapDate, &corrKey); err != nil {
		return walletcore.TransactionEntry{}, err
	}
	if holdTS.Valid {
		e.HoldTimestamp, _ = time.Parse(time.RFC3339Nano, holdTS.String)
	}
	if finalizeTS.Valid {
		e.FinalizeTimestamp, _ = time.Parse(time.RFC3339Nano, finalizeTS.String)
	}
	if snapDate.Valid {
		e.SnapshotDate, _ = time.Parse(time.RFC3339Nano, snapDate.String)
	}
	e.Description = desc.String
	e.CorrelationKey = corrKey.String
	e.IsLedgerEntry = isLedger != 0
	e.Tier = tier
	return e, nil
}

func (s *Store) EntriesOfGroup(ctx context.Context, id walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return entriesOfGroup(ctx, s.db, id)
}

func entriesOfGroup(ctx context.Context, ex execer, id walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	var out []walletcore.TransactionEntry
	for table, tier := range map[string]walletcore.Tier{
		`"transaction"`:                walletcore.TierActive,
		"transaction_snapshot":         walletcore.TierSnapshot,
		"transaction_snapshot_archive": walletcore.TierArchive,
	} {
		rows, err := ex.QueryContext(ctx, `SELECT `+entryColumns+` FROM `+table+` WHERE group_id = ?`, string(id))
		if err != nil {
			return nil, walletcore.ErrTransient
		}
		for rows.Next() {
			e, err := scanEntry(rows, tier)
			if err != nil {
				rows.Close()
				return nil, walletcore.ErrTransient
			}
			out = append(out, e)
		}
		rows.Close()
	}
	sortEntriesByID(out)
	return out, nil
}

func sortEntriesByID(entries []walletcore.TransactionEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].ID > entries[j].ID; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

func (s *Store) EntriesOfWallet(ctx context.Context, walletID walletcore.WalletID, filter journal.EntryFilter) ([]walletcore.TransactionEntry, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return entriesOfWallet(ctx, s.db, walletID, filter)
}

func entriesOfWallet(ctx context.Context, ex execer, walletID walletcore.WalletID, filter journal.EntryFilter) ([]walletcore.TransactionEntry, error) {
	var out []walletcore.TransactionEntry
	for table, tier := range map[string]walletcore.Tier{
		`"transaction"`:        walletcore.TierActive,
		"transaction_snapshot": walletcore.TierSnapshot,
	} {
		q := `SELECT ` + entryColumns + ` FROM ` + table + ` WHERE wallet_id = ?`
		args := []any{string(walletID)}
		if filter.Status != "" {
			q += ` AND status = ?`
			args = append(args, string(filter.Status))
		}
		if filter.Type != "" {
			q += ` AND type = ?`
			args = append(args, string(filter.Type))
		}
		if filter.AfterID != 0 {
			q += ` AND id > ?`
			args = append(args, int64(filter.AfterID))
		}
		rows, err := ex.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, walletcore.ErrTransient
		}
		for rows.Next() {
			e, err := scanEntry(rows, tier)
			if err != nil {
				rows.Close()
				return nil, walletcore.ErrTransient
			}
			out = append(out, e)
		}
		rows.Close()
	}
	sortEntriesByID(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) OpenHoldEntry(ctx context.Context, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return openHoldEntry(ctx, s.db, walletID, groupID)
}

func openHoldEntry(ctx context.Context, ex execer, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM "transaction" WHERE wallet_id = ? AND group_id = ? AND status = 'HOLD'`,
		string(walletID), string(groupID))
	if err != nil {
		return walletcore.TransactionEntry{}, walletcore.ErrTransient
	}
	defer rows.Close()

	var found *walletcore.TransactionEntry
	for rows.Next() {
		e, err := scanEntry(rows, walletcore.TierActive)
		if err != nil {
			return walletcore.TransactionEntry{}, walletcore.ErrTransient
		}
		if found != nil {
			return walletcore.TransactionEntry{}, &walletcore.ValidationError{Field: "hold", Message: "more than one open hold for wallet+group"}
		}
		e := e
		found = &e
	}
	if found == nil {
		return walletcore.TransactionEntry{}, &walletcore.ValidationError{Field: "hold", Message: "no open hold for wallet+group"}
	}
	return *found, nil
}

// =============================================================================
// LOCKS
// =============================================================================

func (s *Store) lockFor(id walletcore.WalletID) *sync.Mutex {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	l, ok := s.walletLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.walletLocks[id] = l
	}
	return l
}

func (s *Store) LockWallet(_ context.Context, walletID walletcore.WalletID) (func(), error) {
	l := s.lockFor(walletID)
	l.Lock()
	return l.Unlock, nil
}

func (s *Store) groupLockFor(id walletcore.GroupID) *sync.Mutex {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	l, ok := s.groupLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.groupLocks[id] = l
	}
	return l
}

func (s *Store) LockGroup(_ context.Context, groupID walletcore.GroupID) (func(), error) {
	l := s.groupLockFor(groupID)
	l.Lock()
	return l.Unlock, nil
}

// =============================================================================
// PIPELINE MIGRATION (the sole sanctioned DELETE path)
// =============================================================================

func armPipelineEscape(ctx context.Context, ex execer) error {
	_, err := ex.ExecContext(ctx, `UPDATE pipeline_escape SET armed = 1 WHERE tick = 1`)
	return err
}

func disarmPipelineEscape(ctx context.Context, ex execer) error {
	_, err := ex.ExecContext(ctx, `UPDATE pipeline_escape SET armed = 0 WHERE tick = 1`)
	return err
}

func (s *Store) MoveActiveToSnapshot(ctx context.Context, walletID walletcore.WalletID, now time.Time) (int, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, walletcore.ErrTransient
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM "transaction" t
		 WHERE t.wallet_id = ? AND t.group_id IN (
			SELECT id FROM transaction_group WHERE status != 'IN_PROGRESS'
		 )`, string(walletID))
	if err != nil {
		return 0, walletcore.ErrTransient
	}
	var selected []walletcore.TransactionEntry
	for rows.Next() {
		e, err := scanEntry(rows, walletcore.TierActive)
		if err != nil {
			rows.Close()
			return 0, walletcore.ErrTransient
		}
		selected = append(selected, e)
	}
	rows.Close()

	if len(selected) == 0 {
		return 0, tx.Commit()
	}

	written := 0
	for _, e := range selected {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_snapshot (id, wallet_id, group_id, type, status, amount, hold_ts, finalize_ts, description, is_ledger_entry, snapshot_date, correlation_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			int64(e.ID), string(e.WalletID), string(e.GroupID), string(e.Type), string(e.Status), e.Amount,
			timePtr(e.HoldTimestamp), timePtr(e.FinalizeTimestamp), nullString(e.Description),
			now.Format(time.RFC3339Nano), nullString(e.CorrelationKey),
		)
		if err != nil {
			return 0, walletcore.ErrTransient
		}
		written++
	}

	if written != len(selected) {
		return 0, &walletcore.IntegrityError{WalletID: walletID, Step: "snapshot", Expected: len(selected), Actual: written}
	}

	if err := armPipelineEscape(ctx, tx); err != nil {
		return 0, walletcore.ErrTransient
	}
	ids := make([]any, len(selected))
	placeholders := make([]string, len(selected))
	for i, e := range selected {
		ids[i] = int64(e.ID)
		placeholders[i] = "?"
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM "transaction" WHERE id IN (`+strings.Join(placeholders, ",")+`)`, ids...)
	if err != nil {
		return 0, walletcore.ErrTransient
	}
	if err := disarmPipelineEscape(ctx, tx); err != nil {
		return 0, walletcore.ErrTransient
	}

	if err := tx.Commit(); err != nil {
		return 0, walletcore.ErrTransient
	}
	return written, nil
}

func (s *Store) ConsolidateSnapshot(ctx context.Context, walletID walletcore.WalletID, cutoff, now time.Time) (int, walletcore.EntryID, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM transaction_snapshot
		 WHERE wallet_id = ? AND is_ledger_entry = 0 AND status = 'SETTLED' AND snapshot_date < ?`,
		string(walletID), cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	var selected []walletcore.TransactionEntry
	var cumulative int64
	groupSet := map[walletcore.GroupID]bool{}
	for rows.Next() {
		e, err := scanEntry(rows, walletcore.TierSnapshot)
		if err != nil {
			rows.Close()
			return 0, 0, walletcore.ErrTransient
		}
		selected = append(selected, e)
		cumulative += e.Amount
		groupSet[e.GroupID] = true
	}
	rows.Close()

	if cumulative == 0 && len(selected) == 0 {
		return 0, 0, tx.Commit()
	}

	archived := 0
	for _, e := range selected {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_snapshot_archive (id, wallet_id, group_id, type, status, amount, hold_ts, finalize_ts, description, is_ledger_entry, snapshot_date, correlation_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(e.ID), string(e.WalletID), string(e.GroupID), string(e.Type), string(e.Status), e.Amount,
			timePtr(e.HoldTimestamp), timePtr(e.FinalizeTimestamp), nullString(e.Description),
			boolToInt(e.IsLedgerEntry), timePtr(e.SnapshotDate), nullString(e.CorrelationKey),
		)
		if err != nil {
			return 0, 0, walletcore.ErrTransient
		}
		archived++
	}
	if archived != len(selected) {
		return 0, 0, &walletcore.IntegrityError{WalletID: walletID, Step: "archive", Expected: len(selected), Actual: archived}
	}

	checkpointGroupID := "checkpoint:" + string(walletID)
	if _, err := getGroup(ctx, tx, walletcore.GroupID(checkpointGroupID)); err == walletcore.ErrGroupNotFound {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_group (id, status, created_at) VALUES (?, 'SETTLED', ?)`,
			checkpointGroupID, now.Format(time.RFC3339Nano)); err != nil {
			return 0, 0, walletcore.ErrTransient
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO transaction_snapshot (wallet_id, group_id, type, status, amount, finalize_ts, description, is_ledger_entry, snapshot_date)
		 VALUES (?, ?, 'LEDGER', 'SETTLED', ?, ?, 'ledger checkpoint', 1, ?)`,
		string(walletID), checkpointGroupID, cumulative, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	checkpointID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}

	for gid := range groupSet {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_checkpoint_link (checkpoint_entry_id, group_id) VALUES (?, ?)`,
			checkpointID, string(gid)); err != nil {
			return 0, 0, walletcore.ErrTransient
		}
	}

	if err := armPipelineEscape(ctx, tx); err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	ids := make([]any, len(selected))
	placeholders := make([]string, len(selected))
	for i, e := range selected {
		ids[i] = int64(e.ID)
		placeholders[i] = "?"
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM transaction_snapshot WHERE id IN (`+strings.Join(placeholders, ",")+`)`, ids...)
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	if err := disarmPipelineEscape(ctx, tx); err != nil {
		return 0, 0, walletcore.ErrTransient
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	return archived, walletcore.EntryID(checkpointID), nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (s *Store) ReconciliationSum(ctx context.Context) (int64, map[walletcore.EntryStatus]int64, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	perStatus := make(map[walletcore.EntryStatus]int64)
	var total int64
	for _, table := range []string{`"transaction"`, "transaction_snapshot", "transaction_snapshot_archive"} {
		rows, err := s.db.QueryContext(ctx, `SELECT status, SUM(amount) FROM `+table+` GROUP BY status`)
		if err != nil {
			return 0, nil, walletcore.ErrTransient
		}
		for rows.Next() {
			var status string
			var sum int64
			if err := rows.Scan(&status, &sum); err != nil {
				rows.Close()
				return 0, nil, walletcore.ErrTransient
			}
			perStatus[walletcore.EntryStatus(status)] += sum
			total += sum
		}
		rows.Close()
	}
	return total, perStatus, nil
}

// Reset clears all state. Test/dev use only.
func (s *Store) Reset(ctx context.Context) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if err := armPipelineEscape(ctx, s.db); err != nil {
		return walletcore.ErrTransient
	}
	defer disarmPipelineEscape(ctx, s.db)
	for _, table := range []string{"ledger_checkpoint_link", "transaction_snapshot_archive", "transaction_snapshot", `"transaction"`, "transaction_group", "wallet"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return walletcore.ErrTransient
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(journal.Store) error) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return walletcore.ErrTransient
	}
	defer sqlTx.Rollback()

	view := &txStore{tx: sqlTx, parent: s}
	if err := fn(view); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return walletcore.ErrTransient
	}
	return nil
}

// txStore binds every journal.Store method to a single *sql.Tx, so a
// coordinator-level WithTx call makes several appends plus the group's
// terminal transition atomic.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (t *txStore) Append(ctx context.Context, e walletcore.TransactionEntry) (walletcore.EntryID, error) {
	return appendEntry(ctx, t.tx, e)
}
func (t *txStore) AppendBatch(ctx context.Context, es []walletcore.TransactionEntry) ([]walletcore.EntryID, error) {
	return appendBatch(ctx, t.tx, es)
}
func (t *txStore) CreateGroup(ctx context.Context, key string) (walletcore.TransactionGroup, error) {
	return createGroup(ctx, t.tx, key)
}
func (t *txStore) GetGroup(ctx context.Context, id walletcore.GroupID) (walletcore.TransactionGroup, error) {
	return getGroup(ctx, t.tx, id)
}
func (t *txStore) SetGroupCurrency(ctx context.Context, id walletcore.GroupID, currency string) error {
	return setGroupCurrency(ctx, t.tx, id, currency)
}
func (t *txStore) SetGroupTerminal(ctx context.Context, id walletcore.GroupID, status walletcore.GroupStatus, reason string) error {
	return setGroupTerminal(ctx, t.tx, id, status, reason)
}
func (t *txStore) EntriesOfGroup(ctx context.Context, id walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	return entriesOfGroup(ctx, t.tx, id)
}
func (t *txStore) EntriesOfWallet(ctx context.Context, walletID walletcore.WalletID, filter journal.EntryFilter) ([]walletcore.TransactionEntry, error) {
	return entriesOfWallet(ctx, t.tx, walletID, filter)
}
func (t *txStore) OpenHoldEntry(ctx context.Context, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error) {
	return openHoldEntry(ctx, t.tx, walletID, groupID)
}
func (t *txStore) WalletExists(ctx context.Context, walletID walletcore.WalletID) (bool, error) {
	return walletExists(ctx, t.tx, walletID)
}
func (t *txStore) GetWallet(ctx context.Context, walletID walletcore.WalletID) (walletcore.Wallet, error) {
	return getWallet(ctx, t.tx, walletID)
}
func (t *txStore) LockWallet(ctx context.Context, walletID walletcore.WalletID) (func(), error) {
	return t.parent.LockWallet(ctx, walletID)
}
func (t *txStore) LockGroup(ctx context.Context, groupID walletcore.GroupID) (func(), error) {
	return t.parent.LockGroup(ctx, groupID)
}
func (t *txStore) MoveActiveToSnapshot(ctx context.Context, walletID walletcore.WalletID, now time.Time) (int, error) {
	return 0, fmt.Errorf("MoveActiveToSnapshot must not run inside an enclosing transaction")
}
func (t *txStore) ConsolidateSnapshot(ctx context.Context, walletID walletcore.WalletID, cutoff, now time.Time) (int, walletcore.EntryID, error) {
	return 0, 0, fmt.Errorf("ConsolidateSnapshot must not run inside an enclosing transaction")
}
func (t *txStore) ReconciliationSum(ctx context.Context) (int64, map[walletcore.EntryStatus]int64, error) {
	perStatus := make(map[walletcore.EntryStatus]int64)
	var total int64
	for _, table := range []string{`"transaction"`, "transaction_snapshot", "transaction_snapshot_archive"} {
		rows, err := t.tx.QueryContext(ctx, `SELECT status, SUM(amount) FROM `+table+` GROUP BY status`)
		if err != nil {
			return 0, nil, walletcore.ErrTransient
		}
		for rows.Next() {
			var status string
			var sum int64
			if err := rows.Scan(&status, &sum); err != nil {
				rows.Close()
				return 0, nil, walletcore.ErrTransient
			}
			perStatus[walletcore.EntryStatus(status)] += sum
			total += sum
		}
		rows.Close()
	}
	return total, perStatus, nil
}
func (t *txStore) Reset(ctx context.Context) error {
	return fmt.Errorf("Reset must not run inside an enclosing transaction")
}

var _ journal.TxStore = (*Store)(nil)

// =============================================================================
// SCAN HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
