/*
Package postgres is the production backend for the Journal Store (C1): a
jackc/pgx/v5-backed implementation of journal.TxStore, holding the same
records as internal/store/sqlite (in one transaction_entry table with a
tier column rather than three tier tables) but using Postgres's concurrency control
instead of sqlite's coarse single-writer approximation (SPEC addendum on
concurrency, §5).

ROW LOCKING:
  Pessimistic wallet/group locks (LockWallet/LockGroup) are PostgreSQL
  session-level advisory locks (pg_advisory_lock/pg_advisory_unlock) taken
  on a connection checked out of the pool for the lock's lifetime, keyed
  by hashtext(id). Advisory locks are used rather than `SELECT ... FOR
  UPDATE` because the journal.Store contract acquires a lock and releases
  it later via a returned closure, potentially spanning more than one
  statement and more than one transaction (the Coordinator's
  hold-then-later-finalize flow) - a span a single row-level FOR UPDATE
  lock, scoped to one transaction, cannot express. See
  other_examples' community-bank-platform core-ledger store.go for the
  sibling pattern of a transaction-scoped pg_advisory_xact_lock guarding
  an idempotency window; this package generalizes it to a
  connection-scoped lock because the hold here outlives a single tx.

IMMUTABILITY:
  Enforced with BEFORE UPDATE/DELETE trigger functions mirroring the
  sqlite triggers' pipeline_escape control table, written in PL/pgSQL.

SEE ALSO:
  - internal/store/sqlite: the development backend.
  - internal/journal: the Store/TxStore contracts implemented here.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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
	created_at TIMESTAMPTZ NOT NULL,
	finalized_at TIMESTAMPTZ,
	reason TEXT,
	idempotency_key TEXT UNIQUE,
	merchant_ref TEXT,
	buyer_ref TEXT
);

CREATE OR REPLACE FUNCTION trg_group_no_reopen_fn() RETURNS trigger AS $$
BEGIN
	IF OLD.status != 'IN_PROGRESS' THEN
		RAISE EXCEPTION 'transaction_group % is terminal and immutable', OLD.id;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_group_no_reopen ON transaction_group;
CREATE TRIGGER trg_group_no_reopen BEFORE UPDATE ON transaction_group
	FOR EACH ROW EXECUTE FUNCTION trg_group_no_reopen_fn();

CREATE OR REPLACE FUNCTION trg_group_no_delete_fn() RETURNS trigger AS $$
BEGIN
	IF NOT (SELECT armed FROM pipeline_escape WHERE tick = 1) THEN
		RAISE EXCEPTION 'transaction_group rows are never deleted';
	END IF;
	RETURN OLD;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_group_no_delete ON transaction_group;
CREATE TRIGGER trg_group_no_delete BEFORE DELETE ON transaction_group
	FOR EACH ROW EXECUTE FUNCTION trg_group_no_delete_fn();

CREATE TABLE IF NOT EXISTS pipeline_escape (
	tick INTEGER PRIMARY KEY CHECK (tick = 1),
	armed BOOLEAN NOT NULL DEFAULT false
);
INSERT INTO pipeline_escape (tick, armed) VALUES (1, false) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS transaction_entry (
	id BIGSERIAL PRIMARY KEY,
	tier TEXT NOT NULL DEFAULT 'active',
	wallet_id TEXT NOT NULL,
	group_id TEXT NOT NULL REFERENCES transaction_group(id),
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	amount BIGINT NOT NULL,
	hold_ts TIMESTAMPTZ,
	finalize_ts TIMESTAMPTZ,
	description TEXT,
	is_ledger_entry BOOLEAN NOT NULL DEFAULT false,
	snapshot_date TIMESTAMPTZ,
	correlation_key TEXT
);

CREATE INDEX IF NOT EXISTS idx_entry_group ON transaction_entry(group_id);
CREATE INDEX IF NOT EXISTS idx_entry_wallet_status ON transaction_entry(wallet_id, status, tier);
CREATE INDEX IF NOT EXISTS idx_entry_finalize_ts ON transaction_entry(finalize_ts);
CREATE INDEX IF NOT EXISTS idx_entry_wallet_snapshot_date ON transaction_entry(wallet_id, snapshot_date) WHERE tier = 'snapshot';
CREATE UNIQUE INDEX IF NOT EXISTS idx_entry_correlation ON transaction_entry(correlation_key) WHERE correlation_key IS NOT NULL;

CREATE OR REPLACE FUNCTION trg_entry_no_update_fn() RETURNS trigger AS $$
BEGIN
	IF NEW.tier != OLD.tier THEN
		-- Pipeline migration moves a row between tiers in place; every
		-- other column must be byte-identical to the original.
		IF NEW.wallet_id != OLD.wallet_id OR NEW.group_id != OLD.group_id OR NEW.type != OLD.type
			OR NEW.status != OLD.status OR NEW.amount != OLD.amount THEN
			RAISE EXCEPTION 'transaction_entry % content changed during tier migration', OLD.id;
		END IF;
		IF NOT (SELECT armed FROM pipeline_escape WHERE tick = 1) THEN
			RAISE EXCEPTION 'tier migration forbidden outside pipeline_escape window';
		END IF;
		RETURN NEW;
	END IF;
	RAISE EXCEPTION 'transaction_entry rows are append-only: UPDATE forbidden';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_entry_no_update ON transaction_entry;
CREATE TRIGGER trg_entry_no_update BEFORE UPDATE ON transaction_entry
	FOR EACH ROW EXECUTE FUNCTION trg_entry_no_update_fn();

CREATE OR REPLACE FUNCTION trg_entry_no_delete_fn() RETURNS trigger AS $$
BEGIN
	IF NOT (SELECT armed FROM pipeline_escape WHERE tick = 1) THEN
		RAISE EXCEPTION 'transaction_entry rows are append-only: DELETE forbidden outside pipeline migration';
	END IF;
	RETURN OLD;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_entry_no_delete ON transaction_entry;
CREATE TRIGGER trg_entry_no_delete BEFORE DELETE ON transaction_entry
	FOR EACH ROW EXECUTE FUNCTION trg_entry_no_delete_fn();

CREATE TABLE IF NOT EXISTS ledger_checkpoint_link (
	checkpoint_entry_id BIGINT NOT NULL,
	group_id TEXT NOT NULL,
	PRIMARY KEY (checkpoint_entry_id, group_id)
);
`

// Store implements journal.TxStore over PostgreSQL via pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) RegisterWallet(ctx context.Context, w walletcore.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallet (id, kind, currency, owner_id, description) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, currency = excluded.currency,
			owner_id = excluded.owner_id, description = excluded.description`,
		string(w.ID), string(w.Kind), w.Currency, nullString(w.OwnerID), nullString(w.Description))
	return err
}

// =============================================================================
// executor abstraction - shared by *pgxpool.Pool and pgx.Tx call sites
// =============================================================================

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) WalletExists(ctx context.Context, walletID walletcore.WalletID) (bool, error) {
	return walletExists(ctx, s.pool, walletID)
}

func walletExists(ctx context.Context, ex execer, walletID walletcore.WalletID) (bool, error) {
	var one int
	err := ex.QueryRow(ctx, `SELECT 1 FROM wallet WHERE id = $1`, string(walletID)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, walletcore.ErrTransient
	}
	return true, nil
}

func (s *Store) GetWallet(ctx context.Context, walletID walletcore.WalletID) (walletcore.Wallet, error) {
	return getWallet(ctx, s.pool, walletID)
}

func getWallet(ctx context.Context, ex execer, walletID walletcore.WalletID) (walletcore.Wallet, error) {
	var w walletcore.Wallet
	var owner, desc *string
	err := ex.QueryRow(ctx,
		`SELECT id, kind, currency, owner_id, description FROM wallet WHERE id = $1`, string(walletID),
	).Scan((*string)(&w.ID), (*string)(&w.Kind), &w.Currency, &owner, &desc)
	if errors.Is(err, pgx.ErrNoRows) {
		return walletcore.Wallet{}, walletcore.ErrWalletNotFound
	}
	if err != nil {
		return walletcore.Wallet{}, walletcore.ErrTransient
	}
	if owner != nil {
		w.OwnerID = *owner
	}
	if desc != nil {
		w.Description = *desc
	}
	return w, nil
}

// ListWalletIDs implements internal/pipeline.WalletLister.
func (s *Store) ListWalletIDs(ctx context.Context) ([]walletcore.WalletID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM wallet`)
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
	return createGroup(ctx, s.pool, idempotencyKey)
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
	_, err := ex.Exec(ctx,
		`INSERT INTO transaction_group (id, status, created_at, idempotency_key) VALUES ($1, $2, $3, $4)`,
		string(g.ID), string(g.Status), g.CreatedAt, nullString(idempotencyKey))
	if err != nil {
		if isUniqueViolation(err) && idempotencyKey != "" {
			return getGroupByKey(ctx, ex, idempotencyKey)
		}
		return walletcore.TransactionGroup{}, walletcore.ErrTransient
	}
	return g, nil
}

func getGroupByKey(ctx context.Context, ex execer, key string) (walletcore.TransactionGroup, error) {
	return scanGroup(ex.QueryRow(ctx, groupSelect+` WHERE idempotency_key = $1`, key))
}

const groupSelect = `SELECT id, status, currency, created_at, finalized_at, reason, idempotency_key, merchant_ref, buyer_ref FROM transaction_group`

func scanGroup(row pgx.Row) (walletcore.TransactionGroup, error) {
	var g walletcore.TransactionGroup
	var currency, reason, key, merchant, buyer *string
	var finalizedAt *time.Time
	err := row.Scan((*string)(&g.ID), (*string)(&g.Status), &currency, &g.CreatedAt, &finalizedAt, &reason, &key, &merchant, &buyer)
	if errors.Is(err, pgx.ErrNoRows) {
		return walletcore.TransactionGroup{}, walletcore.ErrGroupNotFound
	}
	if err != nil {
		return walletcore.TransactionGroup{}, walletcore.ErrTransient
	}
	if currency != nil {
		g.Currency = *currency
	}
	if finalizedAt != nil {
		g.FinalizedAt = *finalizedAt
	}
	if reason != nil {
		g.Reason = *reason
	}
	if key != nil {
		g.IdempotencyKey = *key
	}
	if merchant != nil {
		g.MerchantRef = *merchant
	}
	if buyer != nil {
		g.BuyerRef = *buyer
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id walletcore.GroupID) (walletcore.TransactionGroup, error) {
	return getGroup(ctx, s.pool, id)
}

func getGroup(ctx context.Context, ex execer, id walletcore.GroupID) (walletcore.TransactionGroup, error) {
	return scanGroup(ex.QueryRow(ctx, groupSelect+` WHERE id = $1`, string(id)))
}

func (s *Store) SetGroupCurrency(ctx context.Context, id walletcore.GroupID, currency string) error {
	return setGroupCurrency(ctx, s.pool, id, currency)
}

func setGroupCurrency(ctx context.Context, ex execer, id walletcore.GroupID, currency string) error {
	g, err := getGroup(ctx, ex, id)
	if err != nil {
		return err
	}
	if g.Currency == "" {
		if _, err := ex.Exec(ctx, `UPDATE transaction_group SET currency = $1 WHERE id = $2`, currency, string(id)); err != nil {
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
	return setGroupTerminal(ctx, s.pool, id, status, reason)
}

func setGroupTerminal(ctx context.Context, ex execer, id walletcore.GroupID, status walletcore.GroupStatus, reason string) error {
	g, err := getGroup(ctx, ex, id)
	if err != nil {
		return err
	}
	if g.Status.IsTerminal() {
		return &walletcore.StateError{GroupID: id, From: g.Status, Attempt: string(status)}
	}
	tag, err := ex.Exec(ctx,
		`UPDATE transaction_group SET status = $1, reason = $2, finalized_at = $3 WHERE id = $4 AND status = 'IN_PROGRESS'`,
		string(status), nullString(reason), time.Now().UTC(), string(id))
	if err != nil {
		return walletcore.ErrTransient
	}
	if tag.RowsAffected() == 0 {
		return &walletcore.StateError{GroupID: id, From: g.Status, Attempt: string(status)}
	}
	metrics.RecordGroupTransition(string(status))
	return nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) Append(ctx context.Context, entry walletcore.TransactionEntry) (walletcore.EntryID, error) {
	return appendEntry(ctx, s.pool, entry)
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

	var id int64
	err = ex.QueryRow(ctx,
		`INSERT INTO transaction_entry
			(tier, wallet_id, group_id, type, status, amount, hold_ts, finalize_ts, description, is_ledger_entry, snapshot_date, correlation_key)
		 VALUES ('active', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		string(entry.WalletID), string(entry.GroupID), string(entry.Type), string(entry.Status), entry.Amount,
		timePtr(entry.HoldTimestamp), timePtr(entry.FinalizeTimestamp), nullString(entry.Description),
		entry.IsLedgerEntry, timePtr(entry.SnapshotDate), nullString(entry.CorrelationKey),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, walletcore.ErrDuplicateIdempotencyKey
		}
		return 0, walletcore.ErrTransient
	}
	metrics.RecordAppend(string(entry.Type), string(entry.Status))
	return walletcore.EntryID(id), nil
}

func (s *Store) AppendBatch(ctx context.Context, entries []walletcore.TransactionEntry) ([]walletcore.EntryID, error) {
	return appendBatch(ctx, s.pool, entries)
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

func scanEntry(rows pgx.Rows, tier walletcore.Tier) (walletcore.TransactionEntry, error) {
	var e walletcore.TransactionEntry
	var holdTS, finalizeTS, snapDate *time.Time
	var desc, corrKey *string
	if err := rows.Scan((*int64)(&e.ID), (*string)(&e.WalletID), (*string)(&e.GroupID), (*string)(&e.Type),
		(*string)(&e.Status), &e.Amount, &holdTS, &finalizeTS, &desc, &e.IsLedgerEntry, &snapDate, &corrKey); err != nil {
		return walletcore.TransactionEntry{}, err
	}
	if holdTS != nil {
		e.HoldTimestamp = *holdTS
	}
	if finalizeTS != nil {
		e.FinalizeTimestamp = *finalizeTS
	}
	if snapDate != nil {
		e.SnapshotDate = *snapDate
	}
	if desc != nil {
		e.Description = *desc
	}
	if corrKey != nil {
		e.CorrelationKey = *corrKey
	}
	e.Tier = tier
	return e, nil
}

func (s *Store) EntriesOfGroup(ctx context.Context, id walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	return entriesOfGroup(ctx, s.pool, id)
}

func entriesOfGroup(ctx context.Context, ex execer, id walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	rows, err := ex.Query(ctx, `SELECT `+entryColumns+`, tier FROM transaction_entry WHERE group_id = $1 ORDER BY id`, string(id))
	if err != nil {
		return nil, walletcore.ErrTransient
	}
	defer rows.Close()

	var out []walletcore.TransactionEntry
	for rows.Next() {
		e, tier, err := scanEntryWithTier(rows)
		if err != nil {
			return nil, walletcore.ErrTransient
		}
		e.Tier = tier
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntryWithTier(rows pgx.Rows) (walletcore.TransactionEntry, walletcore.Tier, error) {
	var e walletcore.TransactionEntry
	var holdTS, finalizeTS, snapDate *time.Time
	var desc, corrKey *string
	var tier string
	if err := rows.Scan((*int64)(&e.ID), (*string)(&e.WalletID), (*string)(&e.GroupID), (*string)(&e.Type),
		(*string)(&e.Status), &e.Amount, &holdTS, &finalizeTS, &desc, &e.IsLedgerEntry, &snapDate, &corrKey, &tier); err != nil {
		return walletcore.TransactionEntry{}, "", err
	}
	if holdTS != nil {
		e.HoldTimestamp = *holdTS
	}
	if finalizeTS != nil {
		e.FinalizeTimestamp = *finalizeTS
	}
	if snapDate != nil {
		e.SnapshotDate = *snapDate
	}
	if desc != nil {
		e.Description = *desc
	}
	if corrKey != nil {
		e.CorrelationKey = *corrKey
	}
	return e, walletcore.Tier(tier), nil
}

func (s *Store) EntriesOfWallet(ctx context.Context, walletID walletcore.WalletID, filter journal.EntryFilter) ([]walletcore.TransactionEntry, error) {
	return entriesOfWallet(ctx, s.pool, walletID, filter)
}

func entriesOfWallet(ctx context.Context, ex execer, walletID walletcore.WalletID, filter journal.EntryFilter) ([]walletcore.TransactionEntry, error) {
	q := `SELECT ` + entryColumns + `, tier FROM transaction_entry WHERE wallet_id = $1 AND tier != 'archive'`
	args := []any{string(walletID)}
	n := 2
	if filter.Status != "" {
		q += fmt.Sprintf(` AND status = $%d`, n)
		args = append(args, string(filter.Status))
		n++
	}
	if filter.Type != "" {
		q += fmt.Sprintf(` AND type = $%d`, n)
		args = append(args, string(filter.Type))
		n++
	}
	if filter.AfterID != 0 {
		q += fmt.Sprintf(` AND id > $%d`, n)
		args = append(args, int64(filter.AfterID))
		n++
	}
	q += ` ORDER BY id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, n)
		args = append(args, filter.Limit)
	}

	rows, err := ex.Query(ctx, q, args...)
	if err != nil {
		return nil, walletcore.ErrTransient
	}
	defer rows.Close()

	var out []walletcore.TransactionEntry
	for rows.Next() {
		e, tier, err := scanEntryWithTier(rows)
		if err != nil {
			return nil, walletcore.ErrTransient
		}
		e.Tier = tier
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) OpenHoldEntry(ctx context.Context, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error) {
	return openHoldEntry(ctx, s.pool, walletID, groupID)
}

func openHoldEntry(ctx context.Context, ex execer, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error) {
	rows, err := ex.Query(ctx,
		`SELECT `+entryColumns+` FROM transaction_entry WHERE wallet_id = $1 AND group_id = $2 AND status = 'HOLD' AND tier = 'active'`,
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
// LOCKS - session-scoped Postgres advisory locks
// =============================================================================

func advisoryKey(prefix string, id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(prefix))
	h.Write([]byte(id))
	return int64(h.Sum64())
}

func (s *Store) LockWallet(ctx context.Context, walletID walletcore.WalletID) (func(), error) {
	return s.acquireAdvisoryLock(ctx, advisoryKey("wallet:", string(walletID)))
}

func (s *Store) LockGroup(ctx context.Context, groupID walletcore.GroupID) (func(), error) {
	return s.acquireAdvisoryLock(ctx, advisoryKey("group:", string(groupID)))
}

func (s *Store) acquireAdvisoryLock(ctx context.Context, key int64) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, walletcore.ErrTransient
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, walletcore.ErrTransient
	}
	return func() {
		conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, nil
}

// =============================================================================
// PIPELINE MIGRATION
// =============================================================================

func (s *Store) MoveActiveToSnapshot(ctx context.Context, walletID walletcore.WalletID, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, walletcore.ErrTransient
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id FROM transaction_entry
		 WHERE wallet_id = $1 AND tier = 'active' AND group_id IN (
			SELECT id FROM transaction_group WHERE status != 'IN_PROGRESS'
		 )`, string(walletID))
	if err != nil {
		return 0, walletcore.ErrTransient
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, walletcore.ErrTransient
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE pipeline_escape SET armed = true WHERE tick = 1`); err != nil {
		return 0, walletcore.ErrTransient
	}
	tag, err := tx.Exec(ctx,
		`UPDATE transaction_entry SET tier = 'snapshot', snapshot_date = $1 WHERE id = ANY($2)`,
		now, ids)
	if err != nil {
		return 0, walletcore.ErrTransient
	}
	if _, err := tx.Exec(ctx, `UPDATE pipeline_escape SET armed = false WHERE tick = 1`); err != nil {
		return 0, walletcore.ErrTransient
	}

	moved := int(tag.RowsAffected())
	if moved != len(ids) {
		return 0, &walletcore.IntegrityError{WalletID: walletID, Step: "snapshot", Expected: len(ids), Actual: moved}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, walletcore.ErrTransient
	}
	return moved, nil
}

func (s *Store) ConsolidateSnapshot(ctx context.Context, walletID walletcore.WalletID, cutoff, now time.Time) (int, walletcore.EntryID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, group_id, amount FROM transaction_entry
		 WHERE wallet_id = $1 AND tier = 'snapshot' AND is_ledger_entry = false
		   AND status = 'SETTLED' AND snapshot_date < $2`,
		string(walletID), cutoff)
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	var ids []int64
	var cumulative int64
	groupSet := map[string]bool{}
	for rows.Next() {
		var id, amount int64
		var gid string
		if err := rows.Scan(&id, &gid, &amount); err != nil {
			rows.Close()
			return 0, 0, walletcore.ErrTransient
		}
		ids = append(ids, id)
		cumulative += amount
		groupSet[gid] = true
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, 0, tx.Commit(ctx)
	}

	checkpointGroupID := "checkpoint:" + string(walletID)
	if _, err := getGroup(ctx, tx, walletcore.GroupID(checkpointGroupID)); errors.Is(err, walletcore.ErrGroupNotFound) {
		if _, err := tx.Exec(ctx, `INSERT INTO transaction_group (id, status, created_at) VALUES ($1, 'SETTLED', $2)`,
			checkpointGroupID, now); err != nil {
			return 0, 0, walletcore.ErrTransient
		}
	}

	var checkpointID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO transaction_entry (tier, wallet_id, group_id, type, status, amount, finalize_ts, description, is_ledger_entry, snapshot_date)
		 VALUES ('snapshot', $1, $2, 'LEDGER', 'SETTLED', $3, $4, 'ledger checkpoint', true, $4) RETURNING id`,
		string(walletID), checkpointGroupID, cumulative, now,
	).Scan(&checkpointID)
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}

	for gid := range groupSet {
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_checkpoint_link (checkpoint_entry_id, group_id) VALUES ($1, $2)`,
			checkpointID, gid); err != nil {
			return 0, 0, walletcore.ErrTransient
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE pipeline_escape SET armed = true WHERE tick = 1`); err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	tag, err := tx.Exec(ctx, `UPDATE transaction_entry SET tier = 'archive' WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	if _, err := tx.Exec(ctx, `UPDATE pipeline_escape SET armed = false WHERE tick = 1`); err != nil {
		return 0, 0, walletcore.ErrTransient
	}

	archived := int(tag.RowsAffected())
	if archived != len(ids) {
		return 0, 0, &walletcore.IntegrityError{WalletID: walletID, Step: "archive", Expected: len(ids), Actual: archived}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, walletcore.ErrTransient
	}
	return archived, walletcore.EntryID(checkpointID), nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (s *Store) ReconciliationSum(ctx context.Context) (int64, map[walletcore.EntryStatus]int64, error) {
	return reconciliationSum(ctx, s.pool)
}

func reconciliationSum(ctx context.Context, ex execer) (int64, map[walletcore.EntryStatus]int64, error) {
	rows, err := ex.Query(ctx, `SELECT status, SUM(amount) FROM transaction_entry GROUP BY status`)
	if err != nil {
		return 0, nil, walletcore.ErrTransient
	}
	defer rows.Close()

	perStatus := make(map[walletcore.EntryStatus]int64)
	var total int64
	for rows.Next() {
		var status string
		var sum int64
		if err := rows.Scan(&status, &sum); err != nil {
			return 0, nil, walletcore.ErrTransient
		}
		perStatus[walletcore.EntryStatus(status)] = sum
		total += sum
	}
	return total, perStatus, rows.Err()
}

// Reset clears all state. Test/dev use only.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return walletcore.ErrTransient
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE pipeline_escape SET armed = true WHERE tick = 1`); err != nil {
		return walletcore.ErrTransient
	}
	for _, table := range []string{"ledger_checkpoint_link", "transaction_entry", "transaction_group", "wallet"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return walletcore.ErrTransient
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE pipeline_escape SET armed = false WHERE tick = 1`); err != nil {
		return walletcore.ErrTransient
	}
	return tx.Commit(ctx)
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(journal.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return walletcore.ErrTransient
	}
	defer tx.Rollback(ctx)

	view := &txStore{tx: tx, parent: s}
	if err := fn(view); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return walletcore.ErrTransient
	}
	return nil
}

type txStore struct {
	tx     pgx.Tx
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
	return reconciliationSum(ctx, t.tx)
}
func (t *txStore) Reset(ctx context.Context) error {
	return fmt.Errorf("Reset must not run inside an enclosing transaction")
}

var _ journal.TxStore = (*Store)(nil)

// =============================================================================
// HELPERS
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
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
