/*
Package journal defines the Journal Store (C1): the append-only,
three-tier (active, snapshot, archive) home of every TransactionEntry and
TransactionGroup, plus the LedgerCheckpointLink index.

APPEND-ONLY CONTRACT:
  - Append(): single entry write into the active tier.
  - SetGroupTerminal(): the one allowed group mutation.
  - MoveActiveToSnapshot / ConsolidateSnapshot: the pipeline's sanctioned,
    narrow migration path. No other Update or Delete exists on this
    interface.

IMMUTABILITY:
  Concrete implementations (internal/store/sqlite, internal/store/postgres)
  enforce immutability at the storage layer itself (a trigger or
  equivalent), not merely by omitting Update/Delete methods here - an
  engineering bug elsewhere in the program must still be incapable of
  corrupting history.

INDEXING OBLIGATIONS (on concrete stores):
  by groupId, by (walletId, status), by finalizeTimestamp, and by
  correlationKey where present.

FAILURE MODEL:
  Invariant violations surface as walletcore.ErrValidation; I/O faults as
  walletcore.ErrTransient (retryable); checksum/integrity failures as
  walletcore.ErrIntegrity (fatal, halts the operation).

SEE ALSO:
  - internal/walletcore: the entities and error taxonomy this store deals in.
  - internal/coordinator, internal/walletops: the only callers of Append
    and SetGroupTerminal.
  - internal/pipeline: the only caller of MoveActiveToSnapshot and
    ConsolidateSnapshot.
*/
package journal

import (
	"context"
	"time"

	"github.com/warp/ledger-engine/internal/walletcore"
)

// EntryFilter narrows a wallet's entry listing. Zero value means "no
// filter" for that field.
type EntryFilter struct {
	Status      walletcore.EntryStatus
	Type        walletcore.EntryType
	Limit       int
	AfterID     walletcore.EntryID // pagination cursor, exclusive
}

// Store is the persistence contract for the Journal Store (C1).
//
// IMPORTANT: Store is APPEND-ONLY for TransactionEntry rows. No Update, no
// Delete, except through the narrow pipeline migration path below.
type Store interface {
	// Append inserts a new entry into the active tier. Returns
	// walletcore.ErrValidation if the sign-type invariant is violated,
	// walletcore.ErrGroupNotFound if the referenced group does not exist,
	// and walletcore.ErrGroupNotOpen if it is not IN_PROGRESS.
	Append(ctx context.Context, entry walletcore.TransactionEntry) (walletcore.EntryID, error)

	// AppendBatch inserts multiple entries atomically: either all succeed
	// or none do.
	AppendBatch(ctx context.Context, entries []walletcore.TransactionEntry) ([]walletcore.EntryID, error)

	// CreateGroup creates a fresh IN_PROGRESS group. If idempotencyKey is
	// non-empty and already bound to a group, that group is returned
	// instead (idempotent open).
	CreateGroup(ctx context.Context, idempotencyKey string) (walletcore.TransactionGroup, error)

	// GetGroup reads a group by id.
	GetGroup(ctx context.Context, id walletcore.GroupID) (walletcore.TransactionGroup, error)

	// SetGroupCurrency records the currency of the group's first hold.
	// Subsequent calls with a different currency fail with
	// walletcore.ErrValidation (single-currency-per-group).
	SetGroupCurrency(ctx context.Context, id walletcore.GroupID, currency string) error

	// SetGroupTerminal is the single allowed group mutation: the terminal
	// transition plus an optional reason. Fails with walletcore.ErrState
	// if the group is already terminal.
	SetGroupTerminal(ctx context.Context, id walletcore.GroupID, status walletcore.GroupStatus, reason string) error

	// EntriesOfGroup returns every entry across every tier with the given
	// groupId, ordered by id.
	EntriesOfGroup(ctx context.Context, id walletcore.GroupID) ([]walletcore.TransactionEntry, error)

	// EntriesOfWallet returns a paginated read joining active + snapshot
	// (archive excluded by default for latency).
	EntriesOfWallet(ctx context.Context, walletID walletcore.WalletID, filter EntryFilter) ([]walletcore.TransactionEntry, error)

	// OpenHoldEntry looks up the single open HOLD entry for
	// (walletID, groupID), required by internal/walletops.Finalize.
	OpenHoldEntry(ctx context.Context, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error)

	// WalletExists reports whether walletID has been registered.
	WalletExists(ctx context.Context, walletID walletcore.WalletID) (bool, error)

	// GetWallet returns the wallet record.
	GetWallet(ctx context.Context, walletID walletcore.WalletID) (walletcore.Wallet, error)

	// LockWallet acquires the pessimistic per-wallet lock used to
	// serialize concurrent holds against the available-balance
	// precondition (spec §5). Returns a release function that must be
	// called exactly once. The lock is not tied to a transaction: the
	// sqlite backend uses an in-process per-wallet mutex and the postgres
	// backend a session-level advisory lock.
	LockWallet(ctx context.Context, walletID walletcore.WalletID) (release func(), err error)

	// LockGroup acquires the pessimistic per-group lock used to serialize
	// concurrent finalizations of the same group.
	LockGroup(ctx context.Context, groupID walletcore.GroupID) (release func(), err error)

	// MoveActiveToSnapshot migrates every active-tier entry of walletID
	// whose group is terminal into the snapshot tier, then removes the
	// originals from active. Used only by internal/pipeline.
	MoveActiveToSnapshot(ctx context.Context, walletID walletcore.WalletID, now time.Time) (moved int, err error)

	// ConsolidateSnapshot condenses snapshot-tier SETTLED, non-ledger
	// entries for walletID with snapshotDate < cutoff into a single LEDGER
	// checkpoint entry, records the LedgerCheckpointLink for every
	// consolidated groupId, bulk-copies the originals to archive, then
	// removes them from snapshot. Used only by internal/pipeline. Returns
	// (0, 0, nil) when nothing in range has a nonzero cumulative sum and
	// no entries exist in range, per spec: a no-op is not an error.
	ConsolidateSnapshot(ctx context.Context, walletID walletcore.WalletID, cutoff time.Time, now time.Time) (archived int, checkpointID walletcore.EntryID, err error)

	// ReconciliationSum returns the signed sum of every entry across all
	// tiers, plus a per-status breakdown.
	ReconciliationSum(ctx context.Context) (total int64, perStatus map[walletcore.EntryStatus]int64, err error)

	// Reset clears all state. Test/dev use only.
	Reset(ctx context.Context) error
}

// TxStore extends Store with transactional composition. internal/coordinator
// uses WithTx to make settle/release/cancel atomic: either every
// finalization entry is appended and the group transitions, or neither
// happens.
type TxStore interface {
	Store

	// WithTx executes fn against a Store bound to a single underlying
	// transaction. If fn returns an error, every write it made is rolled
	// back and WithTx returns that error. If fn returns nil, the
	// transaction commits.
	WithTx(ctx context.Context, fn func(Store) error) error
}
