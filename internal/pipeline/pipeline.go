/*
Package pipeline implements the Snapshot & Archive Pipeline (C5): the two
scheduled maintenance operations that migrate completed journal entries
active -> snapshot -> archive, and the background scheduler that drives
them.

DAILY SNAPSHOT (SnapshotWallet):
  1. Select every active-tier entry whose group is terminal (SETTLED |
     RELEASED | CANCELLED). Entries in IN_PROGRESS groups are left behind -
     an absolute safety rule, enforced by internal/journal's
     MoveActiveToSnapshot itself, not re-checked here.
  2. Copy selected entries into the snapshot tier with snapshotDate=now.
  3. Verify written count == selected count, else walletcore.ErrIntegrity.
  4. Remove the originals from active.
  Steps 2-4 are one atomic store call (journal.Store.MoveActiveToSnapshot).

MONTHLY ARCHIVE (ArchiveWallet):
  1. Sum snapshot-tier SETTLED, non-ledger entries with snapshotDate <
     cutoff. Exit if zero and none exist in range.
  2. Emit one LEDGER checkpoint entry carrying the cumulative sum.
  3. Record LedgerCheckpointLink for every consolidated groupId.
  4. Bulk-copy the selected snapshot entries to archive, verify the count,
     then remove the originals from snapshot.
  Again, one atomic store call (journal.Store.ConsolidateSnapshot).

BALANCE INVARIANCE:
  For any wallet and any instant outside a running pipeline step, the
  (confirmed, available, reserved) triple observed by internal/balance must
  be identical before and after any number of pipeline operations. This
  holds because MoveActiveToSnapshot and ConsolidateSnapshot preserve the
  SETTLED amounts field-for-field (or condense them into an equal-sum LEDGER
  entry) and internal/balance sums across tiers without double-counting -
  it is the pipeline's single correctness obligation (spec §4.5).

FAILURE SEMANTICS:
  Any step inside a pipeline operation is either fully committed or fully
  rolled back by the underlying store call; partial migration is a fatal
  defect and surfaces as walletcore.ErrIntegrity.

SEE ALSO:
  - internal/journal: MoveActiveToSnapshot / ConsolidateSnapshot, the only
    two store methods this package calls.
  - internal/metrics: duration/error counters recorded around each run.
  - scheduler.go: the ticker-driven background driver (grounded on the
    teacher's api/scheduler.go ReconciliationScheduler).
*/
package pipeline

import (
	"context"
	"time"

	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/metrics"
	"github.com/warp/ledger-engine/internal/walletcore"
)

// Pipeline implements the Snapshot & Archive Pipeline component (C5).
type Pipeline struct {
	Store journal.Store
}

// New builds a Pipeline over the given store.
func New(store journal.Store) *Pipeline {
	return &Pipeline{Store: store}
}

// SnapshotWallet runs the daily snapshot migration for one wallet.
func (p *Pipeline) SnapshotWallet(ctx context.Context, walletID walletcore.WalletID) (moved int, err error) {
	start := time.Now()
	defer func() { metrics.ObservePipelineRun("snapshot", time.Since(start), err) }()

	moved, err = p.Store.MoveActiveToSnapshot(ctx, walletID, time.Now().UTC())
	return moved, err
}

// ArchiveWallet runs the monthly archive consolidation for one wallet,
// condensing every snapshot-tier SETTLED entry older than cutoff into a
// single LEDGER checkpoint entry.
func (p *Pipeline) ArchiveWallet(ctx context.Context, walletID walletcore.WalletID, cutoff time.Time) (archived int, checkpointID walletcore.EntryID, err error) {
	start := time.Now()
	defer func() { metrics.ObservePipelineRun("archive", time.Since(start), err) }()

	archived, checkpointID, err = p.Store.ConsolidateSnapshot(ctx, walletID, cutoff, time.Now().UTC())
	return archived, checkpointID, err
}

// SnapshotWallets runs SnapshotWallet across every wallet in ids, continuing
// past per-wallet errors and returning the first one encountered (after
// attempting every wallet) so a single bad wallet does not block the batch.
// Checks ctx between wallets but never mid-wallet, per spec §5's
// cooperative-cancellation-between-batches rule.
func (p *Pipeline) SnapshotWallets(ctx context.Context, ids []walletcore.WalletID) error {
	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.SnapshotWallet(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ArchiveWallets runs ArchiveWallet across every wallet in ids with the
// same cutoff, same continue-past-errors discipline as SnapshotWallets.
func (p *Pipeline) ArchiveWallets(ctx context.Context, ids []walletcore.WalletID, cutoff time.Time) error {
	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, _, err := p.ArchiveWallet(ctx, id, cutoff); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
