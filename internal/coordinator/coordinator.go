/*
Package coordinator implements the Group Coordinator (C2): the lifecycle of
a transaction group, from IN_PROGRESS through exactly one of its three
terminal transitions, plus the Transfer convenience composition.

STATE MACHINE:

	          IN_PROGRESS ──settle──▶ SETTLED    (terminal)
	                   ├──release──▶ RELEASED   (terminal)
	                   └──cancel───▶ CANCELLED  (terminal)

Any attempt to act on a terminal group returns walletcore.ErrState.

SETTLE:
  1. Fetch all HOLD entries in the group.
  2. Sum their amounts. Nonzero -> walletcore.ErrZeroSum; group stays
     IN_PROGRESS so the caller can cancel or correct.
  3. For each HOLD entry, ask internal/walletops to emit a matching
     SETTLED finalization entry (same wallet, type, magnitude).
  4. Transition the group to SETTLED.
  The whole operation is atomic: either every finalization entry is
  appended and the group transitions, or none of it happens.

RELEASE / CANCEL:
  Same mechanics as settle, but every finalization entry is an offsetting
  reversal (opposite type, opposite sign) and no zero-sum precondition
  applies - a reversal is zero-sum by construction. Release and cancel
  differ only in the status label on the produced entries and the group;
  factored once here and parameterized by target status, per spec §9.

ORDERING:
  Finalization entries are produced in descending HOLD-entry-id order, to
  deterministically interleave with any concurrent balance read (spec §4.2).

CONCURRENCY:
  The whole settle/release/cancel operation holds the group's pessimistic
  row lock (journal.Store.LockGroup), so only one caller may transition a
  given group at a time (spec §5).

SEE ALSO:
  - internal/walletops: emits the individual finalization entries.
  - internal/journal: the transactional store this package composes.
*/
package coordinator

import (
	"context"
	"sort"

	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/walletcore"
	"github.com/warp/ledger-engine/internal/walletops"
)

// Coordinator implements the Group Coordinator component (C2).
type Coordinator struct {
	Store journal.TxStore
	Ops   *walletops.Operations
}

// New builds a Coordinator over the given store, deriving Wallet
// Operations from the same store.
func New(store journal.TxStore) *Coordinator {
	return &Coordinator{Store: store, Ops: walletops.New(store)}
}

// OpenGroup creates a fresh IN_PROGRESS group, or returns the group already
// bound to idempotencyKey unchanged.
func (c *Coordinator) OpenGroup(ctx context.Context, idempotencyKey string) (walletcore.GroupID, error) {
	g, err := c.Store.CreateGroup(ctx, idempotencyKey)
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

// SettleGroup requires the signed sum of the group's HOLD entries to be
// zero, then emits a SETTLED finalization entry per HOLD entry and
// transitions the group to SETTLED.
func (c *Coordinator) SettleGroup(ctx context.Context, groupID walletcore.GroupID) error {
	release, err := c.Store.LockGroup(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()

	g, err := c.Store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Status != walletcore.GroupInProgress {
		return &walletcore.StateError{GroupID: groupID, From: g.Status, Attempt: "settle"}
	}

	holds, err := c.holdEntries(ctx, groupID)
	if err != nil {
		return err
	}

	var sum int64
	for _, e := range holds {
		sum += e.Amount
	}
	if sum != 0 {
		return &walletcore.ZeroSumError{GroupID: groupID, Sum: sum}
	}

	return c.finalizeAll(ctx, groupID, holds, walletcore.EntrySettled, "")
}

// ReleaseGroup emits an offsetting RELEASED entry per HOLD entry and
// transitions the group to RELEASED. No zero-sum precondition: reversals
// are zero-sum by construction.
func (c *Coordinator) ReleaseGroup(ctx context.Context, groupID walletcore.GroupID, reason string) error {
	return c.reverse(ctx, groupID, walletcore.EntryReleased, reason, "release")
}

// CancelGroup is mechanically identical to ReleaseGroup; only the status
// label differs. Cancel means "aborted before commit", release means
// "committed then undone after review" - the engine treats them the same.
func (c *Coordinator) CancelGroup(ctx context.Context, groupID walletcore.GroupID, reason string) error {
	return c.reverse(ctx, groupID, walletcore.EntryCancelled, reason, "cancel")
}

func (c *Coordinator) reverse(ctx context.Context, groupID walletcore.GroupID, target walletcore.EntryStatus, reason, attempt string) error {
	release, err := c.Store.LockGroup(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()

	g, err := c.Store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Status != walletcore.GroupInProgress {
		return &walletcore.StateError{GroupID: groupID, From: g.Status, Attempt: attempt}
	}

	holds, err := c.holdEntries(ctx, groupID)
	if err != nil {
		return err
	}

	groupStatus := walletcore.GroupReleased
	if target == walletcore.EntryCancelled {
		groupStatus = walletcore.GroupCancelled
	}

	return c.finalizeAllAs(ctx, groupID, holds, target, groupStatus, reason)
}

func (c *Coordinator) holdEntries(ctx context.Context, groupID walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	entries, err := c.Store.EntriesOfGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var holds []walletcore.TransactionEntry
	for _, e := range entries {
		if e.Status == walletcore.EntryHold {
			holds = append(holds, e)
		}
	}
	// Descending entry-id order, per spec §4.2.
	sort.Slice(holds, func(i, j int) bool { return holds[i].ID > holds[j].ID })
	return holds, nil
}

func (c *Coordinator) finalizeAll(ctx context.Context, groupID walletcore.GroupID, holds []walletcore.TransactionEntry, target walletcore.EntryStatus, reason string) error {
	return c.finalizeAllAs(ctx, groupID, holds, target, walletcore.GroupSettled, reason)
}

func (c *Coordinator) finalizeAllAs(ctx context.Context, groupID walletcore.GroupID, holds []walletcore.TransactionEntry, entryTarget walletcore.EntryStatus, groupTarget walletcore.GroupStatus, reason string) error {
	return c.Store.WithTx(ctx, func(tx journal.Store) error {
		for _, h := range holds {
			if _, err := c.Ops.Finalize(ctx, tx, h.WalletID, groupID, entryTarget); err != nil {
				return err
			}
		}
		return tx.SetGroupTerminal(ctx, groupID, groupTarget, reason)
	})
}

// Transfer is a convenience composition: open a group, hold-debit the
// sender, hold-credit the recipient, then settle. Any failure prior to
// settle cancels the group and reports the original error.
func (c *Coordinator) Transfer(ctx context.Context, sender, recipient walletcore.WalletID, amount int64, idempotencyKey string) (walletcore.GroupID, error) {
	groupID, err := c.OpenGroup(ctx, idempotencyKey)
	if err != nil {
		return "", err
	}

	g, err := c.Store.GetGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	if g.Status.IsTerminal() {
		// Idempotent retry: the transfer already ran to completion.
		return groupID, nil
	}

	if _, err := c.Ops.HoldDebit(ctx, sender, amount, groupID); err != nil {
		_ = c.CancelGroup(ctx, groupID, "transfer hold failed: "+err.Error())
		return "", err
	}
	if _, err := c.Ops.HoldCredit(ctx, recipient, amount, groupID); err != nil {
		_ = c.CancelGroup(ctx, groupID, "transfer hold failed: "+err.Error())
		return "", err
	}
	if err := c.SettleGroup(ctx, groupID); err != nil {
		return "", err
	}
	return groupID, nil
}
