/*
Package balance implements the Balance Calculator (C4): deriving available,
held, reserved, and confirmed balances from the journal, without ever
holding a separate mutable balance field that could drift out of sync.

DEFINITIONS (spec §4.4):
  Confirmed = signed sum over all tiers of SETTLED entries for the wallet.
              Includes LEDGER checkpoint entries. Never includes HOLD,
              RELEASED, CANCELLED.
  HeldDebit = |signed sum| over HOLD/DEBIT entries whose group is still
              IN_PROGRESS.
  Available = Confirmed - HeldDebit. CREDIT holds are deliberately ignored:
              incoming funds are not spendable before settlement.
  Reserved  = |signed sum| over HOLD/CREDIT entries whose group is still
              IN_PROGRESS. Introspection only, never a precondition input.

REQUIRED PROPERTY:
  For any wallet W, Available(W) >= 0 at any instant, unless an explicit
  override flag was set on a refund (internal/walletops.Refund). This
  module does not enforce that property itself - it is a consequence of the
  precondition checks in internal/walletops and the atomicity in
  internal/coordinator. Calculator only reports what the journal contains.

CONSISTENCY:
  A Balance read takes no lock that conflicts with another balance read; it
  is a consistent snapshot over the journal at the store's current
  commit point (spec §4.4, §5).

SEE ALSO:
  - internal/journal: the store this package reads.
  - internal/walletops: the only caller of the precondition check
    (Available) ahead of a hold or refund.
*/
package balance

import (
	"context"

	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/walletcore"
)

// Calculator derives wallet balances from a journal.Store.
type Calculator struct {
	Store journal.Store
}

// New builds a Calculator over the given store.
func New(store journal.Store) *Calculator {
	return &Calculator{Store: store}
}

// Balance computes the full (confirmed, held, available, reserved) tuple
// for a wallet in one pass over its active+snapshot entries.
func (c *Calculator) Balance(ctx context.Context, walletID walletcore.WalletID) (walletcore.Balance, error) {
	if ok, err := c.Store.WalletExists(ctx, walletID); err != nil {
		return walletcore.Balance{}, err
	} else if !ok {
		return walletcore.Balance{}, walletcore.ErrWalletNotFound
	}

	entries, err := c.Store.EntriesOfWallet(ctx, walletID, journal.EntryFilter{})
	if err != nil {
		return walletcore.Balance{}, err
	}

	bal := walletcore.Balance{WalletID: walletID}

	// Cache group status lookups: many HOLD entries typically share a
	// handful of in-progress groups.
	groupOpen := make(map[walletcore.GroupID]bool)
	isOpen := func(gid walletcore.GroupID) (bool, error) {
		if v, ok := groupOpen[gid]; ok {
			return v, nil
		}
		g, err := c.Store.GetGroup(ctx, gid)
		if err != nil {
			return false, err
		}
		open := g.Status == walletcore.GroupInProgress
		groupOpen[gid] = open
		return open, nil
	}

	for _, e := range entries {
		switch e.Status {
		case walletcore.EntrySettled:
			bal.Confirmed += e.Amount
		case walletcore.EntryHold:
			open, err := isOpen(e.GroupID)
			if err != nil {
				return walletcore.Balance{}, err
			}
			if !open {
				continue
			}
			switch e.Type {
			case walletcore.EntryDebit:
				bal.HeldDebit += -e.Amount // magnitude; DEBIT amounts are negative
			case walletcore.EntryCredit:
				bal.Reserved += e.Amount
			}
		}
	}

	bal.Available = bal.Confirmed - bal.HeldDebit
	return bal, nil
}

// Available is a convenience accessor used by internal/walletops'
// precondition checks.
func (c *Calculator) Available(ctx context.Context, walletID walletcore.WalletID) (int64, error) {
	b, err := c.Balance(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}
