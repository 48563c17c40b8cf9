/*
Package walletops implements Wallet Operations (C3): the primitives that
produce individual journal entries for hold, finalize (settle/release/
cancel), and post-settlement refund, each enforcing the per-wallet balance
checks spec'd for their operation.

PRECONDITIONS:
  HoldDebit:  amount > 0, wallet exists, availableBalance(wallet) >= amount.
  HoldCredit: amount > 0, wallet exists. No balance check - incoming funds.
  Finalize:   exactly one open HOLD entry exists for (wallet, group).
  Refund:     amount > 0, both wallets exist, availableBalance(source) >=
              amount unless the caller explicitly authorized a negative
              balance.

ATOMICITY:
  Each operation here is atomic on its own (a single entry append, or in
  Refund's case two appends plus the group's terminal transition via one
  journal.TxStore.WithTx call). Composing several wallet operations into a
  single all-or-nothing unit (settle/release/cancel across a whole group)
  is internal/coordinator's job, not this package's.

CONCURRENCY:
  HoldDebit and HoldCredit take the wallet's pessimistic row lock
  (journal.Store.LockWallet) around the balance check and the append, to
  close the TOCTOU window spec §5 calls out explicitly.

SEE ALSO:
  - internal/journal: the store contract these operations write through.
  - internal/balance: the balance computation HoldDebit's precondition uses.
  - internal/coordinator: the group-level caller of HoldDebit/HoldCredit/
    Finalize.
*/
package walletops

import (
	"context"
	"time"

	"github.com/warp/ledger-engine/internal/balance"
	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/walletcore"
)

// Clock abstracts time.Now so tests can control hold/finalize timestamps.
type Clock func() time.Time

// Operations implements the Wallet Operations component (C3).
type Operations struct {
	Store journal.TxStore
	Calc  *balance.Calculator
	Now   Clock
}

// New builds Operations over the given store, deriving a Calculator from
// the same store.
func New(store journal.TxStore) *Operations {
	return &Operations{
		Store: store,
		Calc:  balance.New(store),
		Now:   time.Now,
	}
}

func (o *Operations) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// HoldDebit places a HOLD/DEBIT entry, reserving funds against the
// wallet's available balance. Returns walletcore.ErrInsufficientFunds if
// the wallet cannot cover amount.
func (o *Operations) HoldDebit(ctx context.Context, walletID walletcore.WalletID, amount int64, groupID walletcore.GroupID) (walletcore.EntryID, error) {
	if amount <= 0 {
		return 0, &walletcore.ValidationError{Field: "amount", Message: "must be positive"}
	}

	release, err := o.Store.LockWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	defer release()

	w, err := o.Store.GetWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}

	if _, err := o.Store.GetGroup(ctx, groupID); err != nil {
		return 0, err
	}

	available, err := o.Calc.Available(ctx, walletID)
	if err != nil {
		return 0, err
	}
	if available < amount {
		return 0, &walletcore.InsufficientFundsError{WalletID: walletID, Available: available, Requested: amount}
	}

	if err := o.Store.SetGroupCurrency(ctx, groupID, w.Currency); err != nil {
		return 0, err
	}

	return o.Store.Append(ctx, walletcore.TransactionEntry{
		WalletID:      walletID,
		GroupID:       groupID,
		Type:          walletcore.EntryDebit,
		Status:        walletcore.EntryHold,
		Amount:        -amount,
		HoldTimestamp: o.now(),
		Description:   "hold debit",
	})
}

// HoldCredit places a HOLD/CREDIT entry. No balance precondition: incoming
// funds carry no risk until settlement.
func (o *Operations) HoldCredit(ctx context.Context, walletID walletcore.WalletID, amount int64, groupID walletcore.GroupID) (walletcore.EntryID, error) {
	if amount <= 0 {
		return 0, &walletcore.ValidationError{Field: "amount", Message: "must be positive"}
	}

	release, err := o.Store.LockWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	defer release()

	w, err := o.Store.GetWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}

	if err := o.Store.SetGroupCurrency(ctx, groupID, w.Currency); err != nil {
		return 0, err
	}

	return o.Store.Append(ctx, walletcore.TransactionEntry{
		WalletID:      walletID,
		GroupID:       groupID,
		Type:          walletcore.EntryCredit,
		Status:        walletcore.EntryHold,
		Amount:        amount,
		HoldTimestamp: o.now(),
		Description:   "hold credit",
	})
}

// Finalize resolves the single open HOLD entry for (walletID, groupID) into
// a finalization entry.
//
//   targetStatus == SETTLED:            same type, same signed amount.
//   targetStatus == RELEASED/CANCELLED: opposite type, opposite signed
//                                        amount (an offsetting entry).
//
// The original HOLD entry is never touched. store must be the transactional
// view handed down by internal/coordinator so this append lands in the same
// transaction as the group's terminal transition.
func (o *Operations) Finalize(ctx context.Context, store journal.Store, walletID walletcore.WalletID, groupID walletcore.GroupID, targetStatus walletcore.EntryStatus) (walletcore.EntryID, error) {
	hold, err := store.OpenHoldEntry(ctx, walletID, groupID)
	if err != nil {
		return 0, err
	}

	entry := walletcore.TransactionEntry{
		WalletID:          walletID,
		GroupID:           groupID,
		Status:            targetStatus,
		FinalizeTimestamp: o.now(),
	}

	switch targetStatus {
	case walletcore.EntrySettled:
		entry.Type = hold.Type
		entry.Amount = hold.Amount
		entry.Description = "settle"
	case walletcore.EntryReleased, walletcore.EntryCancelled:
		entry.Type = opposite(hold.Type)
		entry.Amount = -hold.Amount
		entry.Description = "offsetting reversal"
	default:
		return 0, &walletcore.ValidationError{Field: "targetStatus", Message: "unsupported finalization status"}
	}

	return store.Append(ctx, entry)
}

func opposite(t walletcore.EntryType) walletcore.EntryType {
	if t == walletcore.EntryDebit {
		return walletcore.EntryCredit
	}
	return walletcore.EntryDebit
}

// Refund is the atomic post-settlement reversal primitive: it appends a
// SETTLED DEBIT on source and a SETTLED CREDIT on dest into groupID, and
// transitions groupID to SETTLED, all within a single transaction.
// groupID must already exist and be IN_PROGRESS (the caller opens it via
// the Group Coordinator's OpenGroup first).
func (o *Operations) Refund(ctx context.Context, sourceWalletID, destWalletID walletcore.WalletID, amount int64, groupID walletcore.GroupID, allowNegative bool) ([]walletcore.EntryID, error) {
	if amount <= 0 {
		return nil, &walletcore.ValidationError{Field: "amount", Message: "must be positive"}
	}

	release, err := o.Store.LockWallet(ctx, sourceWalletID)
	if err != nil {
		return nil, err
	}
	defer release()

	src, err := o.Store.GetWallet(ctx, sourceWalletID)
	if err != nil {
		return nil, err
	}
	if _, err := o.Store.GetWallet(ctx, destWalletID); err != nil {
		return nil, err
	}

	if !allowNegative {
		available, err := o.Calc.Available(ctx, sourceWalletID)
		if err != nil {
			return nil, err
		}
		if available < amount {
			return nil, &walletcore.InsufficientFundsError{WalletID: sourceWalletID, Available: available, Requested: amount}
		}
	}

	now := o.now()
	var ids []walletcore.EntryID
	err = o.Store.WithTx(ctx, func(tx journal.Store) error {
		if err := tx.SetGroupCurrency(ctx, groupID, src.Currency); err != nil {
			return err
		}
		gotIDs, err := tx.AppendBatch(ctx, []walletcore.TransactionEntry{
			{
				WalletID:          sourceWalletID,
				GroupID:           groupID,
				Type:              walletcore.EntryDebit,
				Status:            walletcore.EntrySettled,
				Amount:            -amount,
				FinalizeTimestamp: now,
				Description:       "refund debit",
			},
			{
				WalletID:          destWalletID,
				GroupID:           groupID,
				Type:              walletcore.EntryCredit,
				Status:            walletcore.EntrySettled,
				Amount:            amount,
				FinalizeTimestamp: now,
				Description:       "refund credit",
			},
		})
		if err != nil {
			return err
		}
		if err := tx.SetGroupTerminal(ctx, groupID, walletcore.GroupSettled, "refund"); err != nil {
			return err
		}
		ids = gotIDs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
