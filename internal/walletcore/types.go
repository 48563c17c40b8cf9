/*
Package walletcore defines the core entities of the wallet ledger engine:
wallets, transaction entries, transaction groups, and the checkpoint-link
index the snapshot/archive pipeline produces.

CRITICAL INVARIANTS:
  1. TransactionEntry rows are append-only. No Update, No Delete. EVER.
     The only sanctioned exception is the pipeline's tier migration, which
     re-persists the same content elsewhere before removing the original.
  2. Sign-type agreement: DEBIT < 0, CREDIT > 0, LEDGER unconstrained.
  3. A TransactionGroup's terminal states are immutable.

WHY APPEND-ONLY?
  - Audit trail: balance changes are always traceable to a journal entry.
  - Compliance: immutable history is a hard requirement for a ledger.
  - Correctness: no risk of a partial update corrupting a settled balance.

CORRECTIONS:
  A settled entry is never edited. A mistake is corrected with a refund
  (internal/walletops.Refund), which appends new SETTLED entries in a fresh
  group rather than touching the original.

SEE ALSO:
  - errors.go: the error taxonomy raised by every component.
  - internal/journal: the append-only store contract.
  - internal/coordinator: the group lifecycle state machine.
*/
package walletcore

import "time"

// =============================================================================
// WALLET
// =============================================================================

// WalletKind classifies the role a wallet plays in money movement.
type WalletKind string

const (
	WalletUser       WalletKind = "USER"
	WalletMerchant   WalletKind = "MERCHANT"
	WalletEscrow     WalletKind = "ESCROW"
	WalletSystem     WalletKind = "SYSTEM"
	WalletDeposit    WalletKind = "DEPOSIT"
	WalletWithdrawal WalletKind = "WITHDRAWAL"
)

// WalletID identifies a wallet. Created once, never destroyed.
type WalletID string

// Wallet is a referent for the core engine: only its identity, kind, and
// currency are consumed here. Ownership linkage is read by external
// orchestrators, never by the engine itself.
type Wallet struct {
	ID          WalletID
	Kind        WalletKind
	Currency    string // ISO-4217, e.g. "USD"
	OwnerID     string // optional, opaque to the core
	Description string
}

// =============================================================================
// TRANSACTION ENTRY - the ledger row
// =============================================================================

// EntryType distinguishes a debit, a credit, or a synthetic ledger
// checkpoint row produced by the archive pipeline.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
	EntryLedger EntryType = "LEDGER"
)

// EntryStatus is the finalization state of a single entry.
type EntryStatus string

const (
	EntryHold      EntryStatus = "HOLD"
	EntrySettled   EntryStatus = "SETTLED"
	EntryReleased  EntryStatus = "RELEASED"
	EntryCancelled EntryStatus = "CANCELLED"
	EntryRefunded  EntryStatus = "REFUNDED"
)

// Tier identifies where an entry currently lives in the storage pipeline.
type Tier string

const (
	TierActive  Tier = "active"
	TierSnapshot Tier = "snapshot"
	TierArchive Tier = "archive"
)

// EntryID is monotonic and unique across all tiers.
type EntryID int64

// TransactionEntry is a single append-only ledger row.
//
// Invariants (enforced by internal/journal implementations, not merely by
// application discipline):
//   1. Sign-type agreement: Type == EntryDebit => Amount < 0;
//      Type == EntryCredit => Amount > 0; EntryLedger is exempt.
//   2. Once persisted, no field may change.
//   3. GroupID references an existing TransactionGroup.
type TransactionEntry struct {
	ID        EntryID
	WalletID  WalletID
	GroupID   GroupID
	Type      EntryType
	Status    EntryStatus
	Amount    int64 // signed, minor currency units

	HoldTimestamp     time.Time
	FinalizeTimestamp time.Time

	Description string

	// IsLedgerEntry is true only for synthetic checkpoint rows produced by
	// the archive pipeline (journal.Store.ConsolidateSnapshot, driven by
	// internal/pipeline.ArchiveWallet).
	IsLedgerEntry bool

	// SnapshotDate is set when the entry is copied into the snapshot tier.
	SnapshotDate time.Time

	// CorrelationKey supports idempotent retries of wallet operations.
	CorrelationKey string

	// Tier reflects which storage tier currently holds this row. It is not
	// itself persisted as a ledger fact — it is how the store reports which
	// table produced the row.
	Tier Tier
}

// ValidateSignType checks invariant 1 (sign-type agreement).
func (e TransactionEntry) ValidateSignType() bool {
	switch e.Type {
	case EntryDebit:
		return e.Amount < 0
	case EntryCredit:
		return e.Amount > 0
	case EntryLedger:
		return true
	default:
		return false
	}
}

// =============================================================================
// TRANSACTION GROUP
// =============================================================================

// GroupID globally identifies a transaction group.
type GroupID string

// GroupStatus is the group lifecycle state. InProgress is the only
// non-terminal state; the other three are terminal and immutable once
// reached.
type GroupStatus string

const (
	GroupInProgress GroupStatus = "IN_PROGRESS"
	GroupSettled    GroupStatus = "SETTLED"
	GroupReleased   GroupStatus = "RELEASED"
	GroupCancelled  GroupStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupSettled || s == GroupReleased || s == GroupCancelled
}

// TransactionGroup is the unit of atomic multi-wallet money movement.
type TransactionGroup struct {
	ID GroupID

	Status GroupStatus

	// Currency is recorded from the first hold placed in the group and
	// enforced on every subsequent hold (single-currency-per-group, see
	// DESIGN.md's resolution of the spec's currency Open Question).
	Currency string

	CreatedAt    time.Time
	FinalizedAt  time.Time
	Reason       string // optional reason recorded with the terminal transition

	IdempotencyKey string

	// External business references, opaque to the core; consumed only by
	// orchestrators (settlement payout, refund policy, ...).
	MerchantRef string
	BuyerRef    string
}

// =============================================================================
// LEDGER CHECKPOINT LINK
// =============================================================================

// LedgerCheckpointLink maps a LEDGER checkpoint entry (produced exclusively
// by journal.Store.ConsolidateSnapshot, driven by
// internal/pipeline.ArchiveWallet) to every original GroupID it
// consolidates.
type LedgerCheckpointLink struct {
	CheckpointEntryID EntryID
	GroupID           GroupID
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the derived read-model surfaced by internal/balance.Calculator.
type Balance struct {
	WalletID  WalletID
	Confirmed int64 // signed sum of SETTLED entries (incl. LEDGER checkpoints)
	HeldDebit int64 // unsigned magnitude of in-progress DEBIT holds
	Available int64 // Confirmed - HeldDebit
	Reserved  int64 // unsigned magnitude of in-progress CREDIT holds (introspection only)
}
