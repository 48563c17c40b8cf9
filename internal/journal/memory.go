package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/internal/walletcore"
	"time"
)

// Memory is an in-memory Store/TxStore implementation. It is the test
// double for internal/coordinator, internal/walletops, internal/balance,
// and internal/pipeline tests, and mirrors the locking and snapshot/
// rollback discipline of the sqlite-backed store closely enough that tests
// written against Memory exercise the same contracts.
type Memory struct {
	mu sync.Mutex

	nextEntryID int64
	entries     map[walletcore.Tier][]walletcore.TransactionEntry
	groups      map[walletcore.GroupID]walletcore.TransactionGroup
	groupByKey  map[string]walletcore.GroupID // idempotencyKey -> groupID
	wallets     map[walletcore.WalletID]walletcore.Wallet
	links       []walletcore.LedgerCheckpointLink

	walletLocks map[walletcore.WalletID]*sync.Mutex
	groupLocks  map[walletcore.GroupID]*sync.Mutex
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: map[walletcore.Tier][]walletcore.TransactionEntry{
			walletcore.TierActive:   nil,
			walletcore.TierSnapshot: nil,
			walletcore.TierArchive:  nil,
		},
		groups:      make(map[walletcore.GroupID]walletcore.TransactionGroup),
		groupByKey:  make(map[string]walletcore.GroupID),
		wallets:     make(map[walletcore.WalletID]walletcore.Wallet),
		walletLocks: make(map[walletcore.WalletID]*sync.Mutex),
		groupLocks:  make(map[walletcore.GroupID]*sync.Mutex),
	}
}

// RegisterWallet seeds a wallet. Test/bootstrap use only; the engine itself
// never creates wallets, it only reads them (spec §1/§3).
func (m *Memory) RegisterWallet(w walletcore.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.ID] = w
}

func (m *Memory) WalletExists(_ context.Context, walletID walletcore.WalletID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.wallets[walletID]
	return ok, nil
}

func (m *Memory) GetWallet(_ context.Context, walletID walletcore.WalletID) (walletcore.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return walletcore.Wallet{}, walletcore.ErrWalletNotFound
	}
	return w, nil
}

func (m *Memory) CreateGroup(_ context.Context, idempotencyKey string) (walletcore.TransactionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if id, ok := m.groupByKey[idempotencyKey]; ok {
			return m.groups[id], nil
		}
	}

	g := walletcore.TransactionGroup{
		ID:             walletcore.GroupID(uuid.NewString()),
		Status:         walletcore.GroupInProgress,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	m.groups[g.ID] = g
	if idempotencyKey != "" {
		m.groupByKey[idempotencyKey] = g.ID
	}
	return g, nil
}

func (m *Memory) GetGroup(_ context.Context, id walletcore.GroupID) (walletcore.TransactionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return walletcore.TransactionGroup{}, walletcore.ErrGroupNotFound
	}
	return g, nil
}

func (m *Memory) SetGroupCurrency(_ context.Context, id walletcore.GroupID, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return walletcore.ErrGroupNotFound
	}
	if g.Currency == "" {
		g.Currency = currency
		m.groups[id] = g
		return nil
	}
	if g.Currency != currency {
		return &walletcore.ValidationError{Field: "currency", Message: fmt.Sprintf("group is %s, got %s", g.Currency, currency)}
	}
	return nil
}

func (m *Memory) SetGroupTerminal(_ context.Context, id walletcore.GroupID, status walletcore.GroupStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setGroupTerminalLocked(id, status, reason)
}

func (m *Memory) setGroupTerminalLocked(id walletcore.GroupID, status walletcore.GroupStatus, reason string) error {
	g, ok := m.groups[id]
	if !ok {
		return walletcore.ErrGroupNotFound
	}
	if g.Status.IsTerminal() {
		return &walletcore.StateError{GroupID: id, From: g.Status, Attempt: string(status)}
	}
	g.Status = status
	g.Reason = reason
	g.FinalizedAt = time.Now().UTC()
	m.groups[id] = g
	return nil
}

func (m *Memory) Append(_ context.Context, entry walletcore.TransactionEntry) (walletcore.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entry)
}

func (m *Memory) appendLocked(entry walletcore.TransactionEntry) (walletcore.EntryID, error) {
	if !entry.ValidateSignType() {
		return 0, &walletcore.ValidationError{Field: "amount", Message: "sign does not agree with entry type"}
	}
	g, ok := m.groups[entry.GroupID]
	if !ok {
		return 0, walletcore.ErrGroupNotFound
	}
	if g.Status != walletcore.GroupInProgress {
		return 0, walletcore.ErrGroupNotOpen
	}

	m.nextEntryID++
	entry.ID = walletcore.EntryID(m.nextEntryID)
	entry.Tier = walletcore.TierActive
	m.entries[walletcore.TierActive] = append(m.entries[walletcore.TierActive], entry)
	return entry.ID, nil
}

func (m *Memory) AppendBatch(_ context.Context, entries []walletcore.TransactionEntry) ([]walletcore.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendBatchLocked(entries)
}

func (m *Memory) appendBatchLocked(entries []walletcore.TransactionEntry) ([]walletcore.EntryID, error) {
	// Validate every entry before writing any of them, so a batch either
	// fully succeeds or leaves no partial state.
	for _, e := range entries {
		if !e.ValidateSignType() {
			return nil, &walletcore.ValidationError{Field: "amount", Message: "sign does not agree with entry type"}
		}
		g, ok := m.groups[e.GroupID]
		if !ok {
			return nil, walletcore.ErrGroupNotFound
		}
		if g.Status != walletcore.GroupInProgress {
			return nil, walletcore.ErrGroupNotOpen
		}
	}
	ids := make([]walletcore.EntryID, len(entries))
	for i, e := range entries {
		id, err := m.appendLocked(e)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (m *Memory) EntriesOfGroup(_ context.Context, id walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []walletcore.TransactionEntry
	for _, tier := range []walletcore.Tier{walletcore.TierActive, walletcore.TierSnapshot, walletcore.TierArchive} {
		for _, e := range m.entries[tier] {
			if e.GroupID == id {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) EntriesOfWallet(_ context.Context, walletID walletcore.WalletID, filter EntryFilter) ([]walletcore.TransactionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []walletcore.TransactionEntry
	for _, tier := range []walletcore.Tier{walletcore.TierActive, walletcore.TierSnapshot} {
		for _, e := range m.entries[tier] {
			if e.WalletID != walletID {
				continue
			}
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
			if filter.Type != "" && e.Type != filter.Type {
				continue
			}
			if filter.AfterID != 0 && e.ID <= filter.AfterID {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) OpenHoldEntry(_ context.Context, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *walletcore.TransactionEntry
	for i, e := range m.entries[walletcore.TierActive] {
		if e.WalletID == walletID && e.GroupID == groupID && e.Status == walletcore.EntryHold {
			if found != nil {
				return walletcore.TransactionEntry{}, &walletcore.ValidationError{Field: "hold", Message: "more than one open hold for wallet+group"}
			}
			found = &m.entries[walletcore.TierActive][i]
		}
	}
	if found == nil {
		return walletcore.TransactionEntry{}, &walletcore.ValidationError{Field: "hold", Message: "no open hold for wallet+group"}
	}
	return *found, nil
}

func (m *Memory) lockFor(id walletcore.WalletID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.walletLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.walletLocks[id] = l
	}
	return l
}

func (m *Memory) LockWallet(_ context.Context, walletID walletcore.WalletID) (func(), error) {
	l := m.lockFor(walletID)
	l.Lock()
	return l.Unlock, nil
}

func (m *Memory) groupLockFor(id walletcore.GroupID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.groupLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.groupLocks[id] = l
	}
	return l
}

func (m *Memory) LockGroup(_ context.Context, groupID walletcore.GroupID) (func(), error) {
	l := m.groupLockFor(groupID)
	l.Lock()
	return l.Unlock, nil
}

func (m *Memory) MoveActiveToSnapshot(_ context.Context, walletID walletcore.WalletID, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keep []walletcore.TransactionEntry
	var selected []walletcore.TransactionEntry
	for _, e := range m.entries[walletcore.TierActive] {
		if e.WalletID != walletID {
			keep = append(keep, e)
			continue
		}
		g := m.groups[e.GroupID]
		if !g.Status.IsTerminal() {
			// Entries in IN_PROGRESS groups are left behind: an absolute
			// safety rule.
			keep = append(keep, e)
			continue
		}
		selected = append(selected, e)
	}

	moved := make([]walletcore.TransactionEntry, len(selected))
	for i, e := range selected {
		c := e
		c.Tier = walletcore.TierSnapshot
		c.SnapshotDate = now
		c.IsLedgerEntry = false
		moved[i] = c
	}

	if len(moved) != len(selected) {
		return 0, &walletcore.IntegrityError{WalletID: walletID, Step: "snapshot", Expected: len(selected), Actual: len(moved)}
	}

	// Commit: active loses the originals, snapshot gains the copies.
	m.entries[walletcore.TierActive] = keep
	m.entries[walletcore.TierSnapshot] = append(m.entries[walletcore.TierSnapshot], moved...)
	return len(moved), nil
}

func (m *Memory) ConsolidateSnapshot(_ context.Context, walletID walletcore.WalletID, cutoff time.Time, now time.Time) (int, walletcore.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keep []walletcore.TransactionEntry
	var selected []walletcore.TransactionEntry
	var cumulative int64
	groupSet := map[walletcore.GroupID]bool{}
	for _, e := range m.entries[walletcore.TierSnapshot] {
		if e.WalletID != walletID || e.IsLedgerEntry || e.Status != walletcore.EntrySettled || !e.SnapshotDate.Before(cutoff) {
			keep = append(keep, e)
			continue
		}
		selected = append(selected, e)
		cumulative += e.Amount
		groupSet[e.GroupID] = true
	}

	if cumulative == 0 && len(selected) == 0 {
		return 0, 0, nil
	}

	archived := make([]walletcore.TransactionEntry, len(selected))
	for i, e := range selected {
		c := e
		c.Tier = walletcore.TierArchive
		archived[i] = c
	}
	if len(archived) != len(selected) {
		return 0, 0, &walletcore.IntegrityError{WalletID: walletID, Step: "archive", Expected: len(selected), Actual: len(archived)}
	}

	m.nextEntryID++
	checkpoint := walletcore.TransactionEntry{
		ID:                walletcore.EntryID(m.nextEntryID),
		WalletID:          walletID,
		GroupID:           walletcore.GroupID("checkpoint"),
		Type:              walletcore.EntryLedger,
		Status:            walletcore.EntrySettled,
		Amount:            cumulative,
		FinalizeTimestamp: now,
		SnapshotDate:      now,
		IsLedgerEntry:     true,
		Tier:              walletcore.TierSnapshot,
		Description:       "ledger checkpoint",
	}

	m.entries[walletcore.TierSnapshot] = append(keep, checkpoint)
	m.entries[walletcore.TierArchive] = append(m.entries[walletcore.TierArchive], archived...)

	for gid := range groupSet {
		m.links = append(m.links, walletcore.LedgerCheckpointLink{CheckpointEntryID: checkpoint.ID, GroupID: gid})
	}

	return len(archived), checkpoint.ID, nil
}

func (m *Memory) ReconciliationSum(_ context.Context) (int64, map[walletcore.EntryStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	perStatus := make(map[walletcore.EntryStatus]int64)
	for _, tier := range []walletcore.Tier{walletcore.TierActive, walletcore.TierSnapshot, walletcore.TierArchive} {
		for _, e := range m.entries[tier] {
			total += e.Amount
			perStatus[e.Status] += e.Amount
		}
	}
	return total, perStatus, nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[walletcore.Tier][]walletcore.TransactionEntry{
		walletcore.TierActive:   nil,
		walletcore.TierSnapshot: nil,
		walletcore.TierArchive:  nil,
	}
	m.groups = make(map[walletcore.GroupID]walletcore.TransactionGroup)
	m.groupByKey = make(map[string]walletcore.GroupID)
	m.links = nil
	return nil
}

// CheckpointLinks exposes the links recorded by ConsolidateSnapshot, for
// tests that assert on the consolidation set.
func (m *Memory) CheckpointLinks() []walletcore.LedgerCheckpointLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]walletcore.LedgerCheckpointLink, len(m.links))
	copy(out, m.links)
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn against the live store: the underlying maps are
// snapshotted before fn runs, and restored if fn returns a non-nil error.
// Writes made by fn are visible to other callers before fn returns. This gives Memory the same all-or-nothing
// guarantee internal/coordinator depends on without a real database
// transaction.
func (m *Memory) WithTx(_ context.Context, fn func(Store) error) error {
	m.mu.Lock()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	view := &txView{m: m}
	if err := fn(view); err != nil {
		m.mu.Lock()
		m.restoreLocked(snapshot)
		m.mu.Unlock()
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextEntryID int64
	entries     map[walletcore.Tier][]walletcore.TransactionEntry
	groups      map[walletcore.GroupID]walletcore.TransactionGroup
	groupByKey  map[string]walletcore.GroupID
	links       []walletcore.LedgerCheckpointLink
}

func (m *Memory) snapshotLocked() memorySnapshot {
	entries := make(map[walletcore.Tier][]walletcore.TransactionEntry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = append([]walletcore.TransactionEntry{}, v...)
	}
	groups := make(map[walletcore.GroupID]walletcore.TransactionGroup, len(m.groups))
	for k, v := range m.groups {
		groups[k] = v
	}
	groupByKey := make(map[string]walletcore.GroupID, len(m.groupByKey))
	for k, v := range m.groupByKey {
		groupByKey[k] = v
	}
	return memorySnapshot{
		nextEntryID: m.nextEntryID,
		entries:     entries,
		groups:      groups,
		groupByKey:  groupByKey,
		links:       append([]walletcore.LedgerCheckpointLink{}, m.links...),
	}
}

func (m *Memory) restoreLocked(s memorySnapshot) {
	m.nextEntryID = s.nextEntryID
	m.entries = s.entries
	m.groups = s.groups
	m.groupByKey = s.groupByKey
	m.links = s.links
}

// txView forwards every read/write directly to the parent Memory under its
// own locking; atomicity across the whole fn body is provided by WithTx's
// snapshot/restore rather than by holding a single lock for the duration
// (which would deadlock against LockWallet/LockGroup calls made inside fn).
type txView struct{ m *Memory }

func (v *txView) Append(ctx context.Context, e walletcore.TransactionEntry) (walletcore.EntryID, error) {
	return v.m.Append(ctx, e)
}
func (v *txView) AppendBatch(ctx context.Context, es []walletcore.TransactionEntry) ([]walletcore.EntryID, error) {
	return v.m.AppendBatch(ctx, es)
}
func (v *txView) CreateGroup(ctx context.Context, key string) (walletcore.TransactionGroup, error) {
	return v.m.CreateGroup(ctx, key)
}
func (v *txView) GetGroup(ctx context.Context, id walletcore.GroupID) (walletcore.TransactionGroup, error) {
	return v.m.GetGroup(ctx, id)
}
func (v *txView) SetGroupCurrency(ctx context.Context, id walletcore.GroupID, currency string) error {
	return v.m.SetGroupCurrency(ctx, id, currency)
}
func (v *txView) SetGroupTerminal(ctx context.Context, id walletcore.GroupID, status walletcore.GroupStatus, reason string) error {
	return v.m.SetGroupTerminal(ctx, id, status, reason)
}
func (v *txView) EntriesOfGroup(ctx context.Context, id walletcore.GroupID) ([]walletcore.TransactionEntry, error) {
	return v.m.EntriesOfGroup(ctx, id)
}
func (v *txView) EntriesOfWallet(ctx context.Context, walletID walletcore.WalletID, filter EntryFilter) ([]walletcore.TransactionEntry, error) {
	return v.m.EntriesOfWallet(ctx, walletID, filter)
}
func (v *txView) OpenHoldEntry(ctx context.Context, walletID walletcore.WalletID, groupID walletcore.GroupID) (walletcore.TransactionEntry, error) {
	return v.m.OpenHoldEntry(ctx, walletID, groupID)
}
func (v *txView) WalletExists(ctx context.Context, walletID walletcore.WalletID) (bool, error) {
	return v.m.WalletExists(ctx, walletID)
}
func (v *txView) GetWallet(ctx context.Context, walletID walletcore.WalletID) (walletcore.Wallet, error) {
	return v.m.GetWallet(ctx, walletID)
}
func (v *txView) LockWallet(ctx context.Context, walletID walletcore.WalletID) (func(), error) {
	return v.m.LockWallet(ctx, walletID)
}
func (v *txView) LockGroup(ctx context.Context, groupID walletcore.GroupID) (func(), error) {
	return v.m.LockGroup(ctx, groupID)
}
func (v *txView) MoveActiveToSnapshot(ctx context.Context, walletID walletcore.WalletID, now time.Time) (int, error) {
	return v.m.MoveActiveToSnapshot(ctx, walletID, now)
}
func (v *txView) ConsolidateSnapshot(ctx context.Context, walletID walletcore.WalletID, cutoff, now time.Time) (int, walletcore.EntryID, error) {
	return v.m.ConsolidateSnapshot(ctx, walletID, cutoff, now)
}
func (v *txView) ReconciliationSum(ctx context.Context) (int64, map[walletcore.EntryStatus]int64, error) {
	return v.m.ReconciliationSum(ctx)
}
func (v *txView) Reset(ctx context.Context) error { return v.m.Reset(ctx) }

var _ TxStore = (*Memory)(nil)
