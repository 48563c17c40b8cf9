/*
handlers.go - HTTP API handlers for the wallet ledger engine

PURPOSE:
  Exposes the Group Coordinator, Wallet Operations, Balance Calculator, and
  Snapshot/Archive Pipeline over REST. A thin orchestrator, per spec §1: all
  domain logic lives in internal/coordinator, internal/walletops,
  internal/balance, internal/pipeline; this file only parses requests,
  calls them, and serializes responses.

ENDPOINTS: see server.go's route table.

ERROR HANDLING:
  Every domain error returned by the engine is mapped to an HTTP status by
  writeDomainError (errors.go), never string-matched.

SEE ALSO:
  - dto.go: request/response shapes.
  - server.go: router wiring.
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/internal/balance"
	"github.com/warp/ledger-engine/internal/cache"
	"github.com/warp/ledger-engine/internal/coordinator"
	"github.com/warp/ledger-engine/internal/journal"
	"github.com/warp/ledger-engine/internal/pipeline"
	"github.com/warp/ledger-engine/internal/walletcore"
)

// Handler holds every dependency the HTTP layer needs.
type Handler struct {
	Store    journal.TxStore
	Coord    *coordinator.Coordinator
	Calc     *balance.Calculator
	Cache    *cache.BalanceCache // optional; nil disables read-through caching
	Pipeline *pipeline.Pipeline
	Log      *zap.Logger
}

// NewHandler wires a Handler over a single store.
func NewHandler(store journal.TxStore, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Coord:    coordinator.New(store),
		Calc:     balance.New(store),
		Pipeline: pipeline.New(store),
		Log:      log,
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return &walletcore.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// =============================================================================
// GROUPS
// =============================================================================

func (h *Handler) OpenGroup(w http.ResponseWriter, r *http.Request) {
	var req OpenGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	groupID, err := h.Coord.OpenGroup(r.Context(), req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OpenGroupResponse{GroupID: string(groupID)})
}

func (h *Handler) HoldDebit(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, true)
}

func (h *Handler) HoldCredit(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, false)
}

func (h *Handler) hold(w http.ResponseWriter, r *http.Request, debit bool) {
	groupID := walletcore.GroupID(chi.URLParam(r, "id"))
	var req HoldRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	var (
		entryID walletcore.EntryID
		err     error
	)
	if debit {
		entryID, err = h.Coord.Ops.HoldDebit(r.Context(), walletcore.WalletID(req.WalletID), req.Amount, groupID)
	} else {
		entryID, err = h.Coord.Ops.HoldCredit(r.Context(), walletcore.WalletID(req.WalletID), req.Amount, groupID)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Invalidate(r.Context(), walletcore.WalletID(req.WalletID))
	}
	writeJSON(w, http.StatusCreated, HoldResponse{EntryID: int64(entryID)})
}

func (h *Handler) SettleGroup(w http.ResponseWriter, r *http.Request) {
	groupID := walletcore.GroupID(chi.URLParam(r, "id"))
	if err := h.Coord.SettleGroup(r.Context(), groupID); err != nil {
		writeDomainError(w, err)
		return
	}
	h.invalidateGroupWallets(r.Context(), groupID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) ReleaseGroup(w http.ResponseWriter, r *http.Request) {
	groupID := walletcore.GroupID(chi.URLParam(r, "id"))
	var req ReasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Coord.ReleaseGroup(r.Context(), groupID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	h.invalidateGroupWallets(r.Context(), groupID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) CancelGroup(w http.ResponseWriter, r *http.Request) {
	groupID := walletcore.GroupID(chi.URLParam(r, "id"))
	var req ReasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Coord.CancelGroup(r.Context(), groupID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	h.invalidateGroupWallets(r.Context(), groupID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) GroupStatus(w http.ResponseWriter, r *http.Request) {
	groupID := walletcore.GroupID(chi.URLParam(r, "id"))
	g, err := h.Store.GetGroup(r.Context(), groupID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	entries, err := h.Store.EntriesOfGroup(r.Context(), groupID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = entryDTO(e)
	}
	writeJSON(w, http.StatusOK, GroupStatusResponse{GroupID: string(g.ID), Status: string(g.Status), Entries: dtos})
}

// invalidateGroupWallets best-effort-invalidates the balance cache for every
// wallet touched by groupID's entries, after a commit. Never consulted by
// preconditions; a miss here only costs a slower subsequent read.
func (h *Handler) invalidateGroupWallets(ctx context.Context, groupID walletcore.GroupID) {
	if h.Cache == nil {
		return
	}
	entries, err := h.Store.EntriesOfGroup(ctx, groupID)
	if err != nil {
		return
	}
	seen := make(map[walletcore.WalletID]bool)
	for _, e := range entries {
		if !seen[e.WalletID] {
			h.Cache.Invalidate(ctx, e.WalletID)
			seen[e.WalletID] = true
		}
	}
}

// =============================================================================
// TRANSFERS & REFUNDS
// =============================================================================

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	groupID, err := h.Coord.Transfer(r.Context(), walletcore.WalletID(req.SenderID), walletcore.WalletID(req.RecipientID), req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Invalidate(r.Context(), walletcore.WalletID(req.SenderID))
		h.Cache.Invalidate(r.Context(), walletcore.WalletID(req.RecipientID))
	}
	writeJSON(w, http.StatusCreated, TransferResponse{GroupID: string(groupID)})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	ids, err := h.Coord.Ops.Refund(r.Context(), walletcore.WalletID(req.SourceID), walletcore.WalletID(req.DestID), req.Amount, walletcore.GroupID(req.GroupID), req.AllowNegative)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Invalidate(r.Context(), walletcore.WalletID(req.SourceID))
		h.Cache.Invalidate(r.Context(), walletcore.WalletID(req.DestID))
	}
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	writeJSON(w, http.StatusCreated, RefundResponse{EntryIDs: out})
}

// =============================================================================
// BALANCE & RECONCILIATION
// =============================================================================

func (h *Handler) AvailableBalance(w http.ResponseWriter, r *http.Request) {
	walletID := walletcore.WalletID(chi.URLParam(r, "id"))

	var (
		b   walletcore.Balance
		err error
	)
	if h.Cache != nil {
		b, err = h.Cache.Balance(r.Context(), walletID)
	} else {
		b, err = h.Calc.Balance(r.Context(), walletID)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceDTO(b))
}

func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	total, perStatus, err := h.Store.ReconciliationSum(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make(map[string]int64, len(perStatus))
	for k, v := range perStatus {
		out[string(k)] = v
	}
	writeJSON(w, http.StatusOK, ReconciliationResponse{TotalSum: total, PerStatus: out})
}

// =============================================================================
// PIPELINE ADMIN
// =============================================================================

func (h *Handler) SnapshotWallet(w http.ResponseWriter, r *http.Request) {
	walletID := walletcore.WalletID(chi.URLParam(r, "id"))
	moved, err := h.Pipeline.SnapshotWallet(r.Context(), walletID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Log.Info("manual snapshot run", zap.String("wallet_id", string(walletID)), zap.Int("moved", moved))
	writeJSON(w, http.StatusOK, struct {
		Moved int `json:"moved"`
	}{Moved: moved})
}

func (h *Handler) ArchiveWallet(w http.ResponseWriter, r *http.Request) {
	walletID := walletcore.WalletID(chi.URLParam(r, "id"))
	var req ArchiveWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	cutoff := time.Now().UTC().AddDate(0, -3, 0)
	if req.Cutoff != "" {
		parsed, err := time.Parse(time.RFC3339, req.Cutoff)
		if err != nil {
			writeDomainError(w, &walletcore.ValidationError{Field: "cutoff", Message: "must be RFC3339"})
			return
		}
		cutoff = parsed
	}
	archived, checkpointID, err := h.Pipeline.ArchiveWallet(r.Context(), walletID, cutoff)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Log.Info("manual archive run", zap.String("wallet_id", string(walletID)), zap.Int("archived", archived))
	writeJSON(w, http.StatusOK, struct {
		Archived     int    `json:"archived"`
		CheckpointID string `json:"checkpointId"`
	}{Archived: archived, CheckpointID: strconv.FormatInt(int64(checkpointID), 10)})
}
