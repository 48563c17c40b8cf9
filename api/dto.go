/*
dto.go - Request/response data structures for the HTTP API

Every DTO field is a JSON-friendly primitive (string, int64, bool), a
slice or map of those, or another DTO; the wire boundary never carries a walletcore type directly so a rename inside
the engine cannot silently change the API contract.
*/
package api

import "github.com/warp/ledger-engine/internal/walletcore"

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type OpenGroupRequest struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type OpenGroupResponse struct {
	GroupID string `json:"groupId"`
}

type HoldRequest struct {
	WalletID string `json:"walletId"`
	Amount   int64  `json:"amount"`
}

type HoldResponse struct {
	EntryID int64 `json:"entryId"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TransferRequest struct {
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type TransferResponse struct {
	GroupID string `json:"groupId"`
}

type RefundRequest struct {
	SourceID      string `json:"sourceId"`
	DestID        string `json:"destId"`
	Amount        int64  `json:"amount"`
	GroupID       string `json:"groupId"`
	AllowNegative bool   `json:"allowNegative,omitempty"`
}

type RefundResponse struct {
	EntryIDs []int64 `json:"entryIds"`
}

type EntryDTO struct {
	ID          int64  `json:"id"`
	WalletID    string `json:"walletId"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Tier        string `json:"tier"`
}

type GroupStatusResponse struct {
	GroupID string     `json:"groupId"`
	Status  string     `json:"status"`
	Entries []EntryDTO `json:"entries"`
}

type BalanceResponse struct {
	WalletID  string `json:"walletId"`
	Confirmed int64  `json:"confirmed"`
	HeldDebit int64  `json:"held"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
}

func balanceDTO(b walletcore.Balance) BalanceResponse {
	return BalanceResponse{
		WalletID:  string(b.WalletID),
		Confirmed: b.Confirmed,
		HeldDebit: b.HeldDebit,
		Available: b.Available,
		Reserved:  b.Reserved,
	}
}

func entryDTO(e walletcore.TransactionEntry) EntryDTO {
	return EntryDTO{
		ID:          int64(e.ID),
		WalletID:    string(e.WalletID),
		Type:        string(e.Type),
		Status:      string(e.Status),
		Amount:      e.Amount,
		Description: e.Description,
		Tier:        string(e.Tier),
	}
}

type ReconciliationResponse struct {
	TotalSum  int64            `json:"totalSum"`
	PerStatus map[string]int64 `json:"perStatus"`
}

type ArchiveWalletRequest struct {
	Cutoff string `json:"cutoff"` // RFC3339
}
