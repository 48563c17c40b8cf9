package walletcore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/ledger-engine/internal/walletcore"
)

func TestValidateSignType_DebitRequiresNegative(t *testing.T) {
	ok := walletcore.TransactionEntry{Type: walletcore.EntryDebit, Amount: -100}.ValidateSignType()
	assert.True(t, ok)

	ok = walletcore.TransactionEntry{Type: walletcore.EntryDebit, Amount: 100}.ValidateSignType()
	assert.False(t, ok, "positive amount on a DEBIT entry violates sign-type agreement")
}

func TestValidateSignType_CreditRequiresPositive(t *testing.T) {
	ok := walletcore.TransactionEntry{Type: walletcore.EntryCredit, Amount: 100}.ValidateSignType()
	assert.True(t, ok)

	ok = walletcore.TransactionEntry{Type: walletcore.EntryCredit, Amount: -100}.ValidateSignType()
	assert.False(t, ok)
}

func TestValidateSignType_LedgerExempt(t *testing.T) {
	assert.True(t, walletcore.TransactionEntry{Type: walletcore.EntryLedger, Amount: 0}.ValidateSignType())
	assert.True(t, walletcore.TransactionEntry{Type: walletcore.EntryLedger, Amount: -5}.ValidateSignType())
}

func TestGroupStatus_IsTerminal(t *testing.T) {
	// GIVEN: the four group statuses
	// WHEN: checking IsTerminal
	// THEN: only IN_PROGRESS is non-terminal
	assert.False(t, walletcore.GroupInProgress.IsTerminal())
	assert.True(t, walletcore.GroupSettled.IsTerminal())
	assert.True(t, walletcore.GroupReleased.IsTerminal())
	assert.True(t, walletcore.GroupCancelled.IsTerminal())
}
