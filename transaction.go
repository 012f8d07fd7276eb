package ledgerxgo

import (
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindDeposit  Kind = "DEPOSIT"
	KindWithdraw Kind = "WITHDRAW"
	KindTransfer Kind = "TRANSFER"
)

type TxnStatus string

const (
	TxnPending TxnStatus = "PENDING"
	TxnSuccess TxnStatus = "SUCCESS"
	TxnFailed  TxnStatus = "FAILED"
)

const maxReasonLen = 255

// Transaction is one attempted movement. From is nil for cash coming in from
// outside the ledger and To is nil for cash leaving it.
type Transaction struct {
	ID        snowflake.ID    `json:"id"`
	From      *uuid.UUID      `json:"from,omitempty"`
	To        *uuid.UUID      `json:"to,omitempty"`
	Kind      Kind            `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Status    TxnStatus       `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Touches reports whether the account is either end of the transaction.
func (t Transaction) Touches(acctID uuid.UUID) bool {
	return (t.From != nil && *t.From == acctID) || (t.To != nil && *t.To == acctID)
}

// Succeed returns the terminal SUCCESS copy of a pending transaction.
// Terminal transactions are returned unchanged.
func (t Transaction) Succeed() Transaction {
	if t.Status != TxnPending {
		return t
	}
	t.Status = TxnSuccess
	return t
}

// Fail returns the terminal FAILED copy of a pending transaction with the
// reason truncated to fit the ledger column.
func (t Transaction) Fail(reason string) Transaction {
	if t.Status != TxnPending {
		return t
	}
	t.Status = TxnFailed
	t.Reason = truncate(reason, maxReasonLen)
	return t
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func ref(id uuid.UUID) *uuid.UUID {
	return &id
}
