package ledgerxgo

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInternalServer = errors.New("internal server error")
	ErrOverloaded     = errors.New("service overloaded, try again later")
)

// ErrInvalidRequest rejects a request by its shape, e.g. a transfer to the
// same account. Nothing is recorded for it.
type ErrInvalidRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrInvalidRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

// ErrNotFound is returned by stores for unknown keys.
type ErrNotFound struct {
	ID string `json:"id"`
}

func (e ErrNotFound) Error() string {
	return "record not found"
}

type ErrAccountNotFound struct {
	Number string `json:"number"`
}

func (e ErrAccountNotFound) Error() string {
	return fmt.Sprintf("account %s not found", e.Number)
}

type ErrAccountClosed struct {
	Number string `json:"number"`
}

func (e ErrAccountClosed) Error() string {
	return fmt.Sprintf("account %s is closed", e.Number)
}

type ErrUnauthorized struct {
	Number string `json:"number"`
	Actor  string `json:"actor"`
}

func (e ErrUnauthorized) Error() string {
	return fmt.Sprintf("actor %q is not allowed to operate account %s", e.Actor, e.Number)
}

type ErrInvalidAmount struct {
	Amount decimal.Decimal `json:"amount"`
}

func (e ErrInvalidAmount) Error() string {
	return fmt.Sprintf("amount must be positive, got %s", e.Amount)
}

type ErrInsufficientFunds struct {
	Balance decimal.Decimal `json:"balance"`
	Amount  decimal.Decimal `json:"amount"`
}

func (e ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, requested %s", e.Balance, e.Amount)
}

// ErrTransactionFailed wraps any fault met after a movement was authorized.
// TxnID refers to the FAILED transaction that was recorded for it.
type ErrTransactionFailed struct {
	TxnID snowflake.ID `json:"txn_id"`
	Kind  Kind         `json:"kind"`
	Err   error        `json:"-"`
}

func (e ErrTransactionFailed) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e ErrTransactionFailed) Unwrap() error {
	return e.Err
}
