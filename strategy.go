package ledgerxgo

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Result holds the new values of the accounts a movement touched along with
// the PENDING transaction describing it. The inputs are left untouched.
type Result struct {
	Txn     Transaction
	Account Account
	Target  *Account
}

// Strategy computes a single kind of movement. Implementations must not
// perform I/O; persistence is up to the caller.
type Strategy interface {
	Kind() Kind
	Execute(acct Account, amount decimal.Decimal, target *Account) (Result, error)
}

type pendingTxn struct {
	node *snowflake.Node
	now  func() time.Time
}

func (p pendingTxn) new(kind Kind, amount decimal.Decimal) Transaction {
	return Transaction{
		ID:        p.node.Generate(),
		Kind:      kind,
		Amount:    amount,
		Status:    TxnPending,
		CreatedAt: p.now(),
	}
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount{Amount: amount}
	}
	return nil
}

func requireCovered(acct Account, amount decimal.Decimal) error {
	if acct.Balance.LessThan(amount) {
		return ErrInsufficientFunds{Balance: acct.Balance, Amount: amount}
	}
	return nil
}

type depositStrategy struct{ pendingTxn }

func NewDepositStrategy(node *snowflake.Node, now func() time.Time) Strategy {
	return depositStrategy{pendingTxn{node: node, now: now}}
}

func (depositStrategy) Kind() Kind { return KindDeposit }

func (s depositStrategy) Execute(acct Account, amount decimal.Decimal, _ *Account) (Result, error) {
	if err := requirePositive(amount); err != nil {
		return Result{}, err
	}
	acct.Balance = acct.Balance.Add(amount)
	txn := s.new(KindDeposit, amount)
	txn.To = ref(acct.ID)
	return Result{Txn: txn, Account: acct}, nil
}

type withdrawStrategy struct{ pendingTxn }

func NewWithdrawStrategy(node *snowflake.Node, now func() time.Time) Strategy {
	return withdrawStrategy{pendingTxn{node: node, now: now}}
}

func (withdrawStrategy) Kind() Kind { return KindWithdraw }

func (s withdrawStrategy) Execute(acct Account, amount decimal.Decimal, _ *Account) (Result, error) {
	if err := requirePositive(amount); err != nil {
		return Result{}, err
	}
	if err := requireCovered(acct, amount); err != nil {
		return Result{}, err
	}
	acct.Balance = acct.Balance.Sub(amount)
	txn := s.new(KindWithdraw, amount)
	txn.From = ref(acct.ID)
	return Result{Txn: txn, Account: acct}, nil
}

type transferStrategy struct{ pendingTxn }

func NewTransferStrategy(node *snowflake.Node, now func() time.Time) Strategy {
	return transferStrategy{pendingTxn{node: node, now: now}}
}

func (transferStrategy) Kind() Kind { return KindTransfer }

func (s transferStrategy) Execute(src Account, amount decimal.Decimal, dest *Account) (Result, error) {
	if dest == nil {
		return Result{}, ErrInvalidRequest{Fields: map[string]string{"to": "missing destination account"}}
	}
	if err := requirePositive(amount); err != nil {
		return Result{}, err
	}
	if err := requireCovered(src, amount); err != nil {
		return Result{}, err
	}
	credited := *dest
	src.Balance = src.Balance.Sub(amount)
	credited.Balance = credited.Balance.Add(amount)
	txn := s.new(KindTransfer, amount)
	txn.From = ref(src.ID)
	txn.To = ref(credited.ID)
	return Result{Txn: txn, Account: src, Target: &credited}, nil
}
