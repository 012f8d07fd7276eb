package ledgerxgo

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/arhyth/ledgerxgo AccountStore,LedgerStore,UnitOfWork,AuditSink,RecentActivity,Service

// AccountStore returns ErrNotFound for unknown keys.
type AccountStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByNumber(ctx context.Context, number string) (*Account, error)
	GetByOwnerAndClass(ctx context.Context, owner string, class AccountClass) (*Account, error)
	ListByOwner(ctx context.Context, owner string) ([]Account, error)
	Put(ctx context.Context, acct Account) error
}

// LedgerStore is append-only. List results are most-recent-first.
type LedgerStore interface {
	Put(ctx context.Context, txn Transaction) error
	Get(ctx context.Context, id snowflake.ID) (*Transaction, error)
	ListByAccount(ctx context.Context, acctID uuid.UUID) ([]Transaction, error)
	ListAll(ctx context.Context) ([]Transaction, error)
}

// UnitOfWork runs fn against account and ledger stores whose writes commit
// together or not at all.
type UnitOfWork interface {
	Atomic(ctx context.Context, fn func(AccountStore, LedgerStore) error) error
}
