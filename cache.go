package ledgerxgo

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const MiniStatementSize = 5

// RecentActivity keeps the last few successful transactions of each account,
// most recent first.
type RecentActivity interface {
	// LoadInitial replaces the account's entries with the first successful
	// transactions found in the ledger. Called once per session start.
	LoadInitial(ctx context.Context, acctID uuid.UUID) error
	// Record pushes a successful transaction to the front. Anything that is
	// not SUCCESS is ignored.
	Record(ctx context.Context, acctID uuid.UUID, txn Transaction) error
	// Snapshot never fails for an unknown account; it returns an empty slice.
	Snapshot(ctx context.Context, acctID uuid.UUID) ([]Transaction, error)
}

// MiniStatements is the in-process RecentActivity.
type MiniStatements struct {
	ledger LedgerStore
	size   int

	mu    sync.RWMutex
	accts map[uuid.UUID][]Transaction
}

var (
	_ RecentActivity = (*MiniStatements)(nil)
)

func NewMiniStatements(ledger LedgerStore) *MiniStatements {
	return &MiniStatements{
		ledger: ledger,
		size:   MiniStatementSize,
		accts:  make(map[uuid.UUID][]Transaction),
	}
}

func (m *MiniStatements) LoadInitial(ctx context.Context, acctID uuid.UUID) error {
	txns, err := m.ledger.ListByAccount(ctx, acctID)
	if err != nil {
		return err
	}
	recent := firstSuccessful(txns, m.size)

	m.mu.Lock()
	m.accts[acctID] = recent
	m.mu.Unlock()
	return nil
}

func (m *MiniStatements) Record(_ context.Context, acctID uuid.UUID, txn Transaction) error {
	if txn.Status != TxnSuccess {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.accts[acctID]
	next := make([]Transaction, 0, m.size)
	next = append(next, txn)
	for _, t := range q {
		if len(next) == m.size {
			break
		}
		next = append(next, t)
	}
	m.accts[acctID] = next
	return nil
}

func (m *MiniStatements) Snapshot(_ context.Context, acctID uuid.UUID) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transaction, len(m.accts[acctID]))
	copy(out, m.accts[acctID])
	return out, nil
}

func firstSuccessful(txns []Transaction, n int) []Transaction {
	out := make([]Transaction, 0, n)
	for _, t := range txns {
		if len(out) == n {
			break
		}
		if t.Status == TxnSuccess {
			out = append(out, t)
		}
	}
	return out
}
