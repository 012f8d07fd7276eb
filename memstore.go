package ledgerxgo

import (
	"context"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// MemAccounts is an AccountStore held in process memory. Callers always get
// copies, never pointers into the store.
type MemAccounts struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]Account
	byNumber map[string]uuid.UUID
}

var (
	_ AccountStore = (*MemAccounts)(nil)
)

func NewMemAccounts(accts ...Account) *MemAccounts {
	m := &MemAccounts{
		byID:     make(map[uuid.UUID]Account),
		byNumber: make(map[string]uuid.UUID),
	}
	for _, a := range accts {
		m.byID[a.ID] = a
		m.byNumber[a.Number] = a.ID
	}
	return m
}

func (m *MemAccounts) Get(_ context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound{ID: id.String()}
	}
	return &a, nil
}

func (m *MemAccounts) GetByNumber(_ context.Context, number string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byNumber[number]
	if !ok {
		return nil, ErrNotFound{ID: number}
	}
	a := m.byID[id]
	return &a, nil
}

// GetByOwnerAndClass returns the newest active account of the class.
func (m *MemAccounts) GetByOwnerAndClass(_ context.Context, owner string, class AccountClass) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Account
	for _, a := range m.byID {
		if a.Owner != owner || a.Class != class || !a.Active() {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			cp := a
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrNotFound{ID: owner + "/" + string(class)}
	}
	return found, nil
}

func (m *MemAccounts) ListByOwner(_ context.Context, owner string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Account{}
	for _, a := range m.byID {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemAccounts) Put(_ context.Context, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byID[acct.ID]; ok && prev.Number != acct.Number {
		delete(m.byNumber, prev.Number)
	}
	m.byID[acct.ID] = acct
	m.byNumber[acct.Number] = acct.ID
	return nil
}

// MemLedger is an append-only LedgerStore held in process memory.
type MemLedger struct {
	mu   sync.RWMutex
	txns []Transaction
	byID map[snowflake.ID]int
}

var (
	_ LedgerStore = (*MemLedger)(nil)
)

func NewMemLedger() *MemLedger {
	return &MemLedger{byID: make(map[snowflake.ID]int)}
}

func (m *MemLedger) Put(_ context.Context, txn Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[txn.ID]; ok {
		return ErrInvalidRequest{Fields: map[string]string{"id": "transaction already recorded"}}
	}
	m.byID[txn.ID] = len(m.txns)
	m.txns = append(m.txns, txn)
	return nil
}

func (m *MemLedger) Get(_ context.Context, id snowflake.ID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound{ID: id.String()}
	}
	t := m.txns[i]
	return &t, nil
}

func (m *MemLedger) ListByAccount(_ context.Context, acctID uuid.UUID) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Transaction{}
	for i := len(m.txns) - 1; i >= 0; i-- {
		if m.txns[i].Touches(acctID) {
			out = append(out, m.txns[i])
		}
	}
	return out, nil
}

func (m *MemLedger) ListAll(_ context.Context) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transaction, 0, len(m.txns))
	for i := len(m.txns) - 1; i >= 0; i-- {
		out = append(out, m.txns[i])
	}
	return out, nil
}

// MemAuditLog is an AuditSink held in process memory, queryable for tests
// and local runs.
type MemAuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

var (
	_ AuditSink = (*MemAuditLog)(nil)
)

func NewMemAuditLog() *MemAuditLog {
	return &MemAuditLog{}
}

func (m *MemAuditLog) Put(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemAuditLog) All() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *MemAuditLog) ByTxn(id snowflake.ID) []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []AuditEntry{}
	for _, e := range m.entries {
		if e.TxnID == id {
			out = append(out, e)
		}
	}
	return out
}
