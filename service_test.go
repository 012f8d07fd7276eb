package ledgerxgo_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/arhyth/ledgerxgo"
	"github.com/arhyth/ledgerxgo/mocks"
)

type fixture struct {
	accts  *ledgerxgo.MemAccounts
	ledger *ledgerxgo.MemLedger
	audit  *ledgerxgo.MemAuditLog
	cache  *ledgerxgo.MiniStatements
	svc    *ledgerxgo.Orchestrator
}

func newFixture(tt *testing.T, accts ...ledgerxgo.Account) *fixture {
	node, err := snowflake.NewNode(1)
	require.NoError(tt, err)
	f := &fixture{
		accts:  ledgerxgo.NewMemAccounts(accts...),
		ledger: ledgerxgo.NewMemLedger(),
		audit:  ledgerxgo.NewMemAuditLog(),
	}
	f.cache = ledgerxgo.NewMiniStatements(f.ledger)
	log := zerolog.Nop()
	f.svc, err = ledgerxgo.NewService(ledgerxgo.Deps{
		Accounts: f.accts,
		Ledger:   f.ledger,
		Audit:    f.audit,
		Cache:    f.cache,
		Node:     node,
		Log:      &log,
	})
	require.NoError(tt, err)
	return f
}

func (f *fixture) balance(tt *testing.T, number string) string {
	acct, err := f.accts.GetByNumber(context.Background(), number)
	require.NoError(tt, err)
	return acct.Balance.String()
}

func account(owner, number string, balance int64) ledgerxgo.Account {
	return ledgerxgo.Account{
		ID:        uuid.New(),
		Owner:     owner,
		Number:    number,
		Balance:   decimal.NewFromInt(balance),
		Status:    ledgerxgo.StatusActive,
		Class:     ledgerxgo.ClassSavings,
		CreatedAt: time.Now(),
	}
}

var sharedNode = func() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}()

// testNode hands out a single node so ids generated across a test never
// collide.
func testNode(_ *testing.T) *snowflake.Node {
	return sharedNode
}

func TestNewService(t *testing.T) {
	t.Run("returns an error naming every missing dependency", func(tt *testing.T) {
		as := assert.New(tt)
		_, err := ledgerxgo.NewService(ledgerxgo.Deps{Accounts: ledgerxgo.NewMemAccounts()})
		errir := &ledgerxgo.ErrInvalidRequest{}
		as.ErrorAs(err, errir)
		as.Contains(errir.Fields, "ledger")
		as.Contains(errir.Fields, "audit")
		as.Contains(errir.Fields, "cache")
		as.Contains(errir.Fields, "node")
		as.NotContains(errir.Fields, "accounts")
	})
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("adds the amount and records one audit entry", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		a1 := account("alice", "A1", 1000)
		f := newFixture(tt, a1)

		txn, err := f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(250)})
		reqrd.NoError(err)
		as.Equal(ledgerxgo.TxnSuccess, txn.Status)
		as.Equal(ledgerxgo.KindDeposit, txn.Kind)
		as.Nil(txn.From)
		reqrd.NotNil(txn.To)
		as.Equal(a1.ID, *txn.To)
		as.Equal("1250", f.balance(tt, "A1"))

		stored, err := f.ledger.Get(ctx, txn.ID)
		reqrd.NoError(err)
		as.Equal(ledgerxgo.TxnSuccess, stored.Status)

		entries := f.audit.ByTxn(txn.ID)
		reqrd.Len(entries, 1)
		as.Equal(ledgerxgo.ActionDeposit, entries[0].Action)
		as.Equal("alice", entries[0].Actor)
		as.Equal("1000", entries[0].Before.String())
		as.Equal("1250", entries[0].After.String())

		recent, err := f.cache.Snapshot(ctx, a1.ID)
		reqrd.NoError(err)
		reqrd.Len(recent, 1)
		as.Equal(txn.ID, recent[0].ID)
	})

	t.Run("non-positive amount leaves a FAILED record linked to the account", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		a1 := account("alice", "A1", 1000)
		f := newFixture(tt, a1)

		txn, err := f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(-100)})
		as.Nil(txn)
		errtf := &ledgerxgo.ErrTransactionFailed{}
		reqrd.ErrorAs(err, errtf)
		as.ErrorAs(err, &ledgerxgo.ErrInvalidAmount{})
		as.Equal(ledgerxgo.KindDeposit, errtf.Kind)
		as.Equal("1000", f.balance(tt, "A1"))

		all, err := f.ledger.ListAll(ctx)
		reqrd.NoError(err)
		reqrd.Len(all, 1)
		failed := all[0]
		as.Equal(errtf.TxnID, failed.ID)
		as.Equal(ledgerxgo.TxnFailed, failed.Status)
		as.Nil(failed.From)
		reqrd.NotNil(failed.To)
		as.Equal(a1.ID, *failed.To)
		as.NotEmpty(failed.Reason)

		entries := f.audit.ByTxn(failed.ID)
		reqrd.Len(entries, 1)
		as.Equal(ledgerxgo.ActionDepositFailed, entries[0].Action)
		as.True(entries[0].Before.Equal(entries[0].After))

		recent, err := f.cache.Snapshot(ctx, a1.ID)
		reqrd.NoError(err)
		as.Empty(recent)
	})

	t.Run("rejects before authorization without writing anything", func(tt *testing.T) {
		closed := account("alice", "C1", 10)
		closed.Status = ledgerxgo.StatusClosed
		cases := []struct {
			name   string
			req    ledgerxgo.ChargeReq
			target error
		}{
			{"unknown account", ledgerxgo.ChargeReq{Number: "ZZ", Actor: "alice", Amount: decimal.NewFromInt(1)}, &ledgerxgo.ErrAccountNotFound{}},
			{"foreign actor", ledgerxgo.ChargeReq{Number: "A1", Actor: "mallory", Amount: decimal.NewFromInt(1)}, &ledgerxgo.ErrUnauthorized{}},
			{"closed account", ledgerxgo.ChargeReq{Number: "C1", Actor: "alice", Amount: decimal.NewFromInt(1)}, &ledgerxgo.ErrAccountClosed{}},
		}
		for _, c := range cases {
			tt.Run(c.name, func(ttt *testing.T) {
				as := assert.New(ttt)
				f := newFixture(ttt, account("alice", "A1", 1000), closed)
				txn, err := f.svc.Deposit(ctx, c.req)
				as.Nil(txn)
				as.ErrorAs(err, c.target)
				as.False(errors.As(err, &ledgerxgo.ErrTransactionFailed{}))
				all, _ := f.ledger.ListAll(ctx)
				as.Empty(all)
				as.Empty(f.audit.All())
			})
		}
	})
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("subtracts the amount", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		a1 := account("alice", "A1", 1000)
		f := newFixture(tt, a1)

		txn, err := f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(300)})
		reqrd.NoError(err)
		as.Equal("700", f.balance(tt, "A1"))
		reqrd.NotNil(txn.From)
		as.Equal(a1.ID, *txn.From)
		as.Nil(txn.To)

		entries := f.audit.ByTxn(txn.ID)
		reqrd.Len(entries, 1)
		as.Equal(ledgerxgo.ActionWithdraw, entries[0].Action)
		as.Equal("700", entries[0].After.String())
	})

	t.Run("overdraft fails and leaves the balance untouched", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		a1 := account("alice", "A1", 100)
		f := newFixture(tt, a1)

		_, err := f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(500)})
		errisf := &ledgerxgo.ErrInsufficientFunds{}
		reqrd.ErrorAs(err, errisf)
		as.Equal("100", errisf.Balance.String())
		as.Equal("100", f.balance(tt, "A1"))

		hist, err := f.svc.History(ctx, ledgerxgo.HistoryReq{Number: "A1", Actor: "alice"})
		reqrd.NoError(err)
		reqrd.Len(hist, 1)
		as.Equal(ledgerxgo.TxnFailed, hist[0].Status)
		reqrd.NotNil(hist[0].From)
		as.Equal(a1.ID, *hist[0].From)
		as.Nil(hist[0].To)

		entries := f.audit.ByTxn(hist[0].ID)
		reqrd.Len(entries, 1)
		as.Equal(ledgerxgo.ActionWithdrawFailed, entries[0].Action)
		as.Equal("100", entries[0].Before.String())
		as.Equal("100", entries[0].After.String())
	})

	t.Run("every failed attempt gets its own FAILED transaction", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newFixture(tt, account("alice", "A1", 10))

		ids := map[snowflake.ID]struct{}{}
		for i := 0; i < 4; i++ {
			_, err := f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(50)})
			errtf := &ledgerxgo.ErrTransactionFailed{}
			reqrd.ErrorAs(err, errtf)
			ids[errtf.TxnID] = struct{}{}
		}
		as.Len(ids, 4)
		all, err := f.ledger.ListAll(ctx)
		reqrd.NoError(err)
		as.Len(all, 4)
		as.Len(f.audit.All(), 4)
		as.Equal("10", f.balance(tt, "A1"))
	})

	t.Run("concurrent withdrawals never overdraw", func(tt *testing.T) {
		as := assert.New(tt)
		f := newFixture(tt, account("alice", "A1", 300))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok, fail int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(10)})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					ok++
				} else {
					fail++
				}
			}()
		}
		wg.Wait()

		as.Equal(30, ok)
		as.Equal(20, fail)
		as.Equal("0", f.balance(tt, "A1"))
		all, _ := f.ledger.ListAll(ctx)
		as.Len(all, 50)
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("moves funds and audits both sides", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		a1 := account("alice", "A1", 1000)
		a2 := account("bob", "A2", 500)
		f := newFixture(tt, a1, a2)

		txn, err := f.svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A1", To: "A2", Actor: "alice", Amount: decimal.NewFromInt(400)})
		reqrd.NoError(err)
		as.Equal("600", f.balance(tt, "A1"))
		as.Equal("900", f.balance(tt, "A2"))
		as.Equal(*txn.From, a1.ID)
		as.Equal(*txn.To, a2.ID)

		entries := f.audit.ByTxn(txn.ID)
		reqrd.Len(entries, 2)
		actions := map[string]ledgerxgo.AuditEntry{}
		for _, e := range entries {
			actions[e.Action] = e
		}
		as.Equal(a1.ID, actions[ledgerxgo.ActionTransferDebit].AccountID)
		as.Equal("600", actions[ledgerxgo.ActionTransferDebit].After.String())
		as.Equal(a2.ID, actions[ledgerxgo.ActionTransferCredit].AccountID)
		as.Equal("900", actions[ledgerxgo.ActionTransferCredit].After.String())

		for _, id := range []uuid.UUID{a1.ID, a2.ID} {
			recent, err := f.cache.Snapshot(ctx, id)
			reqrd.NoError(err)
			reqrd.Len(recent, 1)
			as.Equal(txn.ID, recent[0].ID)
		}
	})

	t.Run("same account is rejected before anything is recorded", func(tt *testing.T) {
		as := assert.New(tt)
		f := newFixture(tt, account("alice", "A1", 1000))
		_, err := f.svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A1", To: "A1", Actor: "alice", Amount: decimal.NewFromInt(1)})
		as.ErrorAs(err, &ledgerxgo.ErrInvalidRequest{})
		all, _ := f.ledger.ListAll(ctx)
		as.Empty(all)
	})

	t.Run("closed destination is rejected before anything is recorded", func(tt *testing.T) {
		as := assert.New(tt)
		a2 := account("bob", "A2", 0)
		a2.Status = ledgerxgo.StatusClosed
		f := newFixture(tt, account("alice", "A1", 1000), a2)
		_, err := f.svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A1", To: "A2", Actor: "alice", Amount: decimal.NewFromInt(1)})
		errcl := &ledgerxgo.ErrAccountClosed{}
		as.ErrorAs(err, errcl)
		as.Equal("A2", errcl.Number)
		as.Equal("1000", f.balance(tt, "A1"))
		as.Empty(f.audit.All())
	})

	t.Run("overdraft records a failure against the source only", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		a1 := account("alice", "A1", 10)
		f := newFixture(tt, a1, account("bob", "A2", 0))

		_, err := f.svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A1", To: "A2", Actor: "alice", Amount: decimal.NewFromInt(11)})
		as.ErrorAs(err, &ledgerxgo.ErrInsufficientFunds{})
		all, _ := f.ledger.ListAll(ctx)
		reqrd.Len(all, 1)
		as.Equal(ledgerxgo.TxnFailed, all[0].Status)
		as.Equal(a1.ID, *all[0].From)
		as.Nil(all[0].To)
		entries := f.audit.ByTxn(all[0].ID)
		reqrd.Len(entries, 1)
		as.Equal(ledgerxgo.ActionTransferFailed, entries[0].Action)
		as.Equal("0", f.balance(tt, "A2"))
	})

	t.Run("opposing concurrent transfers conserve the total", func(tt *testing.T) {
		as := assert.New(tt)
		f := newFixture(tt, account("alice", "A1", 100), account("bob", "A2", 100))

		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = f.svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A1", To: "A2", Actor: "alice", Amount: decimal.NewFromInt(3)})
			}()
			go func() {
				defer wg.Done()
				_, _ = f.svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A2", To: "A1", Actor: "bob", Amount: decimal.NewFromInt(2)})
			}()
		}
		wg.Wait()

		a1, _ := f.accts.GetByNumber(ctx, "A1")
		a2, _ := f.accts.GetByNumber(ctx, "A2")
		as.Equal("200", a1.Balance.Add(a2.Balance).String())
		as.False(a1.Balance.IsNegative())
		as.False(a2.Balance.IsNegative())
	})
}

func TestPersistenceFaults(t *testing.T) {
	ctx := context.Background()
	nooplog := zerolog.Nop()

	t.Run("ledger failure restores the account and records the failure", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		accts := mocks.NewMockAccountStore(ctrl)
		ledger := mocks.NewMockLedgerStore(ctrl)
		audit := ledgerxgo.NewMemAuditLog()
		a1 := account("alice", "A1", 1000)

		accts.EXPECT().GetByNumber(gomock.Any(), "A1").Return(&a1, nil)
		accts.EXPECT().Get(gomock.Any(), a1.ID).Return(&a1, nil)
		gomock.InOrder(
			accts.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, a ledgerxgo.Account) error {
					as.Equal("1250", a.Balance.String())
					return nil
				}),
			ledger.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, txn ledgerxgo.Transaction) error {
					as.Equal(ledgerxgo.TxnSuccess, txn.Status)
					return errors.New("disk full")
				}),
			accts.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, a ledgerxgo.Account) error {
					as.Equal("1000", a.Balance.String())
					return nil
				}),
			ledger.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, txn ledgerxgo.Transaction) error {
					as.Equal(ledgerxgo.TxnFailed, txn.Status)
					as.Equal("disk full", txn.Reason)
					return nil
				}),
		)

		svc, err := ledgerxgo.NewService(ledgerxgo.Deps{
			Accounts: accts,
			Ledger:   ledger,
			Audit:    audit,
			Cache:    ledgerxgo.NewMiniStatements(ledger),
			Node:     testNode(tt),
			Log:      &nooplog,
		})
		reqrd.NoError(err)

		txn, err := svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(250)})
		as.Nil(txn)
		as.ErrorAs(err, &ledgerxgo.ErrTransactionFailed{})
		entries := audit.All()
		reqrd.Len(entries, 1)
		as.Equal(ledgerxgo.ActionDepositFailed, entries[0].Action)
	})

	t.Run("failed credit write restores the debited source", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		accts := mocks.NewMockAccountStore(ctrl)
		ledger := mocks.NewMockLedgerStore(ctrl)
		a1 := account("alice", "A1", 1000)
		a2 := account("bob", "A2", 500)

		accts.EXPECT().GetByNumber(gomock.Any(), "A1").Return(&a1, nil)
		accts.EXPECT().GetByNumber(gomock.Any(), "A2").Return(&a2, nil)
		accts.EXPECT().Get(gomock.Any(), a1.ID).Return(&a1, nil)
		accts.EXPECT().Get(gomock.Any(), a2.ID).Return(&a2, nil)
		gomock.InOrder(
			accts.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, a ledgerxgo.Account) error {
					as.Equal(a1.ID, a.ID)
					as.Equal("600", a.Balance.String())
					return nil
				}),
			accts.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, a ledgerxgo.Account) error {
					as.Equal(a2.ID, a.ID)
					return context.DeadlineExceeded
				}),
			accts.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, a ledgerxgo.Account) error {
					as.Equal(a1.ID, a.ID)
					as.Equal("1000", a.Balance.String())
					return nil
				}),
			ledger.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, txn ledgerxgo.Transaction) error {
					as.Equal(ledgerxgo.TxnFailed, txn.Status)
					as.Equal(ledgerxgo.KindTransfer, txn.Kind)
					return nil
				}),
		)

		svc, err := ledgerxgo.NewService(ledgerxgo.Deps{
			Accounts: accts,
			Ledger:   ledger,
			Audit:    ledgerxgo.NewMemAuditLog(),
			Cache:    ledgerxgo.NewMiniStatements(ledger),
			Node:     testNode(tt),
			Log:      &nooplog,
		})
		reqrd.NoError(err)

		_, err = svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A1", To: "A2", Actor: "alice", Amount: decimal.NewFromInt(400)})
		as.ErrorIs(err, context.DeadlineExceeded)
	})

	t.Run("audit and cache faults after commit do not fail the movement", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		audit := mocks.NewMockAuditSink(ctrl)
		cache := mocks.NewMockRecentActivity(ctrl)
		a1 := account("alice", "A1", 1000)
		accts := ledgerxgo.NewMemAccounts(a1)
		ledger := ledgerxgo.NewMemLedger()

		audit.EXPECT().Put(gomock.Any(), gomock.Any()).Return(errors.New("audit down"))
		cache.EXPECT().Record(gomock.Any(), a1.ID, gomock.Any()).Return(errors.New("cache down"))

		svc, err := ledgerxgo.NewService(ledgerxgo.Deps{
			Accounts: accts,
			Ledger:   ledger,
			Audit:    audit,
			Cache:    cache,
			Node:     testNode(tt),
			Log:      &nooplog,
		})
		reqrd.NoError(err)

		txn, err := svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(1)})
		reqrd.NoError(err)
		as.Equal(ledgerxgo.TxnSuccess, txn.Status)
		stored, err := ledger.Get(ctx, txn.ID)
		reqrd.NoError(err)
		as.Equal(ledgerxgo.TxnSuccess, stored.Status)
		acct, _ := accts.GetByNumber(ctx, "A1")
		as.Equal("999", acct.Balance.String())
	})
}

func TestReads(t *testing.T) {
	ctx := context.Background()

	t.Run("mini statement holds the five most recent successes", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newFixture(tt, account("alice", "A1", 0))
		for i := 1; i <= 7; i++ {
			_, err := f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(int64(i))})
			reqrd.NoError(err)
		}
		_, err := f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(1000)})
		reqrd.Error(err)

		recent, err := f.svc.MiniStatement(ctx, ledgerxgo.HistoryReq{Number: "A1", Actor: "alice"})
		reqrd.NoError(err)
		reqrd.Len(recent, ledgerxgo.MiniStatementSize)
		for i, txn := range recent {
			as.Equal(ledgerxgo.TxnSuccess, txn.Status)
			as.Equal(decimal.NewFromInt(int64(7-i)).String(), txn.Amount.String())
		}
	})

	t.Run("history is most recent first and owner only", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newFixture(tt, account("alice", "A1", 0))
		first, err := f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(1)})
		reqrd.NoError(err)
		second, err := f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(2)})
		reqrd.NoError(err)

		hist, err := f.svc.History(ctx, ledgerxgo.HistoryReq{Number: "A1", Actor: "alice"})
		reqrd.NoError(err)
		reqrd.Len(hist, 2)
		as.Equal(second.ID, hist[0].ID)
		as.Equal(first.ID, hist[1].ID)

		_, err = f.svc.History(ctx, ledgerxgo.HistoryReq{Number: "A1", Actor: "bob"})
		as.ErrorAs(err, &ledgerxgo.ErrUnauthorized{})
	})

	t.Run("balance is refused on closed accounts", func(tt *testing.T) {
		as := assert.New(tt)
		closed := account("alice", "C1", 5)
		closed.Status = ledgerxgo.StatusClosed
		f := newFixture(tt, account("alice", "A1", 42), closed)

		bal, err := f.svc.Balance(ctx, ledgerxgo.BalanceReq{Number: "A1", Actor: "alice"})
		as.NoError(err)
		as.Equal("42", bal.String())
		_, err = f.svc.Balance(ctx, ledgerxgo.BalanceReq{Number: "C1", Actor: "alice"})
		as.ErrorAs(err, &ledgerxgo.ErrAccountClosed{})
	})

	t.Run("session start warms recent activity from the ledger", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		a1 := account("alice", "A1", 0)
		f := newFixture(tt, a1, account("alice", "A2", 0))
		txn, err := f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(9)})
		reqrd.NoError(err)

		fresh := ledgerxgo.NewMiniStatements(f.ledger)
		svc, err := ledgerxgo.NewService(ledgerxgo.Deps{
			Accounts: f.accts,
			Ledger:   f.ledger,
			Audit:    f.audit,
			Cache:    fresh,
			Node:     testNode(tt),
		})
		reqrd.NoError(err)
		recent, err := svc.MiniStatement(ctx, ledgerxgo.HistoryReq{Number: "A1", Actor: "alice"})
		reqrd.NoError(err)
		as.Empty(recent)

		reqrd.NoError(svc.StartSession(ctx, ledgerxgo.SessionReq{Actor: "alice"}))
		recent, err = svc.MiniStatement(ctx, ledgerxgo.HistoryReq{Number: "A1", Actor: "alice"})
		reqrd.NoError(err)
		reqrd.Len(recent, 1)
		as.Equal(txn.ID, recent[0].ID)
	})

	t.Run("statement renders a PDF for the owner", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newFixture(tt, account("alice", "A1", 0))
		_, err := f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(9)})
		reqrd.NoError(err)

		buf := new(bytes.Buffer)
		reqrd.NoError(f.svc.Statement(ctx, buf, ledgerxgo.StatementReq{Number: "A1", Actor: "alice"}))
		as.True(bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))

		buf.Reset()
		err = f.svc.Statement(ctx, buf, ledgerxgo.StatementReq{Number: "A1", Actor: "eve"})
		as.ErrorAs(err, &ledgerxgo.ErrUnauthorized{})
		as.Zero(buf.Len())
	})
}

// gatedLedger parks SUCCESS writes until release is closed, then fails them
// with failWith when it is set.
type gatedLedger struct {
	ledgerxgo.LedgerStore
	entered  chan struct{}
	release  chan struct{}
	failWith error
}

func newGatedLedger(failWith error) *gatedLedger {
	return &gatedLedger{
		LedgerStore: ledgerxgo.NewMemLedger(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
		failWith:    failWith,
	}
}

func (g *gatedLedger) Put(ctx context.Context, txn ledgerxgo.Transaction) error {
	if txn.Status == ledgerxgo.TxnSuccess {
		g.entered <- struct{}{}
		<-g.release
		if g.failWith != nil {
			return g.failWith
		}
	}
	return g.LedgerStore.Put(ctx, txn)
}

func gatedService(tt *testing.T, ledger *gatedLedger, accts ...ledgerxgo.Account) (*ledgerxgo.Orchestrator, *ledgerxgo.MemAccounts) {
	store := ledgerxgo.NewMemAccounts(accts...)
	svc, err := ledgerxgo.NewService(ledgerxgo.Deps{
		Accounts: store,
		Ledger:   ledger,
		Audit:    ledgerxgo.NewMemAuditLog(),
		Cache:    ledgerxgo.NewMiniStatements(ledger),
		Node:     testNode(tt),
	})
	require.NoError(tt, err)
	return svc, store
}

func TestInFlightIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("balance never shows a movement that is later rolled back", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ledger := newGatedLedger(errors.New("ledger down"))
		svc, _ := gatedService(tt, ledger, account("alice", "A1", 1000))

		depErr := make(chan error, 1)
		go func() {
			_, err := svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(100)})
			depErr <- err
		}()
		<-ledger.entered

		type balResult struct {
			bal *decimal.Decimal
			err error
		}
		balCh := make(chan balResult, 1)
		go func() {
			bal, err := svc.Balance(ctx, ledgerxgo.BalanceReq{Number: "A1", Actor: "alice"})
			balCh <- balResult{bal, err}
		}()
		select {
		case <-balCh:
			tt.Fatal("balance answered while the deposit was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(ledger.release)
		as.ErrorAs(<-depErr, &ledgerxgo.ErrTransactionFailed{})
		res := <-balCh
		reqrd.NoError(res.err)
		as.Equal("1000", res.bal.String())
	})

	t.Run("statement waits for the movement to settle", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ledger := newGatedLedger(nil)
		svc, _ := gatedService(tt, ledger, account("alice", "A1", 1000))

		depErr := make(chan error, 1)
		go func() {
			_, err := svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(1)})
			depErr <- err
		}()
		<-ledger.entered

		stmtErr := make(chan error, 1)
		go func() {
			stmtErr <- svc.Statement(ctx, new(bytes.Buffer), ledgerxgo.StatementReq{Number: "A1", Actor: "alice"})
		}()
		select {
		case <-stmtErr:
			tt.Fatal("statement rendered while the withdrawal was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(ledger.release)
		reqrd.NoError(<-depErr)
		as.NoError(<-stmtErr)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("owner closes an active account once", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		f := newFixture(tt, account("alice", "A1", 10))

		_, err := f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(1)})
		reqrd.NoError(err)
		reqrd.NoError(f.svc.Close(ctx, ledgerxgo.CloseReq{Number: "A1", Actor: "alice"}))

		acct, err := f.accts.GetByNumber(ctx, "A1")
		reqrd.NoError(err)
		as.Equal(ledgerxgo.StatusClosed, acct.Status)
		as.Equal("9", acct.Balance.String())

		as.ErrorAs(f.svc.Close(ctx, ledgerxgo.CloseReq{Number: "A1", Actor: "alice"}), &ledgerxgo.ErrAccountClosed{})
		_, err = f.svc.Deposit(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(1)})
		as.ErrorAs(err, &ledgerxgo.ErrAccountClosed{})

		hist, err := f.svc.History(ctx, ledgerxgo.HistoryReq{Number: "A1", Actor: "alice"})
		reqrd.NoError(err)
		as.Len(hist, 1)
	})

	t.Run("only the owner may close", func(tt *testing.T) {
		as := assert.New(tt)
		f := newFixture(tt, account("alice", "A1", 10))
		as.ErrorAs(f.svc.Close(ctx, ledgerxgo.CloseReq{Number: "A1", Actor: "eve"}), &ledgerxgo.ErrUnauthorized{})
		as.ErrorAs(f.svc.Close(ctx, ledgerxgo.CloseReq{Number: "NOPE", Actor: "alice"}), &ledgerxgo.ErrAccountNotFound{})
		as.Equal("10", f.balance(tt, "A1"))
	})

	t.Run("close waits out an in-flight withdrawal", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ledger := newGatedLedger(nil)
		svc, store := gatedService(tt, ledger, account("alice", "A1", 1000))

		wdErr := make(chan error, 1)
		go func() {
			_, err := svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(100)})
			wdErr <- err
		}()
		<-ledger.entered

		closeErr := make(chan error, 1)
		go func() {
			closeErr <- svc.Close(ctx, ledgerxgo.CloseReq{Number: "A1", Actor: "alice"})
		}()
		select {
		case <-closeErr:
			tt.Fatal("close landed while the withdrawal was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(ledger.release)
		reqrd.NoError(<-wdErr)
		reqrd.NoError(<-closeErr)

		acct, err := store.GetByNumber(ctx, "A1")
		reqrd.NoError(err)
		as.Equal(ledgerxgo.StatusClosed, acct.Status)
		as.Equal("900", acct.Balance.String())
	})

	t.Run("no movement lands after a racing close", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		for i := 0; i < 20; i++ {
			f := newFixture(tt, account("alice", "A1", 1000))
			var (
				wg       sync.WaitGroup
				wdErr    error
				closeErr error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, wdErr = f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(100)})
			}()
			go func() {
				defer wg.Done()
				closeErr = f.svc.Close(ctx, ledgerxgo.CloseReq{Number: "A1", Actor: "alice"})
			}()
			wg.Wait()
			reqrd.NoError(closeErr)

			hist, err := f.ledger.ListAll(ctx)
			reqrd.NoError(err)
			if wdErr != nil {
				as.ErrorAs(wdErr, &ledgerxgo.ErrAccountClosed{})
				as.Empty(hist)
				as.Equal("1000", f.balance(tt, "A1"))
			} else {
				as.Len(hist, 1)
				as.Equal("900", f.balance(tt, "A1"))
			}
			_, err = f.svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(1)})
			as.ErrorAs(err, &ledgerxgo.ErrAccountClosed{})
		}
	})
}

func TestUnitOfWork(t *testing.T) {
	ctx := context.Background()
	nooplog := zerolog.Nop()

	t.Run("failed commit is not compensated by hand", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		accts := mocks.NewMockAccountStore(ctrl)
		ledger := mocks.NewMockLedgerStore(ctrl)
		uow := mocks.NewMockUnitOfWork(ctrl)
		txAccts := mocks.NewMockAccountStore(ctrl)
		txLedger := mocks.NewMockLedgerStore(ctrl)
		a1 := account("alice", "A1", 1000)

		accts.EXPECT().GetByNumber(gomock.Any(), "A1").Return(&a1, nil)
		accts.EXPECT().Get(gomock.Any(), a1.ID).Return(&a1, nil)
		uow.EXPECT().Atomic(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, fn func(ledgerxgo.AccountStore, ledgerxgo.LedgerStore) error) error {
				return fn(txAccts, txLedger)
			})
		gomock.InOrder(
			txAccts.EXPECT().Put(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, a ledgerxgo.Account) error {
					as.Equal("900", a.Balance.String())
					return nil
				}),
			txLedger.EXPECT().Put(gomock.Any(), gomock.Any()).Return(errors.New("connection lost")),
		)
		ledger.EXPECT().Put(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, txn ledgerxgo.Transaction) error {
				as.Equal(ledgerxgo.TxnFailed, txn.Status)
				return nil
			})

		svc, err := ledgerxgo.NewService(ledgerxgo.Deps{
			Accounts:   accts,
			Ledger:     ledger,
			UnitOfWork: uow,
			Audit:      ledgerxgo.NewMemAuditLog(),
			Cache:      ledgerxgo.NewMiniStatements(ledger),
			Node:       testNode(tt),
			Log:        &nooplog,
		})
		reqrd.NoError(err)

		_, err = svc.Withdraw(ctx, ledgerxgo.ChargeReq{Number: "A1", Actor: "alice", Amount: decimal.NewFromInt(100)})
		as.ErrorAs(err, &ledgerxgo.ErrTransactionFailed{})
	})

	t.Run("committed writes go through the unit of work", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		uow := mocks.NewMockUnitOfWork(ctrl)
		a1 := account("alice", "A1", 1000)
		a2 := account("bob", "A2", 0)
		accts := ledgerxgo.NewMemAccounts(a1, a2)
		ledger := ledgerxgo.NewMemLedger()
		uow.EXPECT().Atomic(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, fn func(ledgerxgo.AccountStore, ledgerxgo.LedgerStore) error) error {
				return fn(accts, ledger)
			})

		svc, err := ledgerxgo.NewService(ledgerxgo.Deps{
			Accounts:   accts,
			Ledger:     ledger,
			UnitOfWork: uow,
			Audit:      ledgerxgo.NewMemAuditLog(),
			Cache:      ledgerxgo.NewMiniStatements(ledger),
			Node:       testNode(tt),
			Log:        &nooplog,
		})
		reqrd.NoError(err)

		txn, err := svc.Transfer(ctx, ledgerxgo.TransferReq{From: "A1", To: "A2", Actor: "alice", Amount: decimal.NewFromInt(250)})
		reqrd.NoError(err)
		stored, err := ledger.Get(ctx, txn.ID)
		reqrd.NoError(err)
		as.Equal(ledgerxgo.TxnSuccess, stored.Status)
		b1, _ := accts.GetByNumber(ctx, "A1")
		b2, _ := accts.GetByNumber(ctx, "A2")
		as.Equal("750", b1.Balance.String())
		as.Equal("250", b2.Balance.String())
	})
}
