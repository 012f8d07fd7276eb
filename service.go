package ledgerxgo

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultStoreTimeout = 5 * time.Second

type ChargeReq struct {
	Amount decimal.Decimal `json:"amount"`
	Number string          `json:"-"`
	Actor  string          `json:"-"`
}

type TransferReq struct {
	Amount decimal.Decimal `json:"amount"`
	To     string          `json:"to"`
	From   string          `json:"-"`
	Actor  string          `json:"-"`
}

type HistoryReq struct {
	Number string
	Actor  string
}

type BalanceReq struct {
	Number string
	Actor  string
}

type StatementReq struct {
	Number string
	Actor  string
}

type CloseReq struct {
	Number string
	Actor  string
}

type SessionReq struct {
	Actor string `json:"actor"`
}

type Service interface {
	Deposit(ctx context.Context, req ChargeReq) (*Transaction, error)
	Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error)
	Transfer(ctx context.Context, req TransferReq) (*Transaction, error)
	History(ctx context.Context, req HistoryReq) ([]Transaction, error)
	MiniStatement(ctx context.Context, req HistoryReq) ([]Transaction, error)
	Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error)
	Close(ctx context.Context, req CloseReq) error
	StartSession(ctx context.Context, req SessionReq) error
	Statement(ctx context.Context, w io.Writer, req StatementReq) error
}

// Deps are the collaborators of an Orchestrator. Accounts, Ledger, Audit,
// Cache and Node are required. When UnitOfWork is set, account and SUCCESS
// ledger writes go through it instead of being compensated by hand.
type Deps struct {
	Accounts     AccountStore
	Ledger       LedgerStore
	UnitOfWork   UnitOfWork
	Audit        AuditSink
	Cache        RecentActivity
	Node         *snowflake.Node
	Log          *zerolog.Logger
	Now          func() time.Time
	StoreTimeout time.Duration
}

// Orchestrator sequences every movement through
// authorize -> apply -> persist -> audit -> cache, and records a FAILED
// transaction for anything that goes wrong past authorization.
type Orchestrator struct {
	accts   AccountStore
	ledger  LedgerStore
	uow     UnitOfWork
	audit   AuditSink
	cache   RecentActivity
	node    *snowflake.Node
	log     *zerolog.Logger
	now     func() time.Time
	timeout time.Duration
	locks   *accountLocks

	deposit  Strategy
	withdraw Strategy
	transfer Strategy
}

var (
	_ Service = (*Orchestrator)(nil)
)

func NewService(deps Deps) (*Orchestrator, error) {
	missing := map[string]string{}
	if deps.Accounts == nil {
		missing["accounts"] = "required"
	}
	if deps.Ledger == nil {
		missing["ledger"] = "required"
	}
	if deps.Audit == nil {
		missing["audit"] = "required"
	}
	if deps.Cache == nil {
		missing["cache"] = "required"
	}
	if deps.Node == nil {
		missing["node"] = "required"
	}
	if len(missing) > 0 {
		return nil, ErrInvalidRequest{Fields: missing}
	}
	if deps.Log == nil {
		nop := zerolog.Nop()
		deps.Log = &nop
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = defaultStoreTimeout
	}

	return &Orchestrator{
		accts:    deps.Accounts,
		ledger:   deps.Ledger,
		uow:      deps.UnitOfWork,
		audit:    deps.Audit,
		cache:    deps.Cache,
		node:     deps.Node,
		log:      deps.Log,
		now:      deps.Now,
		timeout:  deps.StoreTimeout,
		locks:    newAccountLocks(),
		deposit:  NewDepositStrategy(deps.Node, deps.Now),
		withdraw: NewWithdrawStrategy(deps.Node, deps.Now),
		transfer: NewTransferStrategy(deps.Node, deps.Now),
	}, nil
}

// movement is an authorized request about to be applied. src is the account
// a failure record links to.
type movement struct {
	strat  Strategy
	actor  string
	amount decimal.Decimal
	src    Account
	dest   *Account
}

func (o *Orchestrator) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return o.charge(ctx, req, o.deposit)
}

func (o *Orchestrator) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return o.charge(ctx, req, o.withdraw)
}

func (o *Orchestrator) charge(ctx context.Context, req ChargeReq, strat Strategy) (*Transaction, error) {
	acct, err := o.lookup(ctx, req.Number)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.lock(acct.ID)
	defer unlock()

	if acct, err = o.reload(ctx, acct.ID, req.Number); err != nil {
		return nil, err
	}
	if err = authorize(*acct, req.Actor); err != nil {
		return nil, err
	}
	if !acct.Active() {
		return nil, ErrAccountClosed{Number: acct.Number}
	}

	return o.execute(context.WithoutCancel(ctx), movement{
		strat:  strat,
		actor:  req.Actor,
		amount: req.Amount,
		src:    *acct,
	})
}

func (o *Orchestrator) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	if req.From == req.To {
		return nil, ErrInvalidRequest{Fields: map[string]string{"to": "must differ from source account"}}
	}
	src, err := o.lookup(ctx, req.From)
	if err != nil {
		return nil, err
	}
	dest, err := o.lookup(ctx, req.To)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.lock(src.ID, dest.ID)
	defer unlock()

	if src, err = o.reload(ctx, src.ID, req.From); err != nil {
		return nil, err
	}
	if dest, err = o.reload(ctx, dest.ID, req.To); err != nil {
		return nil, err
	}
	if err = authorize(*src, req.Actor); err != nil {
		return nil, err
	}
	if !src.Active() {
		return nil, ErrAccountClosed{Number: src.Number}
	}
	if !dest.Active() {
		return nil, ErrAccountClosed{Number: dest.Number}
	}

	return o.execute(context.WithoutCancel(ctx), movement{
		strat:  o.transfer,
		actor:  req.Actor,
		amount: req.Amount,
		src:    *src,
		dest:   dest,
	})
}

// execute runs an authorized movement to a terminal state. The caller holds
// the locks of every account involved.
func (o *Orchestrator) execute(ctx context.Context, mv movement) (*Transaction, error) {
	res, err := mv.strat.Execute(mv.src, mv.amount, mv.dest)
	if err != nil {
		return nil, o.fail(ctx, mv, err)
	}
	if err = o.persist(ctx, mv, res); err != nil {
		return nil, o.fail(ctx, mv, err)
	}

	// The SUCCESS ledger record is the commit point; what follows cannot
	// undo the movement.
	txn := res.Txn.Succeed()
	for _, entry := range o.successEntries(txn, mv, res) {
		if err = o.call(ctx, func(ctx context.Context) error { return o.audit.Put(ctx, entry) }); err != nil {
			o.log.Error().
				Err(err).
				Stringer("txn", txn.ID).
				Str("action", entry.Action).
				Msg("audit write failed for committed transaction")
		}
	}
	o.remember(ctx, txn, mv.src.ID)
	if res.Target != nil {
		o.remember(ctx, txn, res.Target.ID)
	}

	o.log.Debug().
		Stringer("txn", txn.ID).
		Str("kind", string(txn.Kind)).
		Str("amount", txn.Amount.String()).
		Msg("transaction committed")
	return &txn, nil
}

// persist writes the new account values and the SUCCESS transaction. On
// failure every account already written is put back to its prior value,
// unless a unit of work makes the writes all-or-nothing.
func (o *Orchestrator) persist(ctx context.Context, mv movement, res Result) error {
	type write struct{ before, after Account }
	writes := []write{{before: mv.src, after: res.Account}}
	if res.Target != nil && mv.dest != nil {
		writes = append(writes, write{before: *mv.dest, after: *res.Target})
	}
	txn := res.Txn.Succeed()

	if o.uow != nil {
		return o.call(ctx, func(ctx context.Context) error {
			return o.uow.Atomic(ctx, func(accts AccountStore, ledger LedgerStore) error {
				for _, w := range writes {
					if err := accts.Put(ctx, w.after); err != nil {
						return err
					}
				}
				return ledger.Put(ctx, txn)
			})
		})
	}

	var done []Account
	rollback := func(cause error) error {
		for _, before := range done {
			if err := o.call(ctx, func(ctx context.Context) error { return o.accts.Put(ctx, before) }); err != nil {
				o.log.Error().
					Err(err).
					Stringer("account", before.ID).
					Stringer("txn", res.Txn.ID).
					Msg("failed restoring account after aborted movement")
			}
		}
		return cause
	}

	for _, w := range writes {
		if err := o.call(ctx, func(ctx context.Context) error { return o.accts.Put(ctx, w.after) }); err != nil {
			return rollback(err)
		}
		done = append(done, w.before)
	}
	if err := o.call(ctx, func(ctx context.Context) error { return o.ledger.Put(ctx, txn) }); err != nil {
		return rollback(err)
	}
	return nil
}

// fail records the FAILED transaction and its single audit entry for the
// source account, then reports the cause as ErrTransactionFailed.
func (o *Orchestrator) fail(ctx context.Context, mv movement, cause error) error {
	kind := mv.strat.Kind()
	txn := Transaction{
		ID:        o.node.Generate(),
		Kind:      kind,
		Amount:    mv.amount,
		Status:    TxnPending,
		CreatedAt: o.now(),
	}
	if kind == KindDeposit {
		txn.To = ref(mv.src.ID)
	} else {
		txn.From = ref(mv.src.ID)
	}
	txn = txn.Fail(cause.Error())

	if err := o.call(ctx, func(ctx context.Context) error { return o.ledger.Put(ctx, txn) }); err != nil {
		o.log.Error().Err(err).Stringer("txn", txn.ID).Msg("failed recording failed transaction")
	}
	entry := o.entry(txn, mv.actor, failedAction(kind), mv.src.ID, mv.src.Balance, mv.src.Balance)
	if err := o.call(ctx, func(ctx context.Context) error { return o.audit.Put(ctx, entry) }); err != nil {
		o.log.Error().Err(err).Stringer("txn", txn.ID).Msg("failed auditing failed transaction")
	}

	o.log.Info().
		Err(cause).
		Stringer("txn", txn.ID).
		Str("kind", string(kind)).
		Str("account", mv.src.Number).
		Msg("transaction failed")
	return ErrTransactionFailed{TxnID: txn.ID, Kind: kind, Err: cause}
}

func (o *Orchestrator) successEntries(txn Transaction, mv movement, res Result) []AuditEntry {
	switch txn.Kind {
	case KindTransfer:
		return []AuditEntry{
			o.entry(txn, mv.actor, ActionTransferDebit, mv.src.ID, mv.src.Balance, res.Account.Balance),
			o.entry(txn, mv.actor, ActionTransferCredit, res.Target.ID, mv.dest.Balance, res.Target.Balance),
		}
	case KindWithdraw:
		return []AuditEntry{o.entry(txn, mv.actor, ActionWithdraw, mv.src.ID, mv.src.Balance, res.Account.Balance)}
	default:
		return []AuditEntry{o.entry(txn, mv.actor, ActionDeposit, mv.src.ID, mv.src.Balance, res.Account.Balance)}
	}
}

func (o *Orchestrator) entry(txn Transaction, actor, action string, acctID uuid.UUID, before, after decimal.Decimal) AuditEntry {
	return AuditEntry{
		ID:        o.node.Generate(),
		TxnID:     txn.ID,
		AccountID: acctID,
		Actor:     actor,
		Action:    action,
		Before:    before,
		After:     after,
		CreatedAt: o.now(),
	}
}

func failedAction(kind Kind) string {
	switch kind {
	case KindWithdraw:
		return ActionWithdrawFailed
	case KindTransfer:
		return ActionTransferFailed
	default:
		return ActionDepositFailed
	}
}

func (o *Orchestrator) remember(ctx context.Context, txn Transaction, acctID uuid.UUID) {
	err := o.call(ctx, func(ctx context.Context) error { return o.cache.Record(ctx, acctID, txn) })
	if err != nil {
		o.log.Warn().
			Err(err).
			Stringer("txn", txn.ID).
			Stringer("account", acctID).
			Msg("recent activity update failed")
	}
}

func (o *Orchestrator) History(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	acct, err := o.owned(ctx, req.Number, req.Actor)
	if err != nil {
		return nil, err
	}
	return callValue(ctx, o.timeout, func(ctx context.Context) ([]Transaction, error) {
		return o.ledger.ListByAccount(ctx, acct.ID)
	})
}

func (o *Orchestrator) MiniStatement(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	acct, err := o.owned(ctx, req.Number, req.Actor)
	if err != nil {
		return nil, err
	}
	return callValue(ctx, o.timeout, func(ctx context.Context) ([]Transaction, error) {
		return o.cache.Snapshot(ctx, acct.ID)
	})
}

func (o *Orchestrator) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	acct, err := o.owned(ctx, req.Number, req.Actor)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.lock(acct.ID)
	defer unlock()

	if acct, err = o.reload(ctx, acct.ID, req.Number); err != nil {
		return nil, err
	}
	if !acct.Active() {
		return nil, ErrAccountClosed{Number: acct.Number}
	}
	bal := acct.Balance
	return &bal, nil
}

// Close marks an owned account CLOSED. It waits out any movement in flight
// on the account, and no movement is applied to it afterwards.
func (o *Orchestrator) Close(ctx context.Context, req CloseReq) error {
	acct, err := o.lookup(ctx, req.Number)
	if err != nil {
		return err
	}
	unlock := o.locks.lock(acct.ID)
	defer unlock()

	if acct, err = o.reload(ctx, acct.ID, req.Number); err != nil {
		return err
	}
	if err = authorize(*acct, req.Actor); err != nil {
		return err
	}
	if !acct.Active() {
		return ErrAccountClosed{Number: acct.Number}
	}

	closed := *acct
	closed.Status = StatusClosed
	if err = o.call(ctx, func(ctx context.Context) error { return o.accts.Put(ctx, closed) }); err != nil {
		return err
	}
	o.log.Info().
		Stringer("account", closed.ID).
		Str("actor", req.Actor).
		Msg("account closed")
	return nil
}

// StartSession warms the recent activity of every account the actor owns.
func (o *Orchestrator) StartSession(ctx context.Context, req SessionReq) error {
	accts, err := callValue(ctx, o.timeout, func(ctx context.Context) ([]Account, error) {
		return o.accts.ListByOwner(ctx, req.Actor)
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range accts {
		id := a.ID
		if err = o.call(ctx, func(ctx context.Context) error { return o.cache.LoadInitial(ctx, id) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Statement renders under the account lock so the balance and the listed
// transactions agree.
func (o *Orchestrator) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	acct, err := o.owned(ctx, req.Number, req.Actor)
	if err != nil {
		return err
	}
	unlock := o.locks.lock(acct.ID)
	defer unlock()

	if acct, err = o.reload(ctx, acct.ID, req.Number); err != nil {
		return err
	}
	txns, err := callValue(ctx, o.timeout, func(ctx context.Context) ([]Transaction, error) {
		return o.ledger.ListByAccount(ctx, acct.ID)
	})
	if err != nil {
		return err
	}
	return RenderStatement(w, *acct, txns, o.now())
}

func (o *Orchestrator) owned(ctx context.Context, number, actor string) (*Account, error) {
	acct, err := o.lookup(ctx, number)
	if err != nil {
		return nil, err
	}
	if err = authorize(*acct, actor); err != nil {
		return nil, err
	}
	return acct, nil
}

func authorize(acct Account, actor string) error {
	if !acct.OwnedBy(actor) {
		return ErrUnauthorized{Number: acct.Number, Actor: actor}
	}
	return nil
}

func (o *Orchestrator) lookup(ctx context.Context, number string) (*Account, error) {
	acct, err := callValue(ctx, o.timeout, func(ctx context.Context) (*Account, error) {
		return o.accts.GetByNumber(ctx, number)
	})
	if err == nil && acct == nil {
		err = ErrNotFound{ID: number}
	}
	return acct, accountErr(err, number)
}

func (o *Orchestrator) reload(ctx context.Context, id uuid.UUID, number string) (*Account, error) {
	acct, err := callValue(ctx, o.timeout, func(ctx context.Context) (*Account, error) {
		return o.accts.Get(ctx, id)
	})
	if err == nil && acct == nil {
		err = ErrNotFound{ID: id.String()}
	}
	return acct, accountErr(err, number)
}

func accountErr(err error, number string) error {
	if err == nil {
		return nil
	}
	errnf := &ErrNotFound{}
	if errors.As(err, errnf) {
		return ErrAccountNotFound{Number: number}
	}
	return err
}

func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(ctx)
}

func callValue[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
