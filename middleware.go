package ledgerxgo

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

type Middleware func(Service) Service

// Chain wraps svc so that the first middleware is the outermost.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

// validationMiddleware rejects requests missing the actor or an account
// number. Amounts are left to the strategies so that a bad amount on an
// authorized account still leaves a FAILED record behind.
type validationMiddleware struct {
	next Service
}

var (
	_ Service = (*validationMiddleware)(nil)
)

func NewValidationMiddleware() Middleware {
	return func(svc Service) Service {
		return &validationMiddleware{next: svc}
	}
}

func requireFields(kv ...string) error {
	fields := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			fields[kv[i]] = "required"
		}
	}
	if len(fields) > 0 {
		return ErrInvalidRequest{Fields: fields}
	}
	return nil
}

func (v *validationMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	if err := requireFields("actor", req.Actor, "number", req.Number); err != nil {
		return nil, err
	}
	return v.next.Deposit(ctx, req)
}

func (v *validationMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	if err := requireFields("actor", req.Actor, "number", req.Number); err != nil {
		return nil, err
	}
	return v.next.Withdraw(ctx, req)
}

func (v *validationMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	if err := requireFields("actor", req.Actor, "from", req.From, "to", req.To); err != nil {
		return nil, err
	}
	return v.next.Transfer(ctx, req)
}

func (v *validationMiddleware) History(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	if err := requireFields("actor", req.Actor, "number", req.Number); err != nil {
		return nil, err
	}
	return v.next.History(ctx, req)
}

func (v *validationMiddleware) MiniStatement(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	if err := requireFields("actor", req.Actor, "number", req.Number); err != nil {
		return nil, err
	}
	return v.next.MiniStatement(ctx, req)
}

func (v *validationMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	if err := requireFields("actor", req.Actor, "number", req.Number); err != nil {
		return nil, err
	}
	return v.next.Balance(ctx, req)
}

func (v *validationMiddleware) Close(ctx context.Context, req CloseReq) error {
	if err := requireFields("actor", req.Actor, "number", req.Number); err != nil {
		return err
	}
	return v.next.Close(ctx, req)
}

func (v *validationMiddleware) StartSession(ctx context.Context, req SessionReq) error {
	if err := requireFields("actor", req.Actor); err != nil {
		return err
	}
	return v.next.StartSession(ctx, req)
}

func (v *validationMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	if err := requireFields("actor", req.Actor, "number", req.Number); err != nil {
		return err
	}
	return v.next.Statement(ctx, w, req)
}

//
// Rate limiting middlewares
//

// limitMiddleware limits the number of in-flight requests to the service by
// using weighted semaphores with an acquisition timeout. Movements and reads
// are limited separately so a burst of statements cannot starve withdrawals.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	Movements      *semaphore.Weighted
	Reads          *semaphore.Weighted
	AcquireTimeout time.Duration
}

func NewServiceLimits(inFlight int64, acquireTimeout time.Duration) *ServiceLimits {
	return &ServiceLimits{
		Movements:      semaphore.NewWeighted(inFlight),
		Reads:          semaphore.NewWeighted(inFlight),
		AcquireTimeout: acquireTimeout,
	}
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

// acquire returns ErrOverloaded when no token frees up within the timeout.
func (l *limitMiddleware) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	actx, cancel := context.WithTimeout(ctx, l.limits.AcquireTimeout)
	defer cancel()
	if err := sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrOverloaded
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Movements)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Deposit(ctx, req)
}

func (l *limitMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Movements)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Withdraw(ctx, req)
}

func (l *limitMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Movements)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Transfer(ctx, req)
}

func (l *limitMiddleware) Close(ctx context.Context, req CloseReq) error {
	release, err := l.acquire(ctx, l.limits.Movements)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Close(ctx, req)
}

func (l *limitMiddleware) History(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.History(ctx, req)
}

func (l *limitMiddleware) MiniStatement(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.MiniStatement(ctx, req)
}

func (l *limitMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Balance(ctx, req)
}

func (l *limitMiddleware) StartSession(ctx context.Context, req SessionReq) error {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return err
	}
	defer release()
	return l.next.StartSession(ctx, req)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(ctx, w, req)
}

// circuitBreakMiddleware works in conjunction with limitMiddleware. Requests
// shed for overload or broken by infrastructure faults count against the
// breaker; business rejections such as insufficient funds do not. While the
// breaker is open every request fails fast with ErrOverloaded.
type circuitBreakMiddleware struct {
	next Service
	brkr *gobreaker.CircuitBreaker[any]
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewServiceBreaker(log *zerolog.Logger) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 4,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && counts.TotalFailures*2 >= counts.Requests
		},
		IsSuccessful: isBusinessOutcome,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("service breaker state changed")
		},
	})
}

// isBusinessOutcome reports whether err is nil or a rejection the ledger made
// on purpose.
func isBusinessOutcome(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrOverloaded) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		errir  = &ErrInvalidRequest{}
		errnf  = &ErrAccountNotFound{}
		errcl  = &ErrAccountClosed{}
		errua  = &ErrUnauthorized{}
		erria  = &ErrInvalidAmount{}
		errisf = &ErrInsufficientFunds{}
	)
	return errors.As(err, errir) || errors.As(err, errnf) || errors.As(err, errcl) ||
		errors.As(err, errua) || errors.As(err, erria) || errors.As(err, errisf)
}

func NewCircuitBreakMiddleware(brkr *gobreaker.CircuitBreaker[any]) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next: next,
			brkr: brkr,
		}
	}
}

func breakValue[T any](brkr *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	v, err := brkr.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, ErrOverloaded
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (c *circuitBreakMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return breakValue(c.brkr, func() (*Transaction, error) { return c.next.Deposit(ctx, req) })
}

func (c *circuitBreakMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Transaction, error) {
	return breakValue(c.brkr, func() (*Transaction, error) { return c.next.Withdraw(ctx, req) })
}

func (c *circuitBreakMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	return breakValue(c.brkr, func() (*Transaction, error) { return c.next.Transfer(ctx, req) })
}

func (c *circuitBreakMiddleware) History(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	return breakValue(c.brkr, func() ([]Transaction, error) { return c.next.History(ctx, req) })
}

func (c *circuitBreakMiddleware) MiniStatement(ctx context.Context, req HistoryReq) ([]Transaction, error) {
	return breakValue(c.brkr, func() ([]Transaction, error) { return c.next.MiniStatement(ctx, req) })
}

func (c *circuitBreakMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	return breakValue(c.brkr, func() (*decimal.Decimal, error) { return c.next.Balance(ctx, req) })
}

func (c *circuitBreakMiddleware) Close(ctx context.Context, req CloseReq) error {
	_, err := breakValue(c.brkr, func() (struct{}, error) { return struct{}{}, c.next.Close(ctx, req) })
	return err
}

func (c *circuitBreakMiddleware) StartSession(ctx context.Context, req SessionReq) error {
	_, err := breakValue(c.brkr, func() (struct{}, error) { return struct{}{}, c.next.StartSession(ctx, req) })
	return err
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	_, err := breakValue(c.brkr, func() (struct{}, error) { return struct{}{}, c.next.Statement(ctx, w, req) })
	return err
}

// loggingMiddleware logs one line per call with its duration and outcome.
type loggingMiddleware struct {
	next Service
	log  *zerolog.Logger
}

var (
	_ Service = (*loggingMiddleware)(nil)
)

func NewLoggingMiddleware(log *zerolog.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{next: next, log: log}
	}
}

func (l *loggingMiddleware) done(method, actor, number string, begin time.Time, err error) {
	evt := l.log.Info()
	if err != nil && !isBusinessOutcome(err) {
		evt = l.log.Error()
	}
	evt.Str("method", method).
		Str("actor", actor).
		Str("account", number).
		Dur("took", time.Since(begin)).
		Err(err).
		Msg("request handled")
}

func (l *loggingMiddleware) Deposit(ctx context.Context, req ChargeReq) (txn *Transaction, err error) {
	defer func(begin time.Time) { l.done("deposit", req.Actor, req.Number, begin, err) }(time.Now())
	return l.next.Deposit(ctx, req)
}

func (l *loggingMiddleware) Withdraw(ctx context.Context, req ChargeReq) (txn *Transaction, err error) {
	defer func(begin time.Time) { l.done("withdraw", req.Actor, req.Number, begin, err) }(time.Now())
	return l.next.Withdraw(ctx, req)
}

func (l *loggingMiddleware) Transfer(ctx context.Context, req TransferReq) (txn *Transaction, err error) {
	defer func(begin time.Time) { l.done("transfer", req.Actor, req.From, begin, err) }(time.Now())
	return l.next.Transfer(ctx, req)
}

func (l *loggingMiddleware) History(ctx context.Context, req HistoryReq) (txns []Transaction, err error) {
	defer func(begin time.Time) { l.done("history", req.Actor, req.Number, begin, err) }(time.Now())
	return l.next.History(ctx, req)
}

func (l *loggingMiddleware) MiniStatement(ctx context.Context, req HistoryReq) (txns []Transaction, err error) {
	defer func(begin time.Time) { l.done("ministatement", req.Actor, req.Number, begin, err) }(time.Now())
	return l.next.MiniStatement(ctx, req)
}

func (l *loggingMiddleware) Balance(ctx context.Context, req BalanceReq) (bal *decimal.Decimal, err error) {
	defer func(begin time.Time) { l.done("balance", req.Actor, req.Number, begin, err) }(time.Now())
	return l.next.Balance(ctx, req)
}

func (l *loggingMiddleware) Close(ctx context.Context, req CloseReq) (err error) {
	defer func(begin time.Time) { l.done("close", req.Actor, req.Number, begin, err) }(time.Now())
	return l.next.Close(ctx, req)
}

func (l *loggingMiddleware) StartSession(ctx context.Context, req SessionReq) (err error) {
	defer func(begin time.Time) { l.done("session", req.Actor, "", begin, err) }(time.Now())
	return l.next.StartSession(ctx, req)
}

func (l *loggingMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) (err error) {
	defer func(begin time.Time) { l.done("statement", req.Actor, req.Number, begin, err) }(time.Now())
	return l.next.Statement(ctx, w, req)
}
