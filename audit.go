package ledgerxgo

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

const (
	ActionDeposit        = "DEPOSIT"
	ActionWithdraw       = "WITHDRAW"
	ActionTransferDebit  = "TRANSFER-DEBIT"
	ActionTransferCredit = "TRANSFER-CREDIT"
	ActionDepositFailed  = "DEPOSIT_FAILED"
	ActionWithdrawFailed = "WITHDRAW_FAILED"
	ActionTransferFailed = "TRANSFER_FAILED"
)

// AuditEntry is a before/after balance snapshot for one account side of a
// transaction.
type AuditEntry struct {
	ID        snowflake.ID    `json:"id"`
	TxnID     snowflake.ID    `json:"txn_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	CreatedAt time.Time       `json:"created_at"`
}

type AuditSink interface {
	Put(ctx context.Context, entry AuditEntry) error
}

// Secondary is a best-effort audit sink. Its failures are logged and never
// propagated to the movement that produced the entry.
type Secondary struct {
	Name string
	Sink AuditSink
}

// AuditTrail writes every entry to the primary sink first and then fans out
// to the secondaries concurrently. Each secondary sits behind its own
// circuit breaker so a dead sink does not slow every movement down.
type AuditTrail struct {
	primary     AuditSink
	secondaries []guardedSink
	log         *zerolog.Logger
}

type guardedSink struct {
	name string
	sink AuditSink
	brkr *gobreaker.CircuitBreaker[struct{}]
}

var (
	_ AuditSink = (*AuditTrail)(nil)
)

func NewAuditTrail(primary AuditSink, log *zerolog.Logger, secondaries ...Secondary) *AuditTrail {
	guarded := make([]guardedSink, 0, len(secondaries))
	for _, s := range secondaries {
		name := s.Name
		guarded = append(guarded, guardedSink{
			name: name,
			sink: s.Sink,
			brkr: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= 5
				},
				OnStateChange: func(n string, from, to gobreaker.State) {
					log.Warn().
						Str("sink", n).
						Str("from", from.String()).
						Str("to", to.String()).
						Msg("audit sink breaker state change")
				},
			}),
		})
	}
	return &AuditTrail{
		primary:     primary,
		secondaries: guarded,
		log:         log,
	}
}

func (a *AuditTrail) Put(ctx context.Context, entry AuditEntry) error {
	if err := a.primary.Put(ctx, entry); err != nil {
		return err
	}

	var g errgroup.Group
	for _, s := range a.secondaries {
		s := s
		g.Go(func() error {
			_, err := s.brkr.Execute(func() (struct{}, error) {
				return struct{}{}, s.sink.Put(ctx, entry)
			})
			if err != nil {
				a.log.Warn().
					Err(err).
					Str("sink", s.name).
					Stringer("audit", entry.ID).
					Stringer("txn", entry.TxnID).
					Msg("secondary audit sink write failed")
			}
			return err
		})
	}
	// secondary faults are already logged above
	_ = g.Wait()

	return nil
}
