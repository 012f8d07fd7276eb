package ledgerxgo

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	pgAccountColumns = `id, owner_id, number, balance, status, class, created_at`

	pgSelectAcctByIDSQL = `
		SELECT ` + pgAccountColumns + `
		FROM accounts
		WHERE id = $1;
	`

	pgSelectAcctByNumberSQL = `
		SELECT ` + pgAccountColumns + `
		FROM accounts
		WHERE number = $1;
	`

	pgSelectAcctByOwnerClassSQL = `
		SELECT ` + pgAccountColumns + `
		FROM accounts
		WHERE owner_id = $1 AND class = $2 AND status = 'ACTIVE'
		ORDER BY created_at DESC
		LIMIT 1;
	`

	pgSelectAcctsByOwnerSQL = `
		SELECT ` + pgAccountColumns + `
		FROM accounts
		WHERE owner_id = $1
		ORDER BY created_at;
	`

	pgUpsertAcctSQL = `
		INSERT INTO accounts (id, owner_id, number, balance, status, class, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
			number = EXCLUDED.number,
			balance = EXCLUDED.balance,
			status = EXCLUDED.status,
			class = EXCLUDED.class;
	`

	pgTxnColumns = `id, from_account_id, to_account_id, kind, amount, status, reason, created_at`

	pgInsertTxnSQL = `
		INSERT INTO transactions (` + pgTxnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`

	pgSelectTxnSQL = `
		SELECT ` + pgTxnColumns + `
		FROM transactions
		WHERE id = $1;
	`

	pgSelectTxnsByAcctSQL = `
		SELECT ` + pgTxnColumns + `
		FROM transactions
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY created_at DESC, id DESC;
	`

	pgSelectAllTxnsSQL = `
		SELECT ` + pgTxnColumns + `
		FROM transactions
		ORDER BY created_at DESC, id DESC;
	`

	pgInsertAuditSQL = `
		INSERT INTO audit_logs (id, transaction_id, account_id, actor_id, action, before_balance, after_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
)

// PostgresEndpoint owns the connection pool and hands out the account,
// ledger and audit stores that share it.
type PostgresEndpoint struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

// pgQuerier is satisfied by both the pool and a pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ AccountStore = (*pgAccounts)(nil)
	_ LedgerStore  = (*pgLedger)(nil)
	_ AuditSink    = (*pgAuditLog)(nil)
	_ UnitOfWork   = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(ctx context.Context, connStr string, log *zerolog.Logger) (*PostgresEndpoint, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	endpt := &PostgresEndpoint{
		pool: pool,
		log:  log,
	}
	return endpt, err
}

func (pg *PostgresEndpoint) Close() {
	pg.pool.Close()
}

func (pg *PostgresEndpoint) Accounts() AccountStore {
	return &pgAccounts{pg.pool}
}

func (pg *PostgresEndpoint) Ledger() LedgerStore {
	return &pgLedger{pg.pool}
}

func (pg *PostgresEndpoint) AuditLog() AuditSink {
	return &pgAuditLog{pg.pool}
}

// Atomic runs fn inside a single database transaction. Every write made
// through the stores handed to fn is rolled back if fn or the commit fails.
func (pg *PostgresEndpoint) Atomic(ctx context.Context, fn func(AccountStore, LedgerStore) error) error {
	tx, err := pg.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}

	if err = fn(&pgAccounts{tx}, &pgLedger{tx}); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			pg.log.Err(rerr).Msg("unit of work rollback fail")
		}
		return err
	}
	return tx.Commit(ctx)
}

// SeedAccounts upserts the accounts in a single batch.
func (pg *PostgresEndpoint) SeedAccounts(ctx context.Context, accts []Account) error {
	tx, err := pg.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, a := range accts {
		batch.Queue(pgUpsertAcctSQL, a.ID, a.Owner, a.Number, a.Balance, a.Status, a.Class, a.CreatedAt)
	}
	btresults := tx.SendBatch(ctx, batch)
	for range accts {
		if _, err = btresults.Exec(); err != nil {
			btresults.Close()
			if rerr := tx.Rollback(ctx); rerr != nil {
				pg.log.Err(rerr).Msg("seed accounts rollback fail")
			}
			return err
		}
	}
	if err = btresults.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type pgAccounts struct {
	db pgQuerier
}

func (pg *pgAccounts) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	acct, err := scanAccount(pg.db.QueryRow(ctx, pgSelectAcctByIDSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound{ID: id.String()}
	}
	return acct, err
}

func (pg *pgAccounts) GetByNumber(ctx context.Context, number string) (*Account, error) {
	acct, err := scanAccount(pg.db.QueryRow(ctx, pgSelectAcctByNumberSQL, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound{ID: number}
	}
	return acct, err
}

func (pg *pgAccounts) GetByOwnerAndClass(ctx context.Context, owner string, class AccountClass) (*Account, error) {
	acct, err := scanAccount(pg.db.QueryRow(ctx, pgSelectAcctByOwnerClassSQL, owner, class))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound{ID: owner + "/" + string(class)}
	}
	return acct, err
}

func (pg *pgAccounts) ListByOwner(ctx context.Context, owner string) ([]Account, error) {
	rows, err := pg.db.Query(ctx, pgSelectAcctsByOwnerSQL, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

func (pg *pgAccounts) Put(ctx context.Context, a Account) error {
	_, err := pg.db.Exec(ctx, pgUpsertAcctSQL, a.ID, a.Owner, a.Number, a.Balance, a.Status, a.Class, a.CreatedAt)
	return err
}

type pgLedger struct {
	db pgQuerier
}

func (pg *pgLedger) Put(ctx context.Context, t Transaction) error {
	_, err := pg.db.Exec(ctx, pgInsertTxnSQL, t.ID, t.From, t.To, t.Kind, t.Amount, t.Status, t.Reason, t.CreatedAt)
	return err
}

func (pg *pgLedger) Get(ctx context.Context, id snowflake.ID) (*Transaction, error) {
	txn, err := scanTxn(pg.db.QueryRow(ctx, pgSelectTxnSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound{ID: id.String()}
	}
	return txn, err
}

func (pg *pgLedger) ListByAccount(ctx context.Context, acctID uuid.UUID) ([]Transaction, error) {
	return pg.list(ctx, pgSelectTxnsByAcctSQL, acctID)
}

func (pg *pgLedger) ListAll(ctx context.Context) ([]Transaction, error) {
	return pg.list(ctx, pgSelectAllTxnsSQL)
}

func (pg *pgLedger) list(ctx context.Context, sql string, args ...any) ([]Transaction, error) {
	rows, err := pg.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

type pgAuditLog struct {
	db pgQuerier
}

func (pg *pgAuditLog) Put(ctx context.Context, e AuditEntry) error {
	_, err := pg.db.Exec(ctx, pgInsertAuditSQL, e.ID, e.TxnID, e.AccountID, e.Actor, e.Action, e.Before, e.After, e.CreatedAt)
	return err
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Owner, &a.Number, &a.Balance, &a.Status, &a.Class, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTxn(row pgx.Row) (*Transaction, error) {
	var (
		t      Transaction
		reason *string
	)
	err := row.Scan(&t.ID, &t.From, &t.To, &t.Kind, &t.Amount, &t.Status, &reason, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		t.Reason = *reason
	}
	return &t, nil
}
