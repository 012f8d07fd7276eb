package ledgerxgo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisMiniStatements keeps each account's recent activity in a capped Redis
// list so it survives restarts and is shared by every handler process.
type RedisMiniStatements struct {
	rdb    redis.UniversalClient
	ledger LedgerStore
	prefix string
	size   int64
}

var (
	_ RecentActivity = (*RedisMiniStatements)(nil)
)

func NewRedisMiniStatements(rdb redis.UniversalClient, ledger LedgerStore, prefix string) *RedisMiniStatements {
	if prefix == "" {
		prefix = "ministatement"
	}
	return &RedisMiniStatements{
		rdb:    rdb,
		ledger: ledger,
		prefix: prefix,
		size:   MiniStatementSize,
	}
}

func (r *RedisMiniStatements) key(acctID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", r.prefix, acctID)
}

func (r *RedisMiniStatements) LoadInitial(ctx context.Context, acctID uuid.UUID) error {
	txns, err := r.ledger.ListByAccount(ctx, acctID)
	if err != nil {
		return err
	}
	recent := firstSuccessful(txns, int(r.size))
	vals := make([]interface{}, 0, len(recent))
	for _, t := range recent {
		bits, err := json.Marshal(t)
		if err != nil {
			return err
		}
		vals = append(vals, bits)
	}

	key := r.key(acctID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(vals) > 0 {
			pipe.RPush(ctx, key, vals...)
		}
		return nil
	})
	return err
}

func (r *RedisMiniStatements) Record(ctx context.Context, acctID uuid.UUID, txn Transaction) error {
	if txn.Status != TxnSuccess {
		return nil
	}
	bits, err := json.Marshal(txn)
	if err != nil {
		return err
	}

	key := r.key(acctID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, bits)
		pipe.LTrim(ctx, key, 0, r.size-1)
		return nil
	})
	return err
}

func (r *RedisMiniStatements) Snapshot(ctx context.Context, acctID uuid.UUID) ([]Transaction, error) {
	vals, err := r.rdb.LRange(ctx, r.key(acctID), 0, r.size-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(vals))
	for _, v := range vals {
		var t Transaction
		if err = json.Unmarshal([]byte(v), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
