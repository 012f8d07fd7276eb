package ledgerxgo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSAuditFeed publishes every audit entry on "<subject>.<account id>" so
// downstream consumers can follow a single account.
type NATSAuditFeed struct {
	pub     publisher
	subject string
}

var (
	_ AuditSink = (*NATSAuditFeed)(nil)
)

type auditEvent struct {
	ID        string    `json:"id"`
	TxnID     string    `json:"txn_id"`
	AccountID string    `json:"account_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Before    string    `json:"before"`
	After     string    `json:"after"`
	CreatedAt time.Time `json:"created_at"`
}

func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("ledgerxgo"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func NewNATSAuditFeed(pub publisher, subject string) *NATSAuditFeed {
	return &NATSAuditFeed{pub: pub, subject: subject}
}

func (n *NATSAuditFeed) Put(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(auditEvent{
		ID:        e.ID.String(),
		TxnID:     e.TxnID.String(),
		AccountID: e.AccountID.String(),
		Actor:     e.Actor,
		Action:    e.Action,
		Before:    e.Before.String(),
		After:     e.After.String(),
		CreatedAt: e.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return n.pub.Publish(n.subject+"."+e.AccountID.String(), data)
}
