package ledgerxgo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoInserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoAuditLog is an append-only secondary AuditSink. Audit ids double as
// document ids so a replayed entry is stored once.
type MongoAuditLog struct {
	coll mongoInserter
}

var (
	_ AuditSink = (*MongoAuditLog)(nil)
)

type auditDoc struct {
	ID        int64                `bson:"_id"`
	TxnID     int64                `bson:"txn_id"`
	AccountID string               `bson:"account_id"`
	Actor     string               `bson:"actor"`
	Action    string               `bson:"action"`
	Before    primitive.Decimal128 `bson:"before"`
	After     primitive.Decimal128 `bson:"after"`
	CreatedAt time.Time            `bson:"created_at"`
}

func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// NewMongoAuditLog makes sure the lookup indexes exist and returns a sink
// writing to the collection.
func NewMongoAuditLog(ctx context.Context, client *mongo.Client, db, collection string) (*MongoAuditLog, error) {
	coll := client.Database(db).Collection(collection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "txn_id", Value: 1}}},
		{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, err
	}
	return &MongoAuditLog{coll: coll}, nil
}

func (m *MongoAuditLog) Put(ctx context.Context, e AuditEntry) error {
	doc, err := toAuditDoc(e)
	if err != nil {
		return err
	}
	_, err = m.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func toAuditDoc(e AuditEntry) (auditDoc, error) {
	before, err := primitive.ParseDecimal128(e.Before.String())
	if err != nil {
		return auditDoc{}, err
	}
	after, err := primitive.ParseDecimal128(e.After.String())
	if err != nil {
		return auditDoc{}, err
	}
	return auditDoc{
		ID:        e.ID.Int64(),
		TxnID:     e.TxnID.Int64(),
		AccountID: e.AccountID.String(),
		Actor:     e.Actor,
		Action:    e.Action,
		Before:    before,
		After:     after,
		CreatedAt: e.CreatedAt.UTC(),
	}, nil
}
