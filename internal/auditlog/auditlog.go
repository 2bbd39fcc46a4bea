// Package auditlog keeps the append-only ledgers of money-affecting anomalies:
// exhausted gateway verifications, amount mismatches and reconciliation runs.
// Entries are only ever inserted.
package auditlog

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names
const (
	CollectionFailedVerifications = "failed_payment_verifications"
	CollectionAmountMismatches    = "payment_amount_mismatches"
	CollectionReconciliationLogs  = "reconciliation_logs"
)

// Reconciliation entry kinds
const (
	KindIssue   = "issue"
	KindRepair  = "repair"
	KindSummary = "summary"
)

// FailedVerification records a verification that could not reach a verdict
type FailedVerification struct {
	Reference      string    `bson:"reference" json:"reference"`
	IdempotencyKey string    `bson:"idempotency_key" json:"idempotency_key"`
	Attempts       int       `bson:"attempts" json:"attempts"`
	Error          string    `bson:"error" json:"error"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// AmountMismatch records a charge whose amount disagrees with the order total
type AmountMismatch struct {
	Reference      string    `bson:"reference" json:"reference"`
	IdempotencyKey string    `bson:"idempotency_key" json:"idempotency_key"`
	ExpectedMinor  int64     `bson:"expected_minor" json:"expected_minor"`
	ActualMinor    int64     `bson:"actual_minor" json:"actual_minor"`
	Source         string    `bson:"source" json:"source"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// ReconciliationEntry is one line of a sweep's log
type ReconciliationEntry struct {
	RunID     string    `bson:"run_id" json:"run_id"`
	Kind      string    `bson:"kind" json:"kind"`
	Reference string    `bson:"reference,omitempty" json:"reference,omitempty"`
	OrderID   string    `bson:"order_id,omitempty" json:"order_id,omitempty"`
	Action    string    `bson:"action,omitempty" json:"action,omitempty"`
	Detail    string    `bson:"detail" json:"detail"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// MongoLedger stores the ledgers as MongoDB collections
type MongoLedger struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoLedger connects to MongoDB
func NewMongoLedger(ctx context.Context, uri, database string) (*MongoLedger, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoLedger{client: client, db: client.Database(database)}, nil
}

// Close disconnects from MongoDB
func (l *MongoLedger) Close(ctx context.Context) error {
	return l.client.Disconnect(ctx)
}

// Ping checks connectivity for readiness checks
func (l *MongoLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx, nil)
}

// EnsureIndexes indexes every ledger by reference
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	for _, name := range []string{CollectionFailedVerifications, CollectionAmountMismatches, CollectionReconciliationLogs} {
		_, err := l.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "reference", Value: 1}, {Key: "created_at", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("failed to index %s: %w", name, err)
		}
	}
	return nil
}

// RecordFailedVerification appends to failed_payment_verifications
func (l *MongoLedger) RecordFailedVerification(ctx context.Context, entry *FailedVerification) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.Collection(CollectionFailedVerifications).InsertOne(ctx, entry)
	return err
}

// RecordAmountMismatch appends to payment_amount_mismatches
func (l *MongoLedger) RecordAmountMismatch(ctx context.Context, entry *AmountMismatch) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.Collection(CollectionAmountMismatches).InsertOne(ctx, entry)
	return err
}

// RecordReconciliation appends a batch of entries to reconciliation_logs
func (l *MongoLedger) RecordReconciliation(ctx context.Context, entries []ReconciliationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(entries))
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
		docs[i] = entries[i]
	}
	_, err := l.db.Collection(CollectionReconciliationLogs).InsertMany(ctx, docs)
	return err
}

// FailedVerifications lists failure entries for a reference, oldest first
func (l *MongoLedger) FailedVerifications(ctx context.Context, reference string) ([]FailedVerification, error) {
	var out []FailedVerification
	if err := l.findByReference(ctx, CollectionFailedVerifications, reference, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AmountMismatches lists mismatch entries for a reference, oldest first
func (l *MongoLedger) AmountMismatches(ctx context.Context, reference string) ([]AmountMismatch, error) {
	var out []AmountMismatch
	if err := l.findByReference(ctx, CollectionAmountMismatches, reference, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *MongoLedger) findByReference(ctx context.Context, collection, reference string, out interface{}) error {
	cursor, err := l.db.Collection(collection).Find(ctx,
		bson.M{"reference": reference},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", collection, err)
	}
	return cursor.All(ctx, out)
}
