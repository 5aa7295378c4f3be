// internal/storage/mongo.go - MongoDB sink for recovery analytics
package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/valpere/crawlguard/internal/errors"
)

// MongoConfig locates the analytics database.
type MongoConfig struct {
	URI      string        `yaml:"uri" json:"-"`
	Database string        `yaml:"database" json:"database"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// MongoEventLog writes the error log and recovery aggregates to MongoDB,
// for deployments that keep analytics apart from the pattern store.
type MongoEventLog struct {
	client   *mongo.Client
	errorLog *mongo.Collection
	recovery *mongo.Collection
	now      func() time.Time
}

var _ errors.EventLog = (*MongoEventLog)(nil)

// OpenMongo connects and verifies the connection.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*MongoEventLog, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("MongoDB connection string is required")
	}
	if cfg.Database == "" {
		cfg.Database = "crawlguard"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.Timeout).
		SetServerSelectionTimeout(cfg.Timeout).
		SetRetryWrites(true)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	l := &MongoEventLog{
		client:   client,
		errorLog: db.Collection("error_log"),
		recovery: db.Collection("recovery_stats"),
		now:      func() time.Time { return time.Now().UTC() },
	}

	_, err = l.recovery.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "strategy_name", Value: 1}, {Key: "error_type", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create recovery index: %w", err)
	}

	storageLogger.Infof("connected to MongoDB database %s", cfg.Database)
	return l, nil
}

func (l *MongoEventLog) LogError(ctx context.Context, e errors.ErrorEvent) error {
	at := e.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	doc := bson.M{
		"error_type":  string(e.Kind),
		"severity":    string(e.Severity),
		"site_name":   e.Site,
		"url":         e.URL,
		"operation":   e.Operation,
		"retry_count": e.RetryCount,
		"session_id":  e.SessionID,
		"proxy_id":    e.ProxyID,
		"message":     e.Message,
		"strategy":    e.Strategy,
		"recovered":   e.Recovered,
		"created_at":  at,
	}
	if len(e.Metadata) > 0 {
		doc["metadata"] = e.Metadata
	}
	if _, err := l.errorLog.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to log error: %w", err)
	}
	return nil
}

// RecordRecovery increments the strategy's counters. Rates and averages
// are derived on read from the running sums.
func (l *MongoEventLog) RecordRecovery(ctx context.Context, strategy string, kind errors.Kind, success bool, elapsed time.Duration) error {
	successes := 0
	if success {
		successes = 1
	}
	filter := bson.M{"strategy_name": strategy, "error_type": string(kind)}
	update := bson.M{
		"$inc": bson.M{
			"attempts":          1,
			"successes":         successes,
			"total_recovery_ms": elapsed.Milliseconds(),
		},
		"$set": bson.M{"updated_at": l.now()},
	}
	_, err := l.recovery.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update recovery stats: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (l *MongoEventLog) Close(ctx context.Context) error {
	return l.client.Disconnect(ctx)
}

// MultiEventLog fans events out to several logs. Every log is attempted;
// failures are combined.
type MultiEventLog []errors.EventLog

func (m MultiEventLog) LogError(ctx context.Context, e errors.ErrorEvent) error {
	var errs []error
	for _, l := range m {
		if err := l.LogError(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return combine(errs)
}

func (m MultiEventLog) RecordRecovery(ctx context.Context, strategy string, kind errors.Kind, success bool, elapsed time.Duration) error {
	var errs []error
	for _, l := range m {
		if err := l.RecordRecovery(ctx, strategy, kind, success, elapsed); err != nil {
			errs = append(errs, err)
		}
	}
	return combine(errs)
}

func combine(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	err := errs[0]
	for _, e := range errs[1:] {
		err = fmt.Errorf("%w; %w", err, e)
	}
	return err
}
