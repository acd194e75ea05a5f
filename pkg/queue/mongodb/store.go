// Package mongodb implements queue.Store on MongoDB. Each queue is one collection; a claim is a
// single FindOneAndUpdate, which MongoDB executes atomically on one document.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
)

const (
	fieldID                = "_id"
	fieldEarliestVisibleAt = "earliestVisibleAt"
	fieldRetries           = "retries"
	fieldVersion           = "version"
)

// Config holds MongoDB store configuration.
type Config struct {
	URL      string
	Database string
	// CollectionPrefix is prepended to the queue name to form the collection name.
	CollectionPrefix string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Store is the MongoDB queue store.
type Store struct {
	client   *mongo.Client
	database string
	prefix   string
	logger   logger.Logger
	timeout  time.Duration
	mu       sync.RWMutex
	closed   bool
}

// Cosa fa: apre la connessione MongoDB e verifica la raggiungibilità via ping.
// Cosa NON fa: non crea gli indici; usare EnsureIndexes per ogni coda.
// Esempio minimo: store, err := mongodb.NewStore(cfg, log)
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("MongoDB queue store connected", "database", cfg.Database)
	return &Store{
		client:   client,
		database: cfg.Database,
		prefix:   cfg.CollectionPrefix,
		logger:   log,
		timeout:  cfg.OperationTimeout,
	}, nil
}

func (s *Store) collection(queueName string) *mongo.Collection {
	return s.client.Database(s.database).Collection(s.prefix + queueName)
}

// EnsureIndexes creates the index that serves the claim query of queueName.
func (s *Store) EnsureIndexes(ctx context.Context, queueName string) error {
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()
	_, err := s.collection(queueName).Indexes().CreateOne(opCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: fieldEarliestVisibleAt, Value: 1}, {Key: fieldVersion, Value: 1}},
		Options: options.Index().SetName("claim_order"),
	})
	if err != nil {
		return fmt.Errorf("create claim index on %s: %w", queueName, err)
	}
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, queueName string, req queue.ClaimRequest) (*queue.Item, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{fieldEarliestVisibleAt: req.LeaseUntil().UTC()}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: fieldEarliestVisibleAt, Value: 1}}).
		SetReturnDocument(options.Before)

	var item queue.Item
	err := s.collection(queueName).FindOneAndUpdate(opCtx, claimFilter(req), update, opts).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb claim on %s: %w", queueName, err)
	}
	return &item, nil
}

func (s *Store) ExtendLease(ctx context.Context, queueName, id string, visibleAt time.Time) (bool, error) {
	return s.set(ctx, queueName, id, bson.M{fieldEarliestVisibleAt: visibleAt.UTC()})
}

func (s *Store) Requeue(ctx context.Context, queueName, id string, retries int, visibleAt time.Time) (bool, error) {
	return s.set(ctx, queueName, id, bson.M{
		fieldRetries:           retries,
		fieldEarliestVisibleAt: visibleAt.UTC(),
	})
}

func (s *Store) set(ctx context.Context, queueName, id string, fields bson.M) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	res, err := s.collection(queueName).UpdateOne(opCtx, bson.M{fieldID: id}, bson.M{"$set": fields})
	if err != nil {
		return false, fmt.Errorf("mongodb update on %s: %w", queueName, err)
	}
	return res.MatchedCount > 0, nil
}

func (s *Store) Delete(ctx context.Context, queueName, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	res, err := s.collection(queueName).DeleteOne(opCtx, bson.M{fieldID: id})
	if err != nil {
		return false, fmt.Errorf("mongodb delete on %s: %w", queueName, err)
	}
	return res.DeletedCount > 0, nil
}

// Cosa fa: inserisce l'item; un _id già presente diventa queue.ErrDuplicateItem.
// Cosa NON fa: non sovrascrive mai un item esistente.
func (s *Store) Insert(ctx context.Context, queueName string, item *queue.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	doc := queue.CloneItem(item)
	doc.EarliestVisibleAt = doc.EarliestVisibleAt.UTC()
	doc.CreatedAt = doc.CreatedAt.UTC()
	if _, err := s.collection(queueName).InsertOne(opCtx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return queue.ErrDuplicateItem
		}
		return fmt.Errorf("mongodb insert on %s: %w", queueName, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, queueName string, filter queue.CountFilter, now time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	count, err := s.collection(queueName).CountDocuments(opCtx, countFilter(filter, now))
	if err != nil {
		return 0, fmt.Errorf("mongodb count on %s: %w", queueName, err)
	}
	return count, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(hcCtx, readpref.Primary()); err != nil {
		s.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return queue.ErrClosed
	}
	return nil
}

func (s *Store) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// claimFilter matches visible items; under version filtering an absent or empty version also
// matches, since untagged items are version agnostic.
func claimFilter(req queue.ClaimRequest) bson.M {
	filter := bson.M{fieldEarliestVisibleAt: bson.M{"$lte": req.Now.UTC()}}
	if req.FilterVersion {
		filter[fieldVersion] = bson.M{"$in": bson.A{strings.TrimSpace(req.Version), "", nil}}
	}
	return filter
}

func countFilter(filter queue.CountFilter, now time.Time) bson.M {
	switch filter {
	case queue.CountRunning:
		return bson.M{fieldEarliestVisibleAt: bson.M{"$gt": now.UTC()}}
	case queue.CountNotRunning:
		return bson.M{fieldEarliestVisibleAt: bson.M{"$lte": now.UTC()}}
	default:
		return bson.M{}
	}
}
