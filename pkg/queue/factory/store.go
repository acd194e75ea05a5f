package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/workqueue/pkg/config"
	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/queue/dynamodb"
	"github.com/nimburion/workqueue/pkg/queue/memory"
	"github.com/nimburion/workqueue/pkg/queue/mongodb"
	"github.com/nimburion/workqueue/pkg/queue/redis"
	"github.com/nimburion/workqueue/pkg/queue/sqlstore"
	"github.com/nimburion/workqueue/pkg/resilience"
	"github.com/nimburion/workqueue/pkg/version"
)

// NewStore builds the backend selected by cfg.Backend and wraps it with the configured retry
// policy and circuit breaker.
func NewStore(cfg config.QueueConfig, log logger.Logger) (*queue.RetryingStore, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", queue.ErrValidation)
	}
	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}

	retrying := queue.RetryingStoreConfig{
		Retry: resilience.RetryPolicy{
			Attempts:       cfg.Retry.Attempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
	}
	if cfg.CircuitBreaker.Enabled {
		retrying.Breaker = resilience.NewCircuitBreaker(cfg.CircuitBreaker.MaxFailures, cfg.CircuitBreaker.Cooldown)
	}
	store, err := queue.NewRetryingStore(backend, log, retrying)
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	log.Info("queue store ready", "backend", cfg.Backend, "circuit_breaker", cfg.CircuitBreaker.Enabled)
	return store, nil
}

func newBackend(cfg config.QueueConfig, log logger.Logger) (queue.Store, error) {
	switch cfg.Backend {
	case config.QueueBackendMemory, "":
		return memory.NewStore(), nil

	case config.QueueBackendMongoDB:
		store, err := mongodb.NewStore(mongodb.Config{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			CollectionPrefix: cfg.MongoDB.CollectionPrefix,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.MongoDB.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.MongoDB.EnsureIndexes {
			for _, name := range cfg.TypeNames() {
				if err := store.EnsureIndexes(context.Background(), name); err != nil {
					return nil, errors.Join(err, store.Close())
				}
			}
		}
		return store, nil

	case config.QueueBackendRedis:
		return redis.NewStore(redis.Config{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
			ScanBatch:        cfg.Redis.ScanBatch,
		}, log)

	case config.QueueBackendPostgres, config.QueueBackendMySQL:
		return sqlstore.NewStore(sqlstore.Config{
			Driver:           cfg.Backend,
			URL:              cfg.SQL.URL,
			Table:            cfg.SQL.Table,
			MaxOpenConns:     cfg.SQL.MaxOpenConns,
			MaxIdleConns:     cfg.SQL.MaxIdleConns,
			ConnMaxLifetime:  cfg.SQL.ConnMaxLifetime,
			OperationTimeout: cfg.SQL.OperationTimeout,
			AutoMigrate:      cfg.SQL.AutoMigrate,
		}, log)

	case config.QueueBackendDynamoDB:
		return dynamodb.NewStore(dynamodb.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			Table:            cfg.DynamoDB.Table,
			Index:            cfg.DynamoDB.Index,
			PageSize:         cfg.DynamoDB.PageSize,
			OperationTimeout: cfg.DynamoDB.OperationTimeout,
			AutoCreate:       cfg.DynamoDB.AutoCreate,
		}, log)

	default:
		return nil, fmt.Errorf("%w: unsupported queue backend %q", queue.ErrValidation, cfg.Backend)
	}
}

// ConfigFrom derives the factory configuration from the queue section: one binding per
// configured type, the process version from the build when not configured, and enablement
// backed by enablement.
func ConfigFrom(cfg config.QueueConfig, enablement *config.Enablement) Config {
	bindings := make(map[string]Binding, len(cfg.Types))
	for name, typ := range cfg.Types {
		bindings[name] = Binding{
			LeaseDuration: typ.LeaseDuration,
			VersionFilter: queue.VersionFilter(typ.VersionFilter),
		}
	}
	if enablement == nil {
		enablement = config.NewEnablement(cfg)
	}
	return Config{
		Version:       version.QueueVersion(cfg.Version),
		VersionFilter: queue.VersionFilter(cfg.VersionFilter),
		LeaseDuration: cfg.LeaseDuration,
		PollInterval:  cfg.PollInterval,
		Backend:       cfg.Backend,
		Enablement:    enablement,
		Bindings:      bindings,
	}
}
