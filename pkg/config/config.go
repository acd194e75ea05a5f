package config

import "time"

// Queue backend constants
const (
	// QueueBackendMemory keeps items in process memory
	QueueBackendMemory = "memory"
	// QueueBackendMongoDB stores items in MongoDB collections
	QueueBackendMongoDB = "mongodb"
	// QueueBackendRedis stores items in Redis sorted sets and hashes
	QueueBackendRedis = "redis"
	// QueueBackendPostgres stores items in a PostgreSQL table
	QueueBackendPostgres = "postgres"
	// QueueBackendMySQL stores items in a MySQL table
	QueueBackendMySQL = "mysql"
	// QueueBackendDynamoDB stores items in a DynamoDB table
	QueueBackendDynamoDB = "dynamodb"
)

// Config is the root configuration structure
type Config struct {
	Service       ServiceConfig
	Observability ObservabilityConfig
	Queue         QueueConfig
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	ServiceName       string  `mapstructure:"service_name"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	MetricsEnabled    bool    `mapstructure:"metrics_enabled"`
	MetricsAddress    string  `mapstructure:"metrics_address"`
}

// QueueConfig configures the store backend and the queue types bound by the process.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	// Version tags published items and filters claims under strict version filtering.
	// Empty means the build version.
	Version       string        `mapstructure:"version"`
	VersionFilter string        `mapstructure:"version_filter"` // none, strict
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	Wait          time.Duration `mapstructure:"wait"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`

	Retry          QueueRetryConfig          `mapstructure:"retry"`
	CircuitBreaker QueueCircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Listener       QueueListenerConfig       `mapstructure:"listener"`

	// Types lists the queue types known to the process, keyed by queue name.
	Types map[string]QueueTypeConfig `mapstructure:"types"`

	MongoDB  QueueMongoDBConfig  `mapstructure:"mongodb"`
	Redis    QueueRedisConfig    `mapstructure:"redis"`
	SQL      QueueSQLConfig      `mapstructure:"sql"`
	DynamoDB QueueDynamoDBConfig `mapstructure:"dynamodb"`
}

// QueueRetryConfig bounds the retry applied around every store call.
type QueueRetryConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// QueueCircuitBreakerConfig configures the store circuit breaker.
type QueueCircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures int           `mapstructure:"max_failures"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// QueueListenerConfig configures the consume loop.
type QueueListenerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// QueueTypeConfig configures one queue type. Zero values inherit the queue defaults.
type QueueTypeConfig struct {
	// Enabled defaults to true when omitted.
	Enabled       *bool         `mapstructure:"enabled"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	VersionFilter string        `mapstructure:"version_filter"`
	// BacklogThreshold marks the queue degraded in readiness checks once more items than this
	// are waiting. Zero disables the check.
	BacklogThreshold int64 `mapstructure:"backlog_threshold"`
}

// IsEnabled reports the effective enablement of the type.
func (t QueueTypeConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// QueueMongoDBConfig configures the MongoDB backend.
type QueueMongoDBConfig struct {
	URL              string        `mapstructure:"url"`
	Database         string        `mapstructure:"database"`
	CollectionPrefix string        `mapstructure:"collection_prefix"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	EnsureIndexes    bool          `mapstructure:"ensure_indexes"`
}

// QueueRedisConfig configures the Redis backend.
type QueueRedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ScanBatch        int           `mapstructure:"scan_batch"`
}

// QueueSQLConfig configures the PostgreSQL and MySQL backends.
type QueueSQLConfig struct {
	URL              string        `mapstructure:"url"`
	Table            string        `mapstructure:"table"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// QueueDynamoDBConfig configures the DynamoDB backend.
type QueueDynamoDBConfig struct {
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	Table            string        `mapstructure:"table"`
	Index            string        `mapstructure:"index"`
	PageSize         int32         `mapstructure:"page_size"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	AutoCreate       bool          `mapstructure:"auto_create"`
}

// DefaultConfig returns the configuration used before files and environment are applied.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "workqueue",
			Environment: "development",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			ServiceName:       "workqueue",
			TracingSampleRate: 0.1,
			MetricsAddress:    ":9090",
		},
		Queue: QueueConfig{
			Backend:       QueueBackendMemory,
			VersionFilter: "none",
			LeaseDuration: 30 * time.Second,
			Wait:          time.Second,
			PollInterval:  100 * time.Millisecond,
			Retry: QueueRetryConfig{
				Attempts:       3,
				InitialBackoff: 50 * time.Millisecond,
				MaxBackoff:     time.Second,
			},
			CircuitBreaker: QueueCircuitBreakerConfig{
				MaxFailures: 5,
				Cooldown:    30 * time.Second,
			},
			Listener: QueueListenerConfig{
				Concurrency:    1,
				MaxRetries:     5,
				InitialBackoff: time.Second,
				MaxBackoff:     time.Minute,
				StopTimeout:    10 * time.Second,
			},
			MongoDB: QueueMongoDBConfig{
				Database:         "workqueue",
				ConnectTimeout:   5 * time.Second,
				OperationTimeout: 5 * time.Second,
				EnsureIndexes:    true,
			},
			Redis: QueueRedisConfig{
				Prefix:           "workqueue",
				OperationTimeout: 5 * time.Second,
				ScanBatch:        100,
			},
			SQL: QueueSQLConfig{
				Table:            "workqueue_items",
				MaxOpenConns:     10,
				MaxIdleConns:     5,
				ConnMaxLifetime:  5 * time.Minute,
				OperationTimeout: 5 * time.Second,
				AutoMigrate:      true,
			},
			DynamoDB: QueueDynamoDBConfig{
				Table:            "workqueue_items",
				Index:            "visibility",
				PageSize:         25,
				OperationTimeout: 5 * time.Second,
			},
		},
	}
}
