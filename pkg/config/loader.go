package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "WORKQUEUE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v, err := l.newViper()
	if err != nil {
		return nil, err
	}
	return l.decode(v)
}

// Watch reloads the configuration file whenever it changes and passes every valid result to
// onChange. Invalid revisions are reported to onError and otherwise ignored, so the last good
// configuration stays in effect.
func (l *ViperLoader) Watch(onChange func(*Config), onError func(error)) error {
	if l.configFile == "" {
		return fmt.Errorf("config watch requires a config file")
	}
	if onChange == nil {
		return fmt.Errorf("config watch requires a change callback")
	}
	v, err := l.newViper()
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func (l *ViperLoader) newViper() (*viper.Viper, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	return v, nil
}

func (l *ViperLoader) decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"))
	v.BindEnv("observability.service_name", l.prefixedEnv("OBSERVABILITY_SERVICE_NAME"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("OBSERVABILITY_TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("OBSERVABILITY_TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("OBSERVABILITY_TRACING_ENDPOINT"))
	v.BindEnv("observability.metrics_enabled", l.prefixedEnv("OBSERVABILITY_METRICS_ENABLED"))
	v.BindEnv("observability.metrics_address", l.prefixedEnv("OBSERVABILITY_METRICS_ADDRESS"))

	// Queue
	v.BindEnv("queue.backend", l.prefixedEnv("QUEUE_BACKEND"))
	v.BindEnv("queue.version", l.prefixedEnv("QUEUE_VERSION"))
	v.BindEnv("queue.version_filter", l.prefixedEnv("QUEUE_VERSION_FILTER"))
	v.BindEnv("queue.lease_duration", l.prefixedEnv("QUEUE_LEASE_DURATION"))
	v.BindEnv("queue.wait", l.prefixedEnv("QUEUE_WAIT"))
	v.BindEnv("queue.poll_interval", l.prefixedEnv("QUEUE_POLL_INTERVAL"))
	v.BindEnv("queue.retry.attempts", l.prefixedEnv("QUEUE_RETRY_ATTEMPTS"))
	v.BindEnv("queue.retry.initial_backoff", l.prefixedEnv("QUEUE_RETRY_INITIAL_BACKOFF"))
	v.BindEnv("queue.retry.max_backoff", l.prefixedEnv("QUEUE_RETRY_MAX_BACKOFF"))
	v.BindEnv("queue.circuit_breaker.enabled", l.prefixedEnv("QUEUE_CIRCUIT_BREAKER_ENABLED"))
	v.BindEnv("queue.circuit_breaker.max_failures", l.prefixedEnv("QUEUE_CIRCUIT_BREAKER_MAX_FAILURES"))
	v.BindEnv("queue.circuit_breaker.cooldown", l.prefixedEnv("QUEUE_CIRCUIT_BREAKER_COOLDOWN"))
	v.BindEnv("queue.listener.concurrency", l.prefixedEnv("QUEUE_LISTENER_CONCURRENCY"))
	v.BindEnv("queue.listener.max_retries", l.prefixedEnv("QUEUE_LISTENER_MAX_RETRIES"))
	v.BindEnv("queue.listener.initial_backoff", l.prefixedEnv("QUEUE_LISTENER_INITIAL_BACKOFF"))
	v.BindEnv("queue.listener.max_backoff", l.prefixedEnv("QUEUE_LISTENER_MAX_BACKOFF"))
	v.BindEnv("queue.listener.handler_timeout", l.prefixedEnv("QUEUE_LISTENER_HANDLER_TIMEOUT"))
	v.BindEnv("queue.listener.stop_timeout", l.prefixedEnv("QUEUE_LISTENER_STOP_TIMEOUT"))

	// Queue backends
	v.BindEnv("queue.mongodb.url", l.prefixedEnv("QUEUE_MONGODB_URL"))
	v.BindEnv("queue.mongodb.database", l.prefixedEnv("QUEUE_MONGODB_DATABASE"))
	v.BindEnv("queue.mongodb.collection_prefix", l.prefixedEnv("QUEUE_MONGODB_COLLECTION_PREFIX"))
	v.BindEnv("queue.mongodb.connect_timeout", l.prefixedEnv("QUEUE_MONGODB_CONNECT_TIMEOUT"))
	v.BindEnv("queue.mongodb.operation_timeout", l.prefixedEnv("QUEUE_MONGODB_OPERATION_TIMEOUT"))
	v.BindEnv("queue.mongodb.ensure_indexes", l.prefixedEnv("QUEUE_MONGODB_ENSURE_INDEXES"))
	v.BindEnv("queue.redis.url", l.prefixedEnv("QUEUE_REDIS_URL"))
	v.BindEnv("queue.redis.prefix", l.prefixedEnv("QUEUE_REDIS_PREFIX"))
	v.BindEnv("queue.redis.operation_timeout", l.prefixedEnv("QUEUE_REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("queue.redis.scan_batch", l.prefixedEnv("QUEUE_REDIS_SCAN_BATCH"))
	v.BindEnv("queue.sql.url", l.prefixedEnv("QUEUE_SQL_URL"))
	v.BindEnv("queue.sql.table", l.prefixedEnv("QUEUE_SQL_TABLE"))
	v.BindEnv("queue.sql.max_open_conns", l.prefixedEnv("QUEUE_SQL_MAX_OPEN_CONNS"))
	v.BindEnv("queue.sql.max_idle_conns", l.prefixedEnv("QUEUE_SQL_MAX_IDLE_CONNS"))
	v.BindEnv("queue.sql.conn_max_lifetime", l.prefixedEnv("QUEUE_SQL_CONN_MAX_LIFETIME"))
	v.BindEnv("queue.sql.operation_timeout", l.prefixedEnv("QUEUE_SQL_OPERATION_TIMEOUT"))
	v.BindEnv("queue.sql.auto_migrate", l.prefixedEnv("QUEUE_SQL_AUTO_MIGRATE"))
	v.BindEnv("queue.dynamodb.region", l.prefixedEnv("QUEUE_DYNAMODB_REGION"), "AWS_REGION")
	v.BindEnv("queue.dynamodb.endpoint", l.prefixedEnv("QUEUE_DYNAMODB_ENDPOINT"))
	v.BindEnv("queue.dynamodb.access_key_id", l.prefixedEnv("QUEUE_DYNAMODB_ACCESS_KEY_ID"))
	v.BindEnv("queue.dynamodb.secret_access_key", l.prefixedEnv("QUEUE_DYNAMODB_SECRET_ACCESS_KEY"))
	v.BindEnv("queue.dynamodb.session_token", l.prefixedEnv("QUEUE_DYNAMODB_SESSION_TOKEN"))
	v.BindEnv("queue.dynamodb.table", l.prefixedEnv("QUEUE_DYNAMODB_TABLE"))
	v.BindEnv("queue.dynamodb.index", l.prefixedEnv("QUEUE_DYNAMODB_INDEX"))
	v.BindEnv("queue.dynamodb.page_size", l.prefixedEnv("QUEUE_DYNAMODB_PAGE_SIZE"))
	v.BindEnv("queue.dynamodb.operation_timeout", l.prefixedEnv("QUEUE_DYNAMODB_OPERATION_TIMEOUT"))
	v.BindEnv("queue.dynamodb.auto_create", l.prefixedEnv("QUEUE_DYNAMODB_AUTO_CREATE"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.service_name", l.defaultServiceName(cfg.Observability.ServiceName))
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.metrics_enabled", cfg.Observability.MetricsEnabled)
	v.SetDefault("observability.metrics_address", cfg.Observability.MetricsAddress)

	// Queue defaults
	q := cfg.Queue
	v.SetDefault("queue.backend", q.Backend)
	v.SetDefault("queue.version", q.Version)
	v.SetDefault("queue.version_filter", q.VersionFilter)
	v.SetDefault("queue.lease_duration", q.LeaseDuration)
	v.SetDefault("queue.wait", q.Wait)
	v.SetDefault("queue.poll_interval", q.PollInterval)
	v.SetDefault("queue.retry.attempts", q.Retry.Attempts)
	v.SetDefault("queue.retry.initial_backoff", q.Retry.InitialBackoff)
	v.SetDefault("queue.retry.max_backoff", q.Retry.MaxBackoff)
	v.SetDefault("queue.circuit_breaker.enabled", q.CircuitBreaker.Enabled)
	v.SetDefault("queue.circuit_breaker.max_failures", q.CircuitBreaker.MaxFailures)
	v.SetDefault("queue.circuit_breaker.cooldown", q.CircuitBreaker.Cooldown)
	v.SetDefault("queue.listener.concurrency", q.Listener.Concurrency)
	v.SetDefault("queue.listener.max_retries", q.Listener.MaxRetries)
	v.SetDefault("queue.listener.initial_backoff", q.Listener.InitialBackoff)
	v.SetDefault("queue.listener.max_backoff", q.Listener.MaxBackoff)
	v.SetDefault("queue.listener.handler_timeout", q.Listener.HandlerTimeout)
	v.SetDefault("queue.listener.stop_timeout", q.Listener.StopTimeout)

	v.SetDefault("queue.mongodb.database", q.MongoDB.Database)
	v.SetDefault("queue.mongodb.connect_timeout", q.MongoDB.ConnectTimeout)
	v.SetDefault("queue.mongodb.operation_timeout", q.MongoDB.OperationTimeout)
	v.SetDefault("queue.mongodb.ensure_indexes", q.MongoDB.EnsureIndexes)
	v.SetDefault("queue.redis.prefix", q.Redis.Prefix)
	v.SetDefault("queue.redis.operation_timeout", q.Redis.OperationTimeout)
	v.SetDefault("queue.redis.scan_batch", q.Redis.ScanBatch)
	v.SetDefault("queue.sql.table", q.SQL.Table)
	v.SetDefault("queue.sql.max_open_conns", q.SQL.MaxOpenConns)
	v.SetDefault("queue.sql.max_idle_conns", q.SQL.MaxIdleConns)
	v.SetDefault("queue.sql.conn_max_lifetime", q.SQL.ConnMaxLifetime)
	v.SetDefault("queue.sql.operation_timeout", q.SQL.OperationTimeout)
	v.SetDefault("queue.sql.auto_migrate", q.SQL.AutoMigrate)
	v.SetDefault("queue.dynamodb.table", q.DynamoDB.Table)
	v.SetDefault("queue.dynamodb.index", q.DynamoDB.Index)
	v.SetDefault("queue.dynamodb.page_size", q.DynamoDB.PageSize)
	v.SetDefault("queue.dynamodb.operation_timeout", q.DynamoDB.OperationTimeout)
	v.SetDefault("queue.dynamodb.auto_create", q.DynamoDB.AutoCreate)
}
