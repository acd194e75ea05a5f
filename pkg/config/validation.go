package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var validQueueBackends = []string{
	QueueBackendMemory,
	QueueBackendMongoDB,
	QueueBackendRedis,
	QueueBackendPostgres,
	QueueBackendMySQL,
	QueueBackendDynamoDB,
}

var validVersionFilters = []string{"none", "strict"}

var validLogFormats = []string{"json", "text"}

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validate normalizes cfg in place and reports every invalid setting at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	return cfg.Validate()
}

// Validate normalizes the configuration in place and reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	if !contains(validLogLevels, c.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", c.Observability.LogLevel, validLogLevels))
	}
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
	if !contains(validLogFormats, c.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", c.Observability.LogFormat, validLogFormats))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1, got %v", c.Observability.TracingSampleRate))
	}
	if c.Observability.TracingEnabled && strings.TrimSpace(c.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}

	errs = append(errs, c.Queue.validate()...)
	return errors.Join(errs...)
}

func (q *QueueConfig) validate() []error {
	var errs []error

	q.Backend = strings.ToLower(strings.TrimSpace(q.Backend))
	if q.Backend == "postgresql" {
		q.Backend = QueueBackendPostgres
	}
	if !contains(validQueueBackends, q.Backend) {
		errs = append(errs, fmt.Errorf("invalid queue.backend: %s (must be one of: %v)", q.Backend, validQueueBackends))
	}

	q.VersionFilter = normalizeVersionFilter(q.VersionFilter)
	if !contains(validVersionFilters, q.VersionFilter) {
		errs = append(errs, fmt.Errorf("invalid queue.version_filter: %s (must be one of: %v)", q.VersionFilter, validVersionFilters))
	}
	q.Version = strings.TrimSpace(q.Version)

	if q.LeaseDuration <= 0 {
		errs = append(errs, errors.New("queue.lease_duration must be > 0"))
	}
	if q.Wait < 0 {
		errs = append(errs, errors.New("queue.wait must be >= 0"))
	}
	if q.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be > 0"))
	}
	if q.Retry.Attempts < 1 {
		errs = append(errs, errors.New("queue.retry.attempts must be >= 1"))
	}
	if q.Retry.InitialBackoff < 0 || q.Retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("queue.retry backoff values must be >= 0"))
	}
	if q.CircuitBreaker.Enabled {
		if q.CircuitBreaker.MaxFailures < 1 {
			errs = append(errs, errors.New("queue.circuit_breaker.max_failures must be >= 1 when enabled"))
		}
		if q.CircuitBreaker.Cooldown <= 0 {
			errs = append(errs, errors.New("queue.circuit_breaker.cooldown must be > 0 when enabled"))
		}
	}
	if q.Listener.Concurrency < 1 {
		errs = append(errs, errors.New("queue.listener.concurrency must be >= 1"))
	}
	if q.Listener.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.listener.max_retries must be >= 0"))
	}

	types := make(map[string]QueueTypeConfig, len(q.Types))
	for name, typ := range q.Types {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			errs = append(errs, errors.New("queue.types contains an empty queue name"))
			continue
		}
		if typ.LeaseDuration < 0 {
			errs = append(errs, fmt.Errorf("queue.types.%s.lease_duration must be >= 0", normalized))
		}
		if typ.BacklogThreshold < 0 {
			errs = append(errs, fmt.Errorf("queue.types.%s.backlog_threshold must be >= 0", normalized))
		}
		if strings.TrimSpace(typ.VersionFilter) != "" {
			typ.VersionFilter = normalizeVersionFilter(typ.VersionFilter)
			if !contains(validVersionFilters, typ.VersionFilter) {
				errs = append(errs, fmt.Errorf("invalid queue.types.%s.version_filter: %s (must be one of: %v)", normalized, typ.VersionFilter, validVersionFilters))
			}
		}
		types[normalized] = typ
	}
	q.Types = types

	switch q.Backend {
	case QueueBackendMongoDB:
		if strings.TrimSpace(q.MongoDB.URL) == "" {
			errs = append(errs, errors.New("queue.mongodb.url is required when queue.backend is mongodb"))
		}
		if strings.TrimSpace(q.MongoDB.Database) == "" {
			errs = append(errs, errors.New("queue.mongodb.database is required when queue.backend is mongodb"))
		}
	case QueueBackendRedis:
		if strings.TrimSpace(q.Redis.URL) == "" {
			errs = append(errs, errors.New("queue.redis.url is required when queue.backend is redis"))
		}
	case QueueBackendPostgres, QueueBackendMySQL:
		if strings.TrimSpace(q.SQL.URL) == "" {
			errs = append(errs, fmt.Errorf("queue.sql.url is required when queue.backend is %s", q.Backend))
		}
	case QueueBackendDynamoDB:
		if strings.TrimSpace(q.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("queue.dynamodb.region is required when queue.backend is dynamodb"))
		}
	}
	return errs
}

// TypeNames returns the configured queue names in sorted order.
func (q QueueConfig) TypeNames() []string {
	names := make([]string, 0, len(q.Types))
	for name := range q.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeVersionFilter(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "none"
	}
	return value
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
