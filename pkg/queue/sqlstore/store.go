// Package sqlstore implements queue.Store on PostgreSQL and MySQL. All queues share one table
// keyed by (queue, id).
//
// A claim locks the oldest visible row with FOR UPDATE SKIP LOCKED, so concurrent claimers skip
// each other's candidate rows instead of blocking on them, and moves its visibility in the same
// transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
)

const (
	defaultTable            = "workqueue_items"
	defaultOperationTimeout = 5 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const itemColumns = "id, earliest_visible_at, retries, version, context, payload, content_type, created_at"

// Config configures the SQL queue store.
type Config struct {
	// Driver is DriverPostgres or DriverMySQL.
	Driver           string
	URL              string
	Table            string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	OperationTimeout time.Duration
	// AutoMigrate creates the table and its index when missing.
	AutoMigrate bool
}

func (c *Config) normalize() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "postgresql" {
		c.Driver = DriverPostgres
	}
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Store is the SQL queue store.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     logger.Logger
	config  Config
}

// Cosa fa: apre il pool SQL, verifica la connessione e, se richiesto, crea tabella e indice.
// Cosa NON fa: non gestisce migrazioni di schema successive.
// Esempio minimo: store, err := sqlstore.NewStore(sqlstore.Config{Driver: "postgres", URL: dsn}, log)
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("sql url is required")
	}
	cfg.normalize()
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid queue table name %q", cfg.Table)
	}
	dsn, err := prepareDSN(d.name, cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", d.name, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s failed: %w", d.name, err)
	}

	store := &Store{db: db, dialect: d, log: log, config: cfg}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	log.Info("SQL queue store connected", "driver", d.name, "table", cfg.Table)
	return store, nil
}

func newStoreWithDB(db *sql.DB, cfg Config, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid queue table name %q", cfg.Table)
	}
	return &Store{db: db, dialect: d, log: log, config: cfg}, nil
}

// EnsureSchema creates the queue table and its claim index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(statement, s.config.Table)); err != nil {
			return fmt.Errorf("create queue schema failed: %w", err)
		}
	}
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, queueName string, req queue.ClaimRequest) (*queue.Item, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	var (
		item *queue.Item
		err  error
	)
	if s.dialect.numbered {
		item, err = s.claimReturning(opCtx, queueName, req)
	} else {
		item, err = s.claimInTx(opCtx, queueName, req)
	}
	if err != nil {
		return nil, fmt.Errorf("%s claim on %s: %w", s.dialect.name, queueName, err)
	}
	if item != nil {
		item.Queue = queueName
	}
	return item, nil
}

// claimReturning claims in one statement; RETURNING reads the pre-update visibility from the CTE.
func (s *Store) claimReturning(ctx context.Context, queueName string, req queue.ClaimRequest) (*queue.Item, error) {
	versionClause, args := versionFilter(queueName, req)
	query := s.dialect.rebind(fmt.Sprintf(`WITH next AS (
	SELECT queue, id, earliest_visible_at FROM %[1]s
	WHERE queue = ? AND earliest_visible_at <= ?%[2]s
	ORDER BY earliest_visible_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s AS q SET earliest_visible_at = ?
FROM next
WHERE q.queue = next.queue AND q.id = next.id
RETURNING q.id, next.earliest_visible_at, q.retries, q.version, q.context, q.payload, q.content_type, q.created_at`,
		s.config.Table, versionClause))
	args = append(args, req.LeaseUntil().UTC())

	item, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *Store) claimInTx(ctx context.Context, queueName string, req queue.ClaimRequest) (item *queue.Item, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	versionClause, args := versionFilter(queueName, req)
	selectQuery := s.dialect.rebind(fmt.Sprintf(`SELECT %s FROM %s
WHERE queue = ? AND earliest_visible_at <= ?%s
ORDER BY earliest_visible_at
LIMIT 1
FOR UPDATE SKIP LOCKED`, itemColumns, s.config.Table, versionClause))

	item, err = scanItem(tx.QueryRowContext(ctx, selectQuery, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	updateQuery := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET earliest_visible_at = ? WHERE queue = ? AND id = ?`, s.config.Table))
	if _, err = tx.ExecContext(ctx, updateQuery, req.LeaseUntil().UTC(), queueName, item.ID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

func versionFilter(queueName string, req queue.ClaimRequest) (string, []any) {
	args := []any{queueName, req.Now.UTC()}
	if !req.FilterVersion {
		return "", args
	}
	return " AND (version = ? OR version = '')", append(args, req.Version)
}

func (s *Store) ExtendLease(ctx context.Context, queueName, id string, visibleAt time.Time) (bool, error) {
	query := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET earliest_visible_at = ? WHERE queue = ? AND id = ?`, s.config.Table))
	return s.execMatched(ctx, "extend lease", query, visibleAt.UTC(), queueName, id)
}

func (s *Store) Requeue(ctx context.Context, queueName, id string, retries int, visibleAt time.Time) (bool, error) {
	query := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET retries = ?, earliest_visible_at = ? WHERE queue = ? AND id = ?`, s.config.Table))
	return s.execMatched(ctx, "requeue", query, retries, visibleAt.UTC(), queueName, id)
}

func (s *Store) Delete(ctx context.Context, queueName, id string) (bool, error) {
	query := s.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE queue = ? AND id = ?`, s.config.Table))
	return s.execMatched(ctx, "delete", query, queueName, id)
}

func (s *Store) execMatched(ctx context.Context, operation, query string, args ...any) (bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	result, err := s.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s %s failed: %w", s.dialect.name, operation, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s %s rows affected failed: %w", s.dialect.name, operation, err)
	}
	return affected > 0, nil
}

func (s *Store) Insert(ctx context.Context, queueName string, item *queue.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	var encodedContext any
	if len(item.Context) > 0 {
		raw, err := json.Marshal(item.Context)
		if err != nil {
			return fmt.Errorf("marshal item context failed: %w", err)
		}
		encodedContext = string(raw)
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (queue, %s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.config.Table, itemColumns))
	_, err := s.db.ExecContext(opCtx, query,
		queueName,
		item.ID,
		item.EarliestVisibleAt.UTC(),
		item.Retries,
		item.Version,
		encodedContext,
		item.Payload,
		item.ContentType,
		item.CreatedAt.UTC(),
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return queue.ErrDuplicateItem
		}
		return fmt.Errorf("%s insert on %s: %w", s.dialect.name, queueName, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, queueName string, filter queue.CountFilter, now time.Time) (int64, error) {
	clause := ""
	args := []any{queueName}
	switch filter {
	case queue.CountRunning:
		clause = " AND earliest_visible_at > ?"
		args = append(args, now.UTC())
	case queue.CountNotRunning:
		clause = " AND earliest_visible_at <= ?"
		args = append(args, now.UTC())
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue = ?%s`, s.config.Table, clause))
	var count int64
	if err := s.db.QueryRowContext(opCtx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s count on %s: %w", s.dialect.name, queueName, err)
	}
	return count, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		s.log.Error("SQL queue store health check failed", "driver", s.dialect.name, "error", err)
		return fmt.Errorf("%s health check failed: %w", s.dialect.name, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func scanItem(row *sql.Row) (*queue.Item, error) {
	var (
		item           queue.Item
		encodedContext sql.NullString
	)
	err := row.Scan(
		&item.ID,
		&item.EarliestVisibleAt,
		&item.Retries,
		&item.Version,
		&encodedContext,
		&item.Payload,
		&item.ContentType,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if encodedContext.Valid && encodedContext.String != "" {
		if err := json.Unmarshal([]byte(encodedContext.String), &item.Context); err != nil {
			return nil, fmt.Errorf("decode item context failed: %w", err)
		}
	}
	item.EarliestVisibleAt = item.EarliestVisibleAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}
