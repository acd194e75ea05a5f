package sqlstore

import (
	"context"
	"testing"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/queue/queuetest"
	"github.com/nimburion/workqueue/pkg/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	dsn := testutil.StartPostgres(t)

	queuetest.RunStoreSuite(t, func(t *testing.T) queue.Store {
		store, err := NewStore(Config{Driver: DriverPostgres, URL: dsn, AutoMigrate: true}, logger.Nop())
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if _, err := store.db.ExecContext(context.Background(), "TRUNCATE "+store.config.Table); err != nil {
			t.Fatalf("Failed to truncate queue table: %v", err)
		}
		return store
	})
}
