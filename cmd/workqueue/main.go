// Command workqueue publishes, inspects and processes items of lease-based work queues.
//
// The bundled work command logs every claimed item and acknowledges it; services embed
// pkg/cli with their own handlers instead.
package main

import (
	"context"

	"github.com/nimburion/workqueue/pkg/cli"
	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
)

func main() {
	log, err := logger.NewZapLogger(logger.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:           "workqueue",
		Description:    "Lease-based work queues on MongoDB, Redis, PostgreSQL, MySQL and DynamoDB",
		ConfigPath:     "",
		EnvPrefix:      "WORKQUEUE",
		DefaultHandler: logHandler(log),
	}))
}

func logHandler(log logger.Logger) queue.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		log.WithContext(ctx).Info("work item received",
			"queue", item.Queue,
			"item_id", item.ID,
			"retries", item.Retries,
			"content_type", item.ContentType,
			"payload_bytes", len(item.Payload),
		)
		return nil
	}
}
