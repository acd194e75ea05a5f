package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/workqueue/pkg/health"
	"github.com/nimburion/workqueue/pkg/queue"
)

// itemView is the YAML rendering of an item.
type itemView struct {
	ID                string            `yaml:"id"`
	Queue             string            `yaml:"queue"`
	EarliestVisibleAt time.Time         `yaml:"earliest_visible_at"`
	Retries           int               `yaml:"retries"`
	Version           string            `yaml:"version,omitempty"`
	Context           map[string]string `yaml:"context,omitempty"`
	ContentType       string            `yaml:"content_type,omitempty"`
	Payload           any               `yaml:"payload"`
	CreatedAt         time.Time         `yaml:"created_at"`
}

func newItemView(item *queue.Item) itemView {
	view := itemView{
		ID:                item.ID,
		Queue:             item.Queue,
		EarliestVisibleAt: item.EarliestVisibleAt,
		Retries:           item.Retries,
		Version:           item.Version,
		Context:           item.Context,
		ContentType:       item.ContentType,
		Payload:           string(item.Payload),
		CreatedAt:         item.CreatedAt,
	}
	var decoded any
	if json.Valid(item.Payload) && json.Unmarshal(item.Payload, &decoded) == nil {
		view.Payload = decoded
	}
	return view
}

// withRuntime loads configuration, opens the store and runs fn, closing the store afterwards.
func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) (err error) {
	cfg, log, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, log, c.opts.StoreFactory)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close())
	}()
	return fn(cmd.Context(), rt)
}

func newPublishCommand(cc *commandContext) *cobra.Command {
	var (
		payload     string
		payloadFile string
		contentType string
		id          string
		delay       time.Duration
		values      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "publish <queue>",
		Short: "Publish one item to a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(payload)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				body = data
			}
			if len(body) == 0 {
				return errors.New("a payload is required (--payload or --payload-file)")
			}
			if (contentType == "" || contentType == queue.DefaultContentType) && !json.Valid(body) {
				return fmt.Errorf("payload is not valid JSON; set --content-type for other formats")
			}

			return cc.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				publisher, err := rt.factory.Publisher(args[0])
				if err != nil {
					return err
				}
				item := &queue.Item{
					ID:          strings.TrimSpace(id),
					Payload:     body,
					ContentType: contentType,
					Context:     values,
				}
				queue.WithDelay(delay)(item)
				if err := publisher.Send(ctx, item); err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				if !rt.factory.Enabled(publisher.Name()) {
					rt.log.Warn("queue type is disabled, item was dropped", "queue", publisher.Name())
				}
				fmt.Fprintln(cmd.OutOrStdout(), item.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "item payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the item payload from a file")
	cmd.Flags().StringVar(&contentType, "content-type", "", "payload content type (default application/json)")
	cmd.Flags().StringVar(&id, "id", "", "item id; publishing an existing id is a no-op")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the item becomes visible")
	cmd.Flags().StringToStringVar(&values, "context", nil, "context values to attach (key=value, repeatable)")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	return cmd
}

func newConsumeCommand(cc *commandContext) *cobra.Command {
	var (
		wait time.Duration
		poll time.Duration
		ack  bool
	)
	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Claim one item and print it",
		Long: "Claim the oldest visible item of a queue and print it as YAML. Without --ack the " +
			"item stays leased and becomes visible again when the lease expires.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				consumer, err := rt.factory.Consumer(args[0])
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("wait") {
					wait = rt.cfg.Queue.Wait
				}
				item, err := consumer.Get(ctx, wait, poll)
				if err != nil {
					return fmt.Errorf("consume: %w", err)
				}
				if item == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "no item available")
					return nil
				}
				if ack {
					if _, err := consumer.Ack(ctx, item); err != nil {
						return fmt.Errorf("ack: %w", err)
					}
				}
				return writeYAML(cmd.OutOrStdout(), newItemView(item))
			})
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "how long to wait for an item (default: queue.wait)")
	cmd.Flags().DurationVar(&poll, "poll", 0, "poll interval while waiting (default: queue.poll_interval)")
	cmd.Flags().BoolVar(&ack, "ack", false, "delete the item after printing it")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if wait < 0 {
			return errors.New("--wait must be >= 0")
		}
		return nil
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	return cmd
}

func newAckCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <queue> <id>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				consumer, err := rt.factory.Consumer(args[0])
				if err != nil {
					return err
				}
				deleted, err := consumer.Ack(ctx, &queue.Item{ID: args[1], Queue: consumer.Name()})
				if err != nil {
					return fmt.Errorf("ack: %w", err)
				}
				return writeYAML(cmd.OutOrStdout(), map[string]any{"id": args[1], "deleted": deleted})
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	return cmd
}

func newRequeueCommand(cc *commandContext) *cobra.Command {
	var (
		retries int
		delay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "requeue <queue> <id>",
		Short: "Make an item visible again",
		Long:  "Set the retry count and visibility of an item regardless of who holds its lease.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retries < 0 {
				return errors.New("--retries must be >= 0")
			}
			return cc.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				consumer, err := rt.factory.Consumer(args[0])
				if err != nil {
					return err
				}
				var visibleAt time.Time
				if delay > 0 {
					visibleAt = time.Now().UTC().Add(delay)
				}
				matched, err := consumer.Requeue(ctx, args[1], retries, visibleAt)
				if err != nil {
					return fmt.Errorf("requeue: %w", err)
				}
				return writeYAML(cmd.OutOrStdout(), map[string]any{"id": args[1], "requeued": matched})
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "retry count to store on the item")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the item becomes visible")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	return cmd
}

// queueStats is the stats output of one queue type.
type queueStats struct {
	Queue      string `yaml:"queue"`
	Enabled    bool   `yaml:"enabled"`
	Total      int64  `yaml:"total"`
	Running    int64  `yaml:"running"`
	NotRunning int64  `yaml:"not_running"`
}

func newStatsCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [queue...]",
		Short: "Show item counts per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				names := args
				if len(names) == 0 {
					names = rt.factory.Names()
				}
				stats := make([]queueStats, 0, len(names))
				for _, name := range names {
					consumer, err := rt.factory.Dynamic(name)
					if err != nil {
						return err
					}
					entry := queueStats{Queue: consumer.Name(), Enabled: rt.factory.Enabled(name)}
					counts := []*int64{&entry.Total, &entry.Running, &entry.NotRunning}
					for i, filter := range []queue.CountFilter{queue.CountAll, queue.CountRunning, queue.CountNotRunning} {
						count, err := consumer.Count(ctx, filter)
						if err != nil {
							return fmt.Errorf("count %s %s: %w", name, filter, err)
						}
						*counts[i] = count
					}
					stats = append(stats, entry)
				}
				return writeYAML(cmd.OutOrStdout(), stats)
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func newHealthcheckCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the queue store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				result := rt.readiness().Check(ctx)
				if err := writeYAML(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Status == health.StatusUnhealthy {
					return errors.New("queue store is unhealthy")
				}
				return nil
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}
