package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/workqueue/pkg/config"
	"github.com/nimburion/workqueue/pkg/health"
	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/observability/metrics"
	"github.com/nimburion/workqueue/pkg/observability/tracing"
	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/server"
	"github.com/nimburion/workqueue/pkg/version"
)

func newWorkCommand(cc *commandContext) *cobra.Command {
	var (
		queues      []string
		concurrency int
		noWatch     bool
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run listeners for the configured queue types",
		Long: "Claim and process items of every selected queue type until interrupted. Types are " +
			"re-checked for enablement on every claim, and the config file is watched so types " +
			"can be toggled without a restart.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := cc.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if concurrency > 0 {
				cfg.Queue.Listener.Concurrency = concurrency
			}
			return runWorker(ctx, cc, cfg, log, workOptions{queues: queues, watch: !noWatch})
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "queue types to consume (repeatable, default: all with a handler)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "consumer loops per queue (default: queue.listener.concurrency)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload queue enablement when the config file changes")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

type workOptions struct {
	queues []string
	watch  bool
}

func runWorker(ctx context.Context, cc *commandContext, cfg *config.Config, log logger.Logger, opts workOptions) (err error) {
	tracerProvider, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    resolveServiceNameValue(cfg.Observability.ServiceName, cfg.Service.Name, ""),
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, tracerProvider.Shutdown(shutdownCtx))
	}()

	rt, err := newRuntime(cfg, log, cc.opts.StoreFactory)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close())
	}()

	names, err := selectQueues(rt, cc.opts, opts.queues)
	if err != nil {
		return err
	}

	listeners := make([]*queue.Listener, 0, len(names))
	consumers := make([]queue.Consumer, 0, len(names))
	for _, name := range names {
		consumer, err := rt.factory.Dynamic(name)
		if err != nil {
			return err
		}
		listener, err := queue.NewListener(consumer, handlerFor(cc.opts, name), log, queue.ListenerConfig{
			Concurrency:    cfg.Queue.Listener.Concurrency,
			Wait:           cfg.Queue.Wait,
			PollInterval:   cfg.Queue.PollInterval,
			MaxRetries:     cfg.Queue.Listener.MaxRetries,
			InitialBackoff: cfg.Queue.Listener.InitialBackoff,
			MaxBackoff:     cfg.Queue.Listener.MaxBackoff,
			HandlerTimeout: cfg.Queue.Listener.HandlerTimeout,
			StopTimeout:    cfg.Queue.Listener.StopTimeout,
		})
		if err != nil {
			return fmt.Errorf("create listener for %s: %w", name, err)
		}
		listeners = append(listeners, listener)
		consumers = append(consumers, consumer)
	}

	if opts.watch && strings.TrimSpace(cc.cfgPath) != "" {
		watchErr := config.NewViperLoader(cc.cfgPath, cc.opts.EnvPrefix).
			WithServiceNameDefault(cc.opts.Name).
			Watch(func(next *config.Config) {
				rt.enablement.Update(next.Queue)
				log.Info("queue enablement reloaded", "enabled", enabledNames(rt, names))
			}, func(err error) {
				log.Warn("ignoring invalid configuration revision", "error", err)
			})
		if watchErr != nil {
			return fmt.Errorf("watch config: %w", watchErr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Observability.MetricsEnabled {
		registry := metrics.NewRegistry(queue.Collectors()...)
		registry.MustRegister(queue.NewDepthCollector(0, consumers...))
		readiness := rt.readiness()
		readiness.Register(health.NewPingChecker("process"))
		management := server.NewManagementServer(server.Config{
			Address:      cfg.Observability.MetricsAddress,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, log, readiness, registry)
		g.Go(func() error {
			return management.Start(gctx)
		})
	}
	for _, listener := range listeners {
		g.Go(func() error {
			return listener.Start(gctx)
		})
	}

	log.Info("worker started", "queues", names, "backend", cfg.Queue.Backend, "version", version.QueueVersion(cfg.Queue.Version))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}

// selectQueues returns the requested queue types, or every bound type with a handler.
func selectQueues(rt *runtime, opts ServiceCommandOptions, requested []string) ([]string, error) {
	var names []string
	for _, name := range requested {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	if len(names) > 0 {
		for _, name := range names {
			if _, err := rt.factory.Dynamic(name); err != nil {
				return nil, err
			}
			if handlerFor(opts, name) == nil {
				return nil, fmt.Errorf("%w: no handler registered for %s", queue.ErrValidation, name)
			}
		}
		return names, nil
	}

	for _, name := range rt.factory.Names() {
		if handlerFor(opts, name) != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no handler registered for any configured queue type", queue.ErrValidation)
	}
	return names, nil
}

func handlerFor(opts ServiceCommandOptions, name string) queue.Handler {
	for key, handler := range opts.Handlers {
		if strings.EqualFold(strings.TrimSpace(key), name) && handler != nil {
			return handler
		}
	}
	return opts.DefaultHandler
}

func enabledNames(rt *runtime, names []string) []string {
	enabled := make([]string, 0, len(names))
	for _, name := range names {
		if rt.factory.Enabled(name) {
			enabled = append(enabled, name)
		}
	}
	return enabled
}
