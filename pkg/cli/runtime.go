package cli

import (
	"errors"
	"fmt"

	"github.com/nimburion/workqueue/pkg/config"
	"github.com/nimburion/workqueue/pkg/health"
	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/observability/tracing"
	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/queue/factory"
)

func defaultStoreFactory(cfg config.QueueConfig, log logger.Logger) (queue.Store, error) {
	store, err := factory.NewStore(cfg, log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// runtime holds what every queue command needs: the store, the enablement state and the
// factory handing out publishers and consumers.
type runtime struct {
	cfg        *config.Config
	log        logger.Logger
	store      queue.Store
	enablement *config.Enablement
	factory    *factory.Factory
}

func newRuntime(cfg *config.Config, log logger.Logger, openStore StoreFactory) (*runtime, error) {
	if len(cfg.Queue.Types) == 0 {
		return nil, fmt.Errorf("%w: no queue types configured under queue.types", queue.ErrValidation)
	}
	store, err := openStore(cfg.Queue, log)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	enablement := config.NewEnablement(cfg.Queue)
	factoryCfg := factory.ConfigFrom(cfg.Queue, enablement)
	factoryCfg.Propagator = tracing.DefaultPropagator()
	f, err := factory.New(factoryCfg, store, log)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return &runtime{
		cfg:        cfg,
		log:        log,
		store:      store,
		enablement: enablement,
		factory:    f,
	}, nil
}

func (r *runtime) Close() error {
	if err := r.store.Close(); err != nil {
		r.log.Error("failed to close queue store", "error", err)
		return err
	}
	return nil
}

// readiness registers the store check and a backlog check for every enabled type that sets a
// backlog threshold.
func (r *runtime) readiness() *health.Registry {
	registry := health.NewRegistry(health.NewStoreChecker("queue-store", r.store, 0))
	for _, name := range r.factory.Names() {
		typ := r.cfg.Queue.Types[name]
		if typ.BacklogThreshold <= 0 || !r.factory.Enabled(name) {
			continue
		}
		consumer, err := r.factory.Dynamic(name)
		if err != nil {
			continue
		}
		registry.Register(health.NewBacklogChecker(consumer, typ.BacklogThreshold, 0))
	}
	return registry
}
