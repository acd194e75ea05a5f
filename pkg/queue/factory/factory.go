// Package factory builds the publisher and consumer of each queue type the process binds,
// choosing live store-backed instances or no-op stand-ins from the current enablement state.
package factory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
)

// Enablement reports whether a queue type is enabled. It is consulted on every Publisher,
// Consumer and Pair call.
type Enablement interface {
	Enabled(name string) bool
}

// EnablementFunc adapts a function to Enablement.
type EnablementFunc func(name string) bool

// Enabled implements Enablement.
func (f EnablementFunc) Enabled(name string) bool { return f(name) }

// AllEnabled enables every bound type.
var AllEnabled Enablement = EnablementFunc(func(string) bool { return true })

// Binding carries the per-type overrides of one queue type. Zero values inherit Config.
type Binding struct {
	LeaseDuration time.Duration
	VersionFilter queue.VersionFilter
}

// Config configures a Factory.
type Config struct {
	// Version is the process version stamped on items under strict version filtering.
	Version       string
	VersionFilter queue.VersionFilter
	LeaseDuration time.Duration
	PollInterval  time.Duration
	// Backend labels spans with the store backend name.
	Backend    string
	Enablement Enablement
	Bindings   map[string]Binding
	Propagator propagation.TextMapPropagator
	Clock      queue.Clock
}

// Factory hands out publishers and consumers for the bound queue types.
//
// Live instances are built once per type and reused, so every caller of Consumer(name) shares the
// same admission gate.
type Factory struct {
	store  queue.Store
	log    logger.Logger
	config Config

	mu         sync.Mutex
	publishers map[string]*queue.StorePublisher
	consumers  map[string]*queue.LeaseConsumer
}

// New validates cfg and creates a Factory. store may be nil only when no bound type is enabled.
func New(cfg Config, store queue.Store, log logger.Logger) (*Factory, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", queue.ErrValidation)
	}
	if cfg.Enablement == nil {
		cfg.Enablement = AllEnabled
	}
	if cfg.VersionFilter == "" {
		cfg.VersionFilter = queue.VersionFilterNone
	}
	cfg.Version = strings.TrimSpace(cfg.Version)
	if len(cfg.Bindings) == 0 {
		return nil, fmt.Errorf("%w: at least one queue binding is required", queue.ErrValidation)
	}
	if _, err := queue.ParseVersionFilter(string(cfg.VersionFilter)); err != nil {
		return nil, err
	}

	bindings := make(map[string]Binding, len(cfg.Bindings))
	anyEnabled := false
	for name, binding := range cfg.Bindings {
		normalized := typeName(name)
		if normalized == "" {
			return nil, fmt.Errorf("%w: queue binding name is required", queue.ErrValidation)
		}
		if _, dup := bindings[normalized]; dup {
			return nil, fmt.Errorf("%w: queue binding %s is declared twice", queue.ErrValidation, normalized)
		}
		if binding.LeaseDuration < 0 {
			return nil, fmt.Errorf("%w: lease duration of %s must be >= 0", queue.ErrValidation, normalized)
		}
		if binding.VersionFilter != "" {
			if _, err := queue.ParseVersionFilter(string(binding.VersionFilter)); err != nil {
				return nil, err
			}
		}
		if filterFor(cfg, binding) == queue.VersionFilterStrict && cfg.Version == "" {
			return nil, fmt.Errorf("%w: strict version filtering on %s requires a version", queue.ErrValidation, normalized)
		}
		bindings[normalized] = binding
		anyEnabled = anyEnabled || cfg.Enablement.Enabled(normalized)
	}
	if store == nil && anyEnabled {
		return nil, fmt.Errorf("%w: store is required when a queue type is enabled", queue.ErrValidation)
	}
	cfg.Bindings = bindings

	return &Factory{
		store:      store,
		log:        log,
		config:     cfg,
		publishers: make(map[string]*queue.StorePublisher),
		consumers:  make(map[string]*queue.LeaseConsumer),
	}, nil
}

// Names returns the bound queue names in sorted order.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.config.Bindings))
	for name := range f.config.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled reports whether name is bound and currently enabled.
func (f *Factory) Enabled(name string) bool {
	name = typeName(name)
	_, ok := f.config.Bindings[name]
	return ok && f.config.Enablement.Enabled(name)
}

// Publisher returns the publisher of name: store-backed when enabled, a NoopPublisher otherwise.
func (f *Factory) Publisher(name string) (queue.Publisher, error) {
	name = typeName(name)
	binding, ok := f.config.Bindings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}
	if !f.config.Enablement.Enabled(name) {
		return queue.NewNoopPublisher(name, f.log), nil
	}
	publisher, err := f.livePublisher(name, binding)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

func (f *Factory) livePublisher(name string, binding Binding) (*queue.StorePublisher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if publisher, ok := f.publishers[name]; ok {
		return publisher, nil
	}
	publisher, err := queue.NewPublisher(f.store, f.log, queue.PublisherConfig{
		Queue:         name,
		Version:       f.config.Version,
		VersionFilter: filterFor(f.config, binding),
		Backend:       f.config.Backend,
		Propagator:    f.config.Propagator,
		Clock:         f.config.Clock,
	})
	if err != nil {
		return nil, err
	}
	f.publishers[name] = publisher
	return publisher, nil
}

// Consumer returns the consumer of name: store-backed when enabled, a NoopConsumer otherwise.
func (f *Factory) Consumer(name string) (queue.Consumer, error) {
	name = typeName(name)
	binding, ok := f.config.Bindings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}
	if !f.config.Enablement.Enabled(name) {
		return queue.NewNoopConsumer(name), nil
	}
	consumer, err := f.liveConsumer(name, binding)
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

func (f *Factory) liveConsumer(name string, binding Binding) (*queue.LeaseConsumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if consumer, ok := f.consumers[name]; ok {
		return consumer, nil
	}
	lease := binding.LeaseDuration
	if lease <= 0 {
		lease = f.config.LeaseDuration
	}
	consumer, err := queue.NewConsumer(f.store, f.log, queue.ConsumerConfig{
		Queue:         name,
		Version:       f.config.Version,
		VersionFilter: filterFor(f.config, binding),
		LeaseDuration: lease,
		PollInterval:  f.config.PollInterval,
		Backend:       f.config.Backend,
		Clock:         f.config.Clock,
	})
	if err != nil {
		return nil, err
	}
	f.consumers[name] = consumer
	return consumer, nil
}

// Pair returns the publisher and consumer of name under one enablement decision.
func (f *Factory) Pair(name string) (queue.Publisher, queue.Consumer, error) {
	name = typeName(name)
	binding, ok := f.config.Bindings[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}
	if !f.config.Enablement.Enabled(name) {
		return queue.NewNoopPublisher(name, f.log), queue.NewNoopConsumer(name), nil
	}
	publisher, err := f.livePublisher(name, binding)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := f.liveConsumer(name, binding)
	if err != nil {
		return nil, nil, err
	}
	return publisher, consumer, nil
}

// Consumers returns the consumer of every bound type, live or no-op, in name order.
func (f *Factory) Consumers() ([]queue.Consumer, error) {
	names := f.Names()
	consumers := make([]queue.Consumer, 0, len(names))
	for _, name := range names {
		consumer, err := f.Consumer(name)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}

// typeName is the lookup key of a queue type; names are case-insensitive.
func typeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func filterFor(cfg Config, binding Binding) queue.VersionFilter {
	if binding.VersionFilter != "" {
		filter, _ := queue.ParseVersionFilter(string(binding.VersionFilter))
		return filter
	}
	filter, _ := queue.ParseVersionFilter(string(cfg.VersionFilter))
	return filter
}
