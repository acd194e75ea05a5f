package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/observability/tracing"
	"github.com/nimburion/workqueue/pkg/resilience"
)

const (
	DefaultListenerWait        = time.Second
	DefaultListenerStopTimeout = 10 * time.Second

	DefaultListenerMaxRetries     = 5
	DefaultListenerInitialBackoff = time.Second
	DefaultListenerMaxBackoff     = 60 * time.Second
)

// Handler processes one claimed item. It must be idempotent: an item can be delivered again when
// its lease expires before the ack.
type Handler func(ctx context.Context, item *Item) error

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Concurrency  int
	Wait         time.Duration
	PollInterval time.Duration
	// HeartbeatInterval defaults to half of the consumer lease.
	HeartbeatInterval time.Duration
	// MaxRetries bounds requeues of a failing item; the item is dropped after that.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HandlerTimeout bounds a single handler call. Zero means no bound.
	HandlerTimeout time.Duration
	StopTimeout    time.Duration
}

func (c *ListenerConfig) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Wait <= 0 {
		c.Wait = DefaultListenerWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultListenerMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultListenerInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultListenerMaxBackoff
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultListenerStopTimeout
	}
}

// Listener runs consumer loops that claim items, keep their lease alive while the handler runs,
// and finalize them with ack or requeue.
type Listener struct {
	consumer Consumer
	handler  Handler
	log      logger.Logger
	config   ListenerConfig

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewListener creates a listener over consumer.
func NewListener(consumer Consumer, handler Handler, log logger.Logger, cfg ListenerConfig) (*Listener, error) {
	if consumer == nil {
		return nil, queueError(ErrValidation, "consumer is required")
	}
	if handler == nil {
		return nil, queueError(ErrValidation, "handler is required")
	}
	if log == nil {
		return nil, queueError(ErrValidation, "logger is required")
	}
	cfg.normalize()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval(consumer)
	}
	return &Listener{
		consumer: consumer,
		handler:  handler,
		log:      log.With("queue", consumer.Name()),
		config:   cfg,
	}, nil
}

// Start launches the consumer loops and blocks until ctx is cancelled, then drains them.
func (l *Listener) Start(ctx context.Context) error {
	if l == nil {
		return errors.New("listener is not initialized")
	}
	if ctx == nil {
		return queueError(ErrValidation, "context is required")
	}

	l.lifecycleMu.Lock()
	if l.running {
		l.lifecycleMu.Unlock()
		return errors.New("listener already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.lifecycleMu.Unlock()

	for idx := 0; idx < l.config.Concurrency; idx++ {
		l.wg.Add(1)
		go l.loop(runCtx)
	}
	l.log.Info("queue listener started", "concurrency", l.config.Concurrency)

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), l.config.StopTimeout)
	defer stopCancel()
	return l.Stop(stopCtx)
}

// Stop cancels the loops and waits for in-flight handlers until ctx ends.
func (l *Listener) Stop(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l.lifecycleMu.Lock()
	if !l.running {
		l.lifecycleMu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.cancel = nil
	l.running = false
	l.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		l.log.Info("queue listener stopped")
		return nil
	}
}

func (l *Listener) loop(ctx context.Context) {
	defer l.wg.Done()

	for ctx.Err() == nil {
		item, err := l.consumer.Get(ctx, l.config.Wait, l.config.PollInterval)
		if err != nil {
			l.log.Error("queue get failed", "error", err)
			if !sleep(ctx, l.config.Wait) {
				return
			}
			continue
		}
		if item == nil {
			continue
		}
		if err := l.process(ctx, item); err != nil {
			l.log.Warn("queue item processing failed", "item_id", item.ID, "retries", item.Retries, "error", err)
		}
	}
}

// process runs the handler under a heartbeat. Finalization uses a context detached from ctx so
// that a shutdown during the handler still acks or requeues the item.
func (l *Listener) process(ctx context.Context, item *Item) error {
	linked := ContextFromItem(context.Background(), item)
	traceCtx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationProcess,
		tracing.WithQueue(l.consumer.Name()),
		tracing.WithItemID(item.ID),
		tracing.WithRetries(item.Retries),
		tracing.WithLinkFrom(linked),
	)
	defer span.End()

	heartbeatCtx, stopHeartbeat := context.WithCancel(traceCtx)
	lost := KeepAlive(heartbeatCtx, l.consumer, item, l.config.HeartbeatInterval, l.log)
	execErr := l.execute(traceCtx, item)
	stopHeartbeat()

	select {
	case <-lost:
		l.log.Warn("queue lease lost while processing, item may be delivered again", "item_id", item.ID)
	default:
	}

	finalizeCtx := context.WithoutCancel(traceCtx)
	if execErr == nil {
		if _, err := l.consumer.Ack(finalizeCtx, item); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("ack failed: %w", err)
		}
		recordProcessed(l.consumer.Name(), "success")
		tracing.RecordSuccess(span)
		return nil
	}

	tracing.RecordError(span, execErr)
	return l.handleFailure(finalizeCtx, item, execErr)
}

func (l *Listener) execute(ctx context.Context, item *Item) error {
	return resilience.WithTimeout(ctx, l.config.HandlerTimeout, func(runCtx context.Context) (err error) {
		// WithTimeout may run the handler on its own goroutine, so recovery lives here.
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic while handling item: %v; stack=%s", rec, string(debug.Stack()))
			}
		}()
		return l.handler(runCtx, item)
	})
}

func (l *Listener) handleFailure(ctx context.Context, item *Item, failure error) error {
	next := item.Retries + 1
	if next <= l.config.MaxRetries {
		backoff := resilience.Backoff(next, l.config.InitialBackoff, l.config.MaxBackoff)
		if _, err := l.consumer.Requeue(ctx, item.ID, next, consumerNow(l.consumer).Add(backoff)); err != nil {
			return errors.Join(fmt.Errorf("requeue failed: %w", err), failure)
		}
		recordProcessed(l.consumer.Name(), "retry")
		return failure
	}

	if _, err := l.consumer.Ack(ctx, item); err != nil {
		return errors.Join(fmt.Errorf("ack failed while dropping item: %w", err), failure)
	}
	recordProcessed(l.consumer.Name(), "dropped")
	l.log.Error("queue item dropped after max retries", "item_id", item.ID, "retries", item.Retries, "error", failure)
	return fmt.Errorf("item dropped after %d retries: %w", item.Retries, failure)
}
