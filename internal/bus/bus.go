// Package bus provides the in-process pub/sub that decouples channel
// adapters from the agent loop. Two topics exist: inbound envelopes consumed
// by the loop, and outbound envelopes fanned out to adapters by fabric.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrPublishTimeout is returned when a bounded queue stays full for the
// whole publish timeout. Backpressure surfaces to the caller; envelopes are
// never silently dropped.
var ErrPublishTimeout = errors.New("bus: publish timed out")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus: closed")

// Config configures queue sizes and the publish timeout.
type Config struct {
	// InboundSize bounds the inbound queue. Default: 256.
	InboundSize int

	// OutboundSize bounds each subscriber queue. Default: 256.
	OutboundSize int

	// PublishTimeout bounds how long a publish blocks on a full queue.
	// Default: 5s.
	PublishTimeout time.Duration
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		InboundSize:    256,
		OutboundSize:   256,
		PublishTimeout: 5 * time.Second,
	}
}

// Bus is the in-process message bus. Safe for concurrent use.
type Bus struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics

	inbound chan *models.Envelope

	mu          sync.RWMutex
	subscribers map[string][]chan *models.Outbound
	closed      bool
}

// Option configures the bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metric sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates a bus with the given configuration.
func New(config Config, opts ...Option) *Bus {
	if config.InboundSize <= 0 {
		config.InboundSize = DefaultConfig().InboundSize
	}
	if config.OutboundSize <= 0 {
		config.OutboundSize = DefaultConfig().OutboundSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultConfig().PublishTimeout
	}
	b := &Bus{
		config:      config,
		logger:      slog.Default(),
		inbound:     make(chan *models.Envelope, config.InboundSize),
		subscribers: make(map[string][]chan *models.Outbound),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishInbound enqueues an envelope for the agent loop. Blocks up to the
// publish timeout when the queue is full.
func (b *Bus) PublishInbound(ctx context.Context, env *models.Envelope) error {
	if env == nil {
		return errors.New("bus: nil envelope")
	}
	// The read lock is held across the send so Close, which takes the
	// write lock before closing the channel, cannot race a publisher
	// into a send on a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	timer := time.NewTimer(b.config.PublishTimeout)
	defer timer.Stop()

	select {
	case b.inbound <- env:
		b.gaugeDepth("inbound", len(b.inbound))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.BusPublishTimeouts.WithLabelValues("inbound").Inc()
		}
		return ErrPublishTimeout
	}
}

// ConsumeInbound blocks until an envelope is available or the context is
// cancelled.
func (b *Bus) ConsumeInbound(ctx context.Context) (*models.Envelope, error) {
	select {
	case env, ok := <-b.inbound:
		if !ok {
			return nil, ErrClosed
		}
		b.gaugeDepth("inbound", len(b.inbound))
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscribeOutbound registers an adapter for outbound envelopes addressed to
// the given fabric. Each subscriber gets its own bounded queue; the returned
// channel is closed when the bus closes.
func (b *Bus) SubscribeOutbound(fabric string) <-chan *models.Outbound {
	ch := make(chan *models.Outbound, b.config.OutboundSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[fabric] = append(b.subscribers[fabric], ch)
	return ch
}

// PublishOutbound delivers an envelope to every subscriber of its fabric.
// Ordering is preserved per publisher; a full subscriber queue blocks up to
// the publish timeout.
func (b *Bus) PublishOutbound(ctx context.Context, out *models.Outbound) error {
	if out == nil {
		return errors.New("bus: nil outbound")
	}
	// Held across the sends for the same reason as PublishInbound: the
	// subscriber channels are closed under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	subs := b.subscribers[out.Fabric]
	if len(subs) == 0 {
		b.logger.Warn("outbound envelope has no subscriber", "fabric", out.Fabric)
		return nil
	}

	timer := time.NewTimer(b.config.PublishTimeout)
	defer timer.Stop()

	for _, ch := range subs {
		select {
		case ch <- out:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if b.metrics != nil {
				b.metrics.BusPublishTimeouts.WithLabelValues("outbound").Inc()
			}
			return ErrPublishTimeout
		}
	}
	return nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[string][]chan *models.Outbound)
}

func (b *Bus) gaugeDepth(topic string, depth int) {
	if b.metrics != nil {
		b.metrics.BusDepth.WithLabelValues(topic).Set(float64(depth))
	}
}
