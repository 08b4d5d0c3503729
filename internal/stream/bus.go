package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"

	"github.com/rickgao/airsense-sync/internal/model"
)

// Topics
const (
	TopicUpdates    = "updates"
	TopicInvalidate = "invalidate"
)

// TargetTopic returns the per-location update topic.
func TargetTopic(target string) string {
	return TopicUpdates + ":" + target
}

// Bus is an in-process update fan-out built on cskr/pubsub.
type Bus struct {
	ps       *pubsub.PubSub
	capacity int
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Bus. capacity bounds each subscriber's buffer.
func New(capacity int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity < 1 {
		capacity = 1
	}

	return &Bus{
		ps:       pubsub.New(capacity),
		capacity: capacity,
		logger:   logger.With("component", "stream"),
	}
}

// Publish sends u to the all-updates topic and its location topic.
func (b *Bus) Publish(u model.Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.ps.Pub(u, TopicUpdates, TargetTopic(u.Target))
}

// Invalidate publishes stale cache keys.
func (b *Bus) Invalidate(keys []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.ps.Pub(append([]string(nil), keys...), TopicInvalidate)
}

// Subscribe returns updates for target, or every update when target is
// empty. The channel is closed when ctx is done or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, target string) <-chan model.Update {
	topic := TopicUpdates
	if target != "" {
		topic = TargetTopic(target)
	}

	out := make(chan model.Update, b.capacity)
	subscribe(ctx, b, topic, out)
	return out
}

// Invalidations returns stale cache keys as they are published.
func (b *Bus) Invalidations(ctx context.Context) <-chan []string {
	out := make(chan []string, b.capacity)
	subscribe(ctx, b, TopicInvalidate, out)
	return out
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.ps.Shutdown()
	b.mu.Unlock()

	b.wg.Wait()
}

// subscribe forwards topic messages of type T into out until ctx ends or
// the bus shuts down.
func subscribe[T any](ctx context.Context, b *Bus, topic string, out chan T) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		close(out)
		return
	}
	ch := b.ps.Sub(topic)
	b.wg.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.wg.Done()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				b.unsub(ch, topic)
				return

			case raw, ok := <-ch:
				if !ok {
					return
				}
				v, ok := raw.(T)
				if !ok {
					continue
				}
				select {
				case out <- v:
				default:
					b.logger.Warn("subscriber buffer full, dropping", "topic", topic)
				}
			}
		}
	}()
}

// unsub removes ch, draining it so the pubsub goroutine never blocks.
func (b *Bus) unsub(ch chan interface{}, topic string) {
	go func() {
		for range ch {
		}
	}()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.closed {
		b.ps.Unsub(ch, topic)
	}
}
