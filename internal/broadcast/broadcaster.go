package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Chichichkin/EnclaveLogRelay/internal/metrics"
	"github.com/Chichichkin/EnclaveLogRelay/internal/record"
	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 100

// DropPolicy picks the victim when a subscriber queue is full.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued record to make room.
	DropOldest DropPolicy = iota
	// DropNewest discards the record being published.
	DropNewest
)

// ParseDropPolicy accepts "oldest" or "newest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "oldest", "":
		return DropOldest, nil
	case "newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown drop policy %q", s)
	}
}

// Subscription is one live consumer of published records.
type Subscription struct {
	id      uint64
	ch      chan record.LogRecord
	dropped atomic.Uint64
}

func (s *Subscription) ID() uint64 { return s.id }

// C delivers records published after Subscribe. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan record.LogRecord { return s.ch }

// Dropped is the number of records this subscriber lost to a full queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Broadcaster fans records out to all current subscriptions without
// ever waiting on a slow one.
type Broadcaster struct {
	bufferSize int
	policy     DropPolicy
	log        *logrus.Entry
	metrics    *metrics.RelayMetrics

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

func NewBroadcaster(bufferSize int, policy DropPolicy, log *logrus.Entry, m *metrics.RelayMetrics) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		bufferSize: bufferSize,
		policy:     policy,
		log:        log.WithField("component", "broadcaster"),
		metrics:    m,
		subs:       make(map[uint64]*Subscription),
	}
}

func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan record.LogRecord, b.bufferSize)}
	b.subs[sub.id] = sub
	b.metrics.IncSubscribersActive()
	b.log.WithField("subscriber", sub.id).Debug("Subscriber registered")
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	b.metrics.DecSubscribersActive()
	b.log.WithField("subscriber", sub.id).Debugf("Subscriber removed (dropped=%d)", sub.Dropped())
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Accept publishes rec to every subscription.
func (b *Broadcaster) Accept(rec record.LogRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		b.deliver(sub, rec)
	}
}

func (b *Broadcaster) deliver(sub *Subscription, rec record.LogRecord) {
	for {
		select {
		case sub.ch <- rec:
			return
		default:
		}

		if b.policy == DropNewest {
			b.recordDrop(sub)
			return
		}

		// the consumer may drain concurrently, so the evict can miss
		select {
		case <-sub.ch:
			b.recordDrop(sub)
		default:
		}
	}
}

func (b *Broadcaster) recordDrop(sub *Subscription) {
	drops := sub.dropped.Add(1)
	b.metrics.IncSubscriberDrops()
	if drops == 1 || drops%100 == 0 {
		b.log.WithField("subscriber", sub.id).Warnf("Subscriber queue full, dropping records (drops=%d)", drops)
	}
}
