package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// RelayMetrics counts pipeline activity. The zero value is ready to use.
type RelayMetrics struct {
	RecordsCaptured   uint64 `json:"records_captured"`
	RecordsPersisted  uint64 `json:"records_persisted"`
	RecordsDiscarded  uint64 `json:"records_discarded"`
	PersistFailures   uint64 `json:"persist_failures"`
	BytesPersisted    uint64 `json:"bytes_persisted"`
	SourceAttempts    uint64 `json:"source_attempts"`
	SourceFailures    uint64 `json:"source_failures"`
	SubscribersActive int    `json:"subscribers_active"`
	SubscriberDrops   uint64 `json:"subscriber_drops"`
	BatchesForwarded  uint64 `json:"batches_forwarded"`
	mu                sync.RWMutex
}

func (m *RelayMetrics) IncRecordsCaptured() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsCaptured++
}

// AddRecordPersisted counts one record written to disk with its size in bytes.
func (m *RelayMetrics) AddRecordPersisted(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsPersisted++
	m.BytesPersisted += uint64(bytes)
}

func (m *RelayMetrics) IncRecordsDiscarded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsDiscarded++
}

func (m *RelayMetrics) IncPersistFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersistFailures++
}

func (m *RelayMetrics) IncSourceAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SourceAttempts++
}

func (m *RelayMetrics) IncSourceFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SourceFailures++
}

func (m *RelayMetrics) IncSubscribersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribersActive++
}

func (m *RelayMetrics) DecSubscribersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribersActive--
}

func (m *RelayMetrics) IncSubscriberDrops() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscriberDrops++
}

func (m *RelayMetrics) IncBatchesForwarded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchesForwarded++
}

// GetMetricsStamp returns a consistent copy of all counters.
func (m *RelayMetrics) GetMetricsStamp() RelayMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return RelayMetrics{
		RecordsCaptured:   m.RecordsCaptured,
		RecordsPersisted:  m.RecordsPersisted,
		RecordsDiscarded:  m.RecordsDiscarded,
		PersistFailures:   m.PersistFailures,
		BytesPersisted:    m.BytesPersisted,
		SourceAttempts:    m.SourceAttempts,
		SourceFailures:    m.SourceFailures,
		SubscribersActive: m.SubscribersActive,
		SubscriberDrops:   m.SubscriberDrops,
		BatchesForwarded:  m.BatchesForwarded,
	}
}

// PersistBacklog is the number of captured records not yet written or discarded.
func (m *RelayMetrics) PersistBacklog() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	done := m.RecordsPersisted + m.RecordsDiscarded
	if done >= m.RecordsCaptured {
		return 0
	}
	return m.RecordsCaptured - done
}

// Summary formats the stamp as a single human-readable log line.
func (m *RelayMetrics) Summary() string {
	stamp := m.GetMetricsStamp()
	return "captured=" + humanize.Comma(int64(stamp.RecordsCaptured)) +
		" persisted=" + humanize.Comma(int64(stamp.RecordsPersisted)) +
		" (" + humanize.Bytes(stamp.BytesPersisted) + ")" +
		" backlog=" + humanize.Comma(int64(m.PersistBacklog())) +
		" discarded=" + humanize.Comma(int64(stamp.RecordsDiscarded)) +
		" persist_failures=" + humanize.Comma(int64(stamp.PersistFailures)) +
		" source_attempts=" + humanize.Comma(int64(stamp.SourceAttempts)) +
		" source_failures=" + humanize.Comma(int64(stamp.SourceFailures)) +
		" subscribers=" + humanize.Comma(int64(stamp.SubscribersActive)) +
		" subscriber_drops=" + humanize.Comma(int64(stamp.SubscriberDrops)) +
		" batches_forwarded=" + humanize.Comma(int64(stamp.BatchesForwarded))
}

// Report logs Summary every interval until ctx is done.
func (m *RelayMetrics) Report(ctx context.Context, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Info("Metrics: " + m.Summary())
		case <-ctx.Done():
			return
		}
	}
}
