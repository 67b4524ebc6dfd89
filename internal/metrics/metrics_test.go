package metrics

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRelayMetrics_BasicOperations(t *testing.T) {
	metrics := &RelayMetrics{}

	metrics.IncRecordsCaptured()
	metrics.AddRecordPersisted(10)
	metrics.IncRecordsDiscarded()
	metrics.IncPersistFailures()
	metrics.IncSourceAttempts()
	metrics.IncSourceFailures()
	metrics.IncSubscribersActive()
	metrics.IncSubscriberDrops()
	metrics.IncBatchesForwarded()

	result := metrics.GetMetricsStamp()

	assert.Equal(t, uint64(1), result.RecordsCaptured)
	assert.Equal(t, uint64(1), result.RecordsPersisted)
	assert.Equal(t, uint64(10), result.BytesPersisted)
	assert.Equal(t, uint64(1), result.RecordsDiscarded)
	assert.Equal(t, uint64(1), result.PersistFailures)
	assert.Equal(t, uint64(1), result.SourceAttempts)
	assert.Equal(t, uint64(1), result.SourceFailures)
	assert.Equal(t, 1, result.SubscribersActive)
	assert.Equal(t, uint64(1), result.SubscriberDrops)
	assert.Equal(t, uint64(1), result.BatchesForwarded)
}

func TestRelayMetrics_DecrementOperations(t *testing.T) {
	metrics := &RelayMetrics{}

	metrics.IncSubscribersActive()
	metrics.IncSubscribersActive()
	metrics.DecSubscribersActive()

	assert.Equal(t, 1, metrics.GetMetricsStamp().SubscribersActive)
}

func TestRelayMetrics_PersistBacklog(t *testing.T) {
	metrics := &RelayMetrics{}
	assert.Equal(t, uint64(0), metrics.PersistBacklog())

	for i := 0; i < 5; i++ {
		metrics.IncRecordsCaptured()
	}
	metrics.AddRecordPersisted(3)
	metrics.IncRecordsDiscarded()

	assert.Equal(t, uint64(3), metrics.PersistBacklog())
}

func TestRelayMetrics_ConcurrentUpdates(t *testing.T) {
	metrics := &RelayMetrics{}

	var wg sync.WaitGroup
	inc := func(fn func()) {
		for i := 0; i < 1000; i++ {
			fn()
		}
		wg.Done()
	}

	wg.Add(5)
	go inc(metrics.IncRecordsCaptured)
	go inc(func() { metrics.AddRecordPersisted(2) })
	go inc(metrics.IncSourceAttempts)
	go inc(metrics.IncSubscribersActive)
	go inc(metrics.IncSubscriberDrops)
	wg.Wait()

	stamp := metrics.GetMetricsStamp()
	assert.Equal(t, uint64(1000), stamp.RecordsCaptured)
	assert.Equal(t, uint64(1000), stamp.RecordsPersisted)
	assert.Equal(t, uint64(2000), stamp.BytesPersisted)
	assert.Equal(t, uint64(1000), stamp.SourceAttempts)
	assert.Equal(t, 1000, stamp.SubscribersActive)
	assert.Equal(t, uint64(1000), stamp.SubscriberDrops)
}

func TestRelayMetrics_Summary(t *testing.T) {
	metrics := &RelayMetrics{}
	for i := 0; i < 1500; i++ {
		metrics.IncRecordsCaptured()
	}
	metrics.AddRecordPersisted(2048)

	summary := metrics.Summary()
	assert.Contains(t, summary, "captured=1,500")
	assert.Contains(t, summary, "persisted=1 (2.0 kB)")
	assert.Contains(t, summary, "backlog=1,499")
}

func TestRelayMetrics_ReportStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	metrics := &RelayMetrics{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		metrics.Report(ctx, 10*time.Millisecond, logrus.NewEntry(logger))
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
	assert.Contains(t, buf.String(), "Metrics: captured=0")
}
