package batch

import (
	"context"
	"sync"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/forward"
	"github.com/Chichichkin/EnclaveLogRelay/internal/metrics"
	"github.com/sirupsen/logrus"
)

// queueSize bounds the number of flushed batches waiting for the sender.
const queueSize = 100

// Processor groups forwarded entries into batches by size or age and
// hands them to a Sender on its own goroutine. AddEntry never waits on
// the sender; when the queue of flushed batches is full the batch is dropped.
type Processor struct {
	ctx        context.Context
	sender     forward.Sender
	config     forward.Config
	log        *logrus.Entry
	metrics    *metrics.RelayMetrics
	batch      []forward.Entry
	batchMutex sync.Mutex
	batchChan  chan []forward.Entry
	stopCtx    context.CancelFunc
	wg         sync.WaitGroup
}

func NewBatchProcessor(ctx context.Context, sender forward.Sender, config forward.Config, log *logrus.Entry, m *metrics.RelayMetrics) *Processor {
	nCtx, cancel := context.WithCancel(ctx)
	return &Processor{
		sender:    sender,
		config:    config,
		log:       log.WithField("component", "forwarder"),
		metrics:   m,
		batchChan: make(chan []forward.Entry, queueSize),
		stopCtx:   cancel,
		ctx:       nCtx,
	}
}

func (bp *Processor) AddEntry(entry forward.Entry) {
	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()

	bp.batch = append(bp.batch, entry)

	if len(bp.batch) >= bp.config.BatchSize {
		bp.flushBatch()
	}
}

func (bp *Processor) Start() {
	bp.wg.Add(2)
	go bp.batchTimer()
	go bp.processBatches()
}

// Stop halts the background goroutines and sends whatever is still
// pending with a final synchronous call.
func (bp *Processor) Stop() {
	bp.stopCtx()
	bp.wg.Wait()

	bp.batchMutex.Lock()
	bp.flushBatch()
	bp.batchMutex.Unlock()

	for {
		select {
		case batch := <-bp.batchChan:
			bp.send(batch)
		default:
			return
		}
	}
}

func (bp *Processor) batchTimer() {
	defer bp.wg.Done()

	ticker := time.NewTicker(bp.config.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bp.batchMutex.Lock()
			if len(bp.batch) > 0 {
				bp.flushBatch()
			}
			bp.batchMutex.Unlock()
		case <-bp.ctx.Done():
			return
		}
	}
}

func (bp *Processor) processBatches() {
	defer bp.wg.Done()

	for {
		select {
		case batch := <-bp.batchChan:
			bp.send(batch)
		case <-bp.ctx.Done():
			return
		}
	}
}

func (bp *Processor) send(batch []forward.Entry) {
	if err := bp.sender.SendBatch(batch); err != nil {
		bp.log.Errorf("Failed to forward batch of %d entries: %v", len(batch), err)
		return
	}
	bp.metrics.IncBatchesForwarded()
}

func (bp *Processor) flushBatch() {
	if len(bp.batch) == 0 {
		return
	}

	batchToSend := make([]forward.Entry, len(bp.batch))
	copy(batchToSend, bp.batch)

	bp.batch = bp.batch[:0]

	select {
	case bp.batchChan <- batchToSend:
		bp.log.Debugf("Queued batch of %d entries for forwarding", len(batchToSend))
	default:
		bp.log.Warnf("Forward queue full, dropping batch of %d entries", len(batchToSend))
	}
}
