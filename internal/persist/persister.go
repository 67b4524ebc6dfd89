package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Chichichkin/EnclaveLogRelay/internal/metrics"
	"github.com/Chichichkin/EnclaveLogRelay/internal/record"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Run when the persister stops after a write failure.
var ErrStopped = errors.New("persister stopped after write failure")

// FailurePolicy decides what a write error does to the persister task.
type FailurePolicy int

const (
	// StopOnError ends the task at the first write error; later records are discarded.
	StopOnError FailurePolicy = iota
	// ContinueOnError drops the failed record and keeps writing.
	ContinueOnError
)

// ParseFailurePolicy accepts "stop" or "continue".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "stop", "":
		return StopOnError, nil
	case "continue":
		return ContinueOnError, nil
	default:
		return 0, fmt.Errorf("unknown persist failure policy %q", s)
	}
}

// OpenFunc opens the log file for appending.
type OpenFunc func() (io.WriteCloser, error)

// AppendFile opens path with O_APPEND, creating it if needed.
func AppendFile(path string) OpenFunc {
	return func() (io.WriteCloser, error) {
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}

// Persister is the single writer of the log file. Accept never blocks;
// records are written by Run in the order they were accepted.
type Persister struct {
	open    OpenFunc
	policy  FailurePolicy
	log     *logrus.Entry
	metrics *metrics.RelayMetrics

	mu      sync.Mutex
	pending []record.LogRecord
	closed  bool
	stopped bool
	notify  chan struct{}
}

func NewPersister(open OpenFunc, policy FailurePolicy, log *logrus.Entry, m *metrics.RelayMetrics) *Persister {
	return &Persister{
		open:    open,
		policy:  policy,
		log:     log.WithField("component", "persister"),
		metrics: m,
		notify:  make(chan struct{}, 1),
	}
}

// Accept queues rec for writing.
func (p *Persister) Accept(rec record.LogRecord) {
	p.mu.Lock()
	if p.stopped || p.closed {
		p.mu.Unlock()
		p.metrics.IncRecordsDiscarded()
		return
	}
	p.pending = append(p.pending, rec)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting records. Run drains what is queued and returns.
func (p *Persister) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run writes queued records until Close drains the queue, ctx is done or
// a fatal error occurs.
func (p *Persister) Run(ctx context.Context) error {
	w, err := p.open()
	if err != nil {
		p.halt()
		p.log.Errorf("Failed to open log file: %v", err)
		return fmt.Errorf("open log file: %w", err)
	}
	defer w.Close()

	p.log.Info("Persister started")

	for {
		batch, closed := p.take()
		for i, rec := range batch {
			if err := p.write(w, rec); err != nil {
				p.metrics.IncPersistFailures()
				p.log.WithField("id", rec.ID).Errorf("Error saving log record: %v", err)
				if p.policy == StopOnError {
					p.halt()
					for range batch[i+1:] {
						p.metrics.IncRecordsDiscarded()
					}
					return fmt.Errorf("%w: %v", ErrStopped, err)
				}
			}
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			p.log.Info("Persister drained and stopped")
			return nil
		}

		select {
		case <-p.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Persister) write(w io.Writer, rec record.LogRecord) error {
	line := rec.Format() + "\n"
	n, err := io.WriteString(w, line)
	if err != nil {
		return err
	}
	p.metrics.AddRecordPersisted(n)
	return nil
}

// take swaps out everything queued so far.
func (p *Persister) take() ([]record.LogRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch, p.closed
}

// halt marks the task dead and discards anything still queued.
func (p *Persister) halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for range p.pending {
		p.metrics.IncRecordsDiscarded()
	}
	p.pending = nil
}
