package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/metrics"
	"github.com/Chichichkin/EnclaveLogRelay/internal/record"
	"github.com/Chichichkin/EnclaveLogRelay/internal/source"
	"github.com/sirupsen/logrus"
)

// ErrNoOutput marks a connection that closed before yielding a line.
var ErrNoOutput = errors.New("source closed without output")

// ErrSourceClosed marks a connection that closed after yielding lines.
var ErrSourceClosed = errors.New("source closed")

// Sink receives every tagged record. Accept must not block.
type Sink interface {
	Accept(rec record.LogRecord)
}

// State is the position of the monitor in its retry cycle.
type State int32

const (
	Idle State = iota
	Connecting
	Reading
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Reading:
		return "reading"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	Backoff Backoff
	// Now stamps captured records; defaults to time.Now.
	Now func() time.Time
}

// Monitor reads the enclave console forever, reconnecting after every
// failure, and hands each line to its sinks tagged with a fresh id.
type Monitor struct {
	opener  source.Opener
	seq     *record.Sequence
	sinks   []Sink
	backoff Backoff
	now     func() time.Time
	log     *logrus.Entry
	metrics *metrics.RelayMetrics

	state atomic.Int32
}

func NewMonitor(opener source.Opener, seq *record.Sequence, sinks []Sink, config Config, log *logrus.Entry, m *metrics.RelayMetrics) *Monitor {
	backoff := config.Backoff
	if backoff == nil {
		backoff = NoDelay{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		opener:  opener,
		seq:     seq,
		sinks:   sinks,
		backoff: backoff,
		now:     now,
		log:     log.WithField("component", "monitor"),
		metrics: m,
	}
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Run loops until ctx is cancelled; it never gives up on the source.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Infof("Monitoring enclave console via %s", m.opener.Describe())
	defer m.state.Store(int32(Stopped))

	failures := 0
	for attempt := 1; ; attempt++ {
		lines, err := m.runOnce(ctx)
		if ctx.Err() != nil {
			m.log.Info("Monitor stopped")
			return ctx.Err()
		}

		m.state.Store(int32(Failed))
		m.metrics.IncSourceFailures()
		if lines > 0 {
			failures = 0
		}
		failures++

		delay := m.backoff.Delay(failures)
		m.log.WithFields(logrus.Fields{"attempt": attempt, "lines": lines, "delay": delay}).
			Warnf("Error in enclave console monitor: %v. Retrying...", err)

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				m.log.Info("Monitor stopped")
				return ctx.Err()
			}
		}
	}
}

// runOnce handles one connection and always ends in an error.
func (m *Monitor) runOnce(ctx context.Context) (int, error) {
	m.state.Store(int32(Connecting))
	m.metrics.IncSourceAttempts()

	src, err := m.opener.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open console: %w", err)
	}
	defer src.Close()

	m.state.Store(int32(Reading))
	m.log.Debug("Console connected")

	lines := 0
	for {
		text, err := src.ReadLine(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) && lines == 0:
				return lines, ErrNoOutput
			case errors.Is(err, io.EOF):
				return lines, fmt.Errorf("%w after %d lines", ErrSourceClosed, lines)
			default:
				return lines, fmt.Errorf("read console: %w", err)
			}
		}

		lines++
		m.emit(text)
	}
}

func (m *Monitor) emit(text string) {
	rec := record.LogRecord{
		ID:        m.seq.Next(),
		Timestamp: m.now(),
		Text:      text,
	}
	m.metrics.IncRecordsCaptured()
	for _, sink := range m.sinks {
		sink.Accept(rec)
	}
}
