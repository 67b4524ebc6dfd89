package forward

import (
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/record"
)

// Entry is a captured record on its way to an external log store.
type Entry struct {
	ID        uint64
	Timestamp time.Time
	Message   string
	Labels    map[string]string
}

type BatchProcessor interface {
	AddEntry(entry Entry)
	Start()
	Stop()
}

type Sender interface {
	SendBatch(entries []Entry) error
}

type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
}

// Sink adapts a BatchProcessor to the monitor's record sink.
type Sink struct {
	Processor BatchProcessor
	Labels    map[string]string
}

func (s Sink) Accept(rec record.LogRecord) {
	s.Processor.AddEntry(Entry{
		ID:        rec.ID,
		Timestamp: rec.Timestamp,
		Message:   rec.Text,
		Labels:    s.Labels,
	})
}
