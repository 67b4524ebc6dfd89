package record

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"
)

// TimeLayout is the timestamp layout used in the persisted log file.
const TimeLayout = "2006-01-02 15:04:05.000"

// LogRecord is one captured console line tagged by the monitor.
type LogRecord struct {
	ID        uint64
	Timestamp time.Time
	Text      string
}

// Format renders the record as a single log file line without the trailing newline.
func (r LogRecord) Format() string {
	return fmt.Sprintf("[%d] [%s] %s", r.ID, r.Timestamp.UTC().Format(TimeLayout), r.Text)
}

var lineParser = regexp.MustCompile(`^\[(\d+)\] \[([^\]]*)\] (.*)$`)

// Parse reverses Format.
func Parse(line string) (LogRecord, error) {
	parts := lineParser.FindStringSubmatch(line)
	if len(parts) != 4 {
		return LogRecord{}, errors.New("parse error")
	}

	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return LogRecord{}, fmt.Errorf("parse id: %w", err)
	}
	ts, err := time.Parse(TimeLayout, parts[2])
	if err != nil {
		return LogRecord{}, fmt.Errorf("parse timestamp: %w", err)
	}

	return LogRecord{ID: id, Timestamp: ts, Text: parts[3]}, nil
}

// Sequence hands out record ids starting at 1. Safe for concurrent use.
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next id.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}
