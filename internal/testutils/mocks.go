package testutils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/forward"
	"github.com/Chichichkin/EnclaveLogRelay/internal/source"
	"github.com/sirupsen/logrus"
)

// Session scripts one connection of a ScriptedOpener.
type Session struct {
	// OpenErr fails the Open call itself.
	OpenErr error
	Lines   []string
	// ReadErr is returned after Lines; defaults to io.EOF.
	ReadErr error
}

// ScriptedOpener hands out sessions in order. Once the script is
// exhausted Open blocks until ctx is cancelled.
type ScriptedOpener struct {
	mu       sync.Mutex
	sessions []Session
	opens    int
	// Exhausted is closed when the last session has been opened.
	Exhausted chan struct{}
}

func NewScriptedOpener(sessions ...Session) *ScriptedOpener {
	return &ScriptedOpener{sessions: sessions, Exhausted: make(chan struct{})}
}

func (o *ScriptedOpener) Describe() string { return "scripted" }

func (o *ScriptedOpener) Open(ctx context.Context) (source.LineSource, error) {
	o.mu.Lock()
	if o.opens >= len(o.sessions) {
		o.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := o.sessions[o.opens]
	o.opens++
	if o.opens == len(o.sessions) {
		close(o.Exhausted)
	}
	o.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	readErr := s.ReadErr
	if readErr == nil {
		readErr = io.EOF
	}
	return &scriptedSource{lines: s.Lines, err: readErr}, nil
}

func (o *ScriptedOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

type scriptedSource struct {
	lines []string
	err   error
}

func (s *scriptedSource) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.lines) == 0 {
		return "", s.err
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedSource) Close() error { return nil }

// MemoryFile is an in-memory stand-in for the log file.
type MemoryFile struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	// FailAfter makes every write after the first N fail. Zero disables.
	FailAfter int
	writes    int
	// WriteDelay slows every write down.
	WriteDelay time.Duration
}

func (f *MemoryFile) Write(p []byte) (int, error) {
	if f.WriteDelay > 0 {
		time.Sleep(f.WriteDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("write to closed file")
	}
	f.writes++
	if f.FailAfter > 0 && f.writes > f.FailAfter {
		return 0, errors.New("disk full")
	}
	return f.buf.Write(p)
}

func (f *MemoryFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *MemoryFile) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

// Opener returns an open function handing out f itself.
func (f *MemoryFile) Opener() func() (io.WriteCloser, error) {
	return func() (io.WriteCloser, error) { return f, nil }
}

// MockSender records forwarded batches.
type MockSender struct {
	SentBatches [][]forward.Entry
	mu          sync.Mutex
	ShouldFail  bool
	Delay       time.Duration
}

func (m *MockSender) SendBatch(entries []forward.Entry) error {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return fmt.Errorf("mock send failed")
	}

	m.SentBatches = append(m.SentBatches, entries)
	return nil
}

func (m *MockSender) GetSentBatches() [][]forward.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentBatches
}

func (m *MockSender) TotalEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.SentBatches {
		total += len(b)
	}
	return total
}

// NullLogger returns an entry that discards output.
func NullLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// BufferLogger returns an entry writing to a goroutine-safe buffer.
func BufferLogger() (*logrus.Entry, *SyncBuffer) {
	buf := &SyncBuffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), buf
}

type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
