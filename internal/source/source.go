package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrUnsupported is returned by openers whose transport is unavailable on this platform.
var ErrUnsupported = errors.New("source: transport not supported on this platform")

// LineSource yields console lines from one connection to the enclave.
type LineSource interface {
	// ReadLine blocks until a full line is available and returns it
	// without its terminator. io.EOF means the peer closed the connection.
	ReadLine(ctx context.Context) (string, error)
	Close() error
}

// Opener establishes a fresh LineSource for every monitor attempt.
type Opener interface {
	Open(ctx context.Context) (LineSource, error)
	// Describe names the transport and target for diagnostics.
	Describe() string
}

// streamSource splits a byte stream on newlines.
type streamSource struct {
	rc     io.ReadCloser
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// NewStreamSource wraps rc. Lines end in "\n" or "\r\n"; a trailing
// unterminated line is returned before io.EOF.
func NewStreamSource(rc io.ReadCloser) LineSource {
	return &streamSource{rc: rc, reader: bufio.NewReader(rc)}
}

func (s *streamSource) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// unblocks the pending read on cancellation
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	line, err := s.reader.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}
		return "", err
	}

	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func (s *streamSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}
