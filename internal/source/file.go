package source

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
)

// FileOpener follows a console capture file, e.g. the output of
// `nitro-cli console` redirected to disk.
type FileOpener struct {
	Path string
	// FromStart replays the existing contents on every attempt instead of
	// following from the current end.
	FromStart bool
	// Poll uses stat polling instead of inotify.
	Poll bool
}

func (o FileOpener) Describe() string {
	return "file " + o.Path
}

func (o FileOpener) Open(ctx context.Context) (LineSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	whence := io.SeekEnd
	if o.FromStart {
		whence = io.SeekStart
	}

	t, err := tail.TailFile(o.Path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      o.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", o.Path, err)
	}

	return &tailSource{t: t}, nil
}

type tailSource struct {
	t *tail.Tail
}

func (s *tailSource) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-s.t.Lines:
		if !ok {
			if err := s.t.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		if line.Err != nil {
			return "", line.Err
		}
		return line.Text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *tailSource) Close() error {
	err := s.t.Stop()
	s.t.Cleanup()
	return err
}
