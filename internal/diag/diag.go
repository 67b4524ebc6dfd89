package diag

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ClearFile truncates path, creating it if it does not exist.
func ClearFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("clear %s: %w", path, err)
	}
	return f.Close()
}

// New returns a logger writing to both console and the script log file at
// path. The caller closes the returned file on shutdown.
func New(path string, level string, console io.Writer) (*logrus.Logger, io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open script log %s: %w", path, err)
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	if console != nil {
		logger.SetOutput(io.MultiWriter(console, f))
	} else {
		logger.SetOutput(f)
	}

	return logger, f, nil
}
