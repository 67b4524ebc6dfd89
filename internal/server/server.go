package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/broadcast"
	"github.com/Chichichkin/EnclaveLogRelay/internal/metrics"
	"github.com/Chichichkin/EnclaveLogRelay/internal/record"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	SnapshotPath = "/logs"
	StreamPath   = "/logs/stream"
	MetricsPath  = "/metrics"
)

// Hub is the subscription side of the broadcaster.
type Hub interface {
	Subscribe() *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

type Config struct {
	Port    int
	LogPath string
	// HeartbeatInterval spaces keep-alive comments on idle streams. Zero disables them.
	HeartbeatInterval time.Duration
}

// Server exposes the log file snapshot and the live record stream.
type Server struct {
	config     Config
	hub        Hub
	metrics    *metrics.RelayMetrics
	log        *logrus.Entry
	httpServer *http.Server

	// ctx ends all open streams on shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(config Config, hub Hub, m *metrics.RelayMetrics, log *logrus.Entry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  config,
		hub:     hub,
		metrics: m,
		log:     log.WithField("component", "server"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("0.0.0.0", strconv.Itoa(config.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+SnapshotPath, s.handleSnapshot)
	mux.HandleFunc("GET "+StreamPath, s.handleStream)
	mux.HandleFunc("GET "+MetricsPath, s.handleMetrics)
	return mux
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Infof("Server started at http://%s", ln.Addr())
	s.log.Infof("SSE endpoint: http://%s%s", ln.Addr(), StreamPath)

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends open streams and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	f, err := os.Open(s.config.LogPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Errorf("Failed to open log file for snapshot: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.log.Errorf("Failed to stat log file for snapshot: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	// the file keeps growing; serve exactly what existed at stat time
	size := info.Size()
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyN(w, f, size); err != nil {
		s.log.Debugf("Snapshot copy ended early: %v", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	log := s.log.WithFields(logrus.Fields{"subscriber": sub.ID(), "remote": r.RemoteAddr})
	log.Debug("Stream connected")

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var heartbeat <-chan time.Time
	if s.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case rec, ok := <-sub.C():
			if !ok {
				log.Debug("Stream subscription closed")
				return
			}
			if err := writeEvent(w, rec); err != nil {
				log.Debugf("Stream write failed: %v", err)
				return
			}
			flusher.Flush()
		case <-heartbeat:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				log.Debugf("Stream write failed: %v", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			log.Debugf("Stream closed by client (dropped=%d)", sub.Dropped())
			return
		case <-s.ctx.Done():
			log.Debug("Stream closed by server shutdown")
			return
		}
	}
}

// writeEvent emits one SSE event. Carriage returns inside the text would
// end the data field early, so each CR-separated part gets its own field.
func writeEvent(w io.Writer, rec record.LogRecord) error {
	var b strings.Builder
	b.WriteString("id: ")
	b.WriteString(strconv.FormatUint(rec.ID, 10))
	b.WriteByte('\n')
	for _, part := range strings.Split(rec.Text, "\r") {
		b.WriteString("data: ")
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stamp := s.metrics.GetMetricsStamp()
	if err := json.NewEncoder(w).Encode(&stamp); err != nil {
		s.log.Debugf("Failed to write metrics: %v", err)
	}
}
