package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/broadcast"
	"github.com/Chichichkin/EnclaveLogRelay/internal/forward"
	"github.com/Chichichkin/EnclaveLogRelay/internal/metrics"
	"github.com/Chichichkin/EnclaveLogRelay/internal/monitor"
	"github.com/Chichichkin/EnclaveLogRelay/internal/persist"
	"github.com/Chichichkin/EnclaveLogRelay/internal/record"
	"github.com/Chichichkin/EnclaveLogRelay/internal/server"
	"github.com/Chichichkin/EnclaveLogRelay/internal/source"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port              int
	LogPath           string
	BufferSize        int
	DropPolicy        broadcast.DropPolicy
	PersistPolicy     persist.FailurePolicy
	Backoff           monitor.Backoff
	HeartbeatInterval time.Duration
	MetricsInterval   time.Duration
}

// Service wires the capture, persist and broadcast pipeline together.
type Service struct {
	config      Config
	metrics     *metrics.RelayMetrics
	persister   *persist.Persister
	broadcaster *broadcast.Broadcaster
	monitor     *monitor.Monitor
	server      *server.Server
	forwarder   forward.BatchProcessor
	log         *logrus.Entry

	ctx           context.Context
	cancel        context.CancelFunc
	persistCtx    context.Context
	persistCancel context.CancelFunc
	subServicesWg sync.WaitGroup
	persistDone   chan struct{}
}

// NewService builds the pipeline. openLog opens the durable log for
// appending; forwarder and m may be nil.
func NewService(ctx context.Context, config Config, opener source.Opener, openLog persist.OpenFunc,
	forwarder forward.BatchProcessor, labels map[string]string, m *metrics.RelayMetrics, log *logrus.Entry) *Service {
	nCtx, cancel := context.WithCancel(ctx)
	persistCtx, persistCancel := context.WithCancel(context.Background())

	if m == nil {
		m = &metrics.RelayMetrics{}
	}
	persister := persist.NewPersister(openLog, config.PersistPolicy, log, m)
	broadcaster := broadcast.NewBroadcaster(config.BufferSize, config.DropPolicy, log, m)

	sinks := []monitor.Sink{persister, broadcaster}
	if forwarder != nil {
		sinks = append(sinks, forward.Sink{Processor: forwarder, Labels: labels})
	}

	return &Service{
		config:      config,
		metrics:     m,
		persister:   persister,
		broadcaster: broadcaster,
		monitor: monitor.NewMonitor(opener, &record.Sequence{}, sinks,
			monitor.Config{Backoff: config.Backoff}, log, m),
		server: server.NewServer(server.Config{
			Port:              config.Port,
			LogPath:           config.LogPath,
			HeartbeatInterval: config.HeartbeatInterval,
		}, broadcaster, m, log),
		forwarder:     forwarder,
		log:           log.WithField("component", "relay"),
		ctx:           nCtx,
		cancel:        cancel,
		persistCtx:    persistCtx,
		persistCancel: persistCancel,
		persistDone:   make(chan struct{}),
	}
}

// Start launches the persister, the monitor, the metrics reporter and the
// forwarder. The HTTP surface is started separately with Serve.
func (s *Service) Start() {
	go func() {
		defer close(s.persistDone)
		if err := s.persister.Run(s.persistCtx); err != nil {
			s.log.Errorf("Error saving logs to file: %v", err)
		}
	}()

	if s.forwarder != nil {
		s.forwarder.Start()
	}

	s.subServicesWg.Add(1)
	go func() {
		defer s.subServicesWg.Done()
		_ = s.monitor.Run(s.ctx)
	}()

	s.subServicesWg.Add(1)
	go func() {
		defer s.subServicesWg.Done()
		s.metrics.Report(s.ctx, s.config.MetricsInterval, s.log)
	}()

	s.log.Info("Relay pipeline started")
}

func (s *Service) ListenAndServe() error {
	return s.server.ListenAndServe()
}

func (s *Service) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

func (s *Service) Handler() http.Handler {
	return s.server.Handler()
}

func (s *Service) Metrics() *metrics.RelayMetrics {
	return s.metrics
}

func (s *Service) Subscribers() int {
	return s.broadcaster.Subscribers()
}

func (s *Service) MonitorState() monitor.State {
	return s.monitor.State()
}

// Stop halts capture, closes streams and lets the persister drain until
// ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.log.Info("Stopping relay...")
	s.cancel()
	s.subServicesWg.Wait()

	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warnf("HTTP shutdown: %v", err)
	}

	s.persister.Close()
	select {
	case <-s.persistDone:
	case <-ctx.Done():
		s.log.Warnf("Persister did not drain in time, %d records pending", s.metrics.PersistBacklog())
		s.persistCancel()
		<-s.persistDone
	}
	s.persistCancel()

	if s.forwarder != nil {
		s.forwarder.Stop()
	}

	s.log.Info("Relay stopped")
}
