package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/diag"
	"github.com/Chichichkin/EnclaveLogRelay/internal/forward"
	"github.com/Chichichkin/EnclaveLogRelay/internal/forward/batch"
	"github.com/Chichichkin/EnclaveLogRelay/internal/forward/loki"
	"github.com/Chichichkin/EnclaveLogRelay/internal/metrics"
	"github.com/Chichichkin/EnclaveLogRelay/internal/persist"
	"github.com/Chichichkin/EnclaveLogRelay/internal/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "enclave-log-relay",
		Short:        "Relays enclave console output to a log file and live HTTP subscribers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfig(v, cmd, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runRelay(cmd.Context(), config)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file")
	registerFlags(cmd)
	return cmd
}

func runRelay(parent context.Context, config AppConfig) error {
	if parent == nil {
		parent = context.Background()
	}

	if err := diag.ClearFile(config.EnclaveLogFile); err != nil {
		return fmt.Errorf("failed to clear enclave log file at startup: %w", err)
	}
	if err := diag.ClearFile(config.ScriptLogFile); err != nil {
		return fmt.Errorf("failed to clear debug log file at startup: %w", err)
	}

	logger, closer, err := diag.New(config.ScriptLogFile, config.LogLevel, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up debug log: %w", err)
	}
	defer closer.Close()

	log := logrus.NewEntry(logger).WithField("cid", config.TargetCID)
	log.Info("Starting script...")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	labels := map[string]string{
		"enclave_cid": fmt.Sprint(config.TargetCID),
		"source":      config.Source,
	}

	m := &metrics.RelayMetrics{}

	var forwarder forward.BatchProcessor
	if config.LokiURL != "" {
		sender := loki.NewLokiSender(config.LokiURL, config.MaxRetries, labels, log)
		forwarder = batch.NewBatchProcessor(ctx, sender, forward.Config{
			BatchSize:    config.BatchSize,
			BatchTimeout: config.BatchTimeout,
			MaxRetries:   config.MaxRetries,
		}, log, m)
		log.Infof("Forwarding records to Loki at %s", config.LokiURL)
	}

	service := relay.NewService(ctx, config.relayConfig(), config.opener(),
		persist.AppendFile(config.EnclaveLogFile), forwarder, labels, m, log)
	service.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- service.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
		err = nil
	case err = <-serveErr:
		if err == nil {
			err = errors.New("http server exited unexpectedly")
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	service.Stop(stopCtx)

	return err
}
