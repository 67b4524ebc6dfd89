package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Chichichkin/EnclaveLogRelay/internal/broadcast"
	"github.com/Chichichkin/EnclaveLogRelay/internal/monitor"
	"github.com/Chichichkin/EnclaveLogRelay/internal/persist"
	"github.com/Chichichkin/EnclaveLogRelay/internal/relay"
	"github.com/Chichichkin/EnclaveLogRelay/internal/source"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ------------------------------------  code for reading config -----------------------------------------------------

const envPrefix = "ENCLAVE_RELAY"

type AppConfig struct {
	TargetCID         uint32
	VsockPort         uint32
	Source            string
	ConsoleFile       string
	EnclaveLogFile    string
	ScriptLogFile     string
	Port              int
	BufferSize        int
	DropPolicy        broadcast.DropPolicy
	PersistPolicy     persist.FailurePolicy
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	HeartbeatInterval time.Duration
	MetricsInterval   time.Duration
	LokiURL           string
	BatchSize         int
	BatchTimeout      time.Duration
	MaxRetries        int
	LogLevel          string
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Uint32("target-cid", 16, "vsock context id of the enclave")
	flags.Uint32("vsock-port", 10000, "vsock port the enclave console listens on")
	flags.String("source", "vsock", "console transport: vsock or file")
	flags.String("console-file", "", "console capture file followed when --source=file")
	flags.String("enclave-log-file", "enclave.log", "durable log of captured console lines")
	flags.String("script-log-file", "script.log", "diagnostic log of the relay itself")
	flags.Int("port", 515, "HTTP port, bound on all interfaces")
	flags.Int("buffer-size", broadcast.DefaultBufferSize, "pending records kept per live subscriber")
	flags.String("drop-policy", "oldest", "record dropped when a subscriber falls behind: oldest or newest")
	flags.String("persist-failure", "stop", "on log file write error: stop or continue")
	flags.Duration("retry-delay", 500*time.Millisecond, "initial delay between console reconnects, 0 retries immediately")
	flags.Duration("retry-max-delay", 10*time.Second, "upper bound for the reconnect delay")
	flags.Duration("heartbeat-interval", 15*time.Second, "keep-alive interval on idle streams, 0 disables")
	flags.Duration("metrics-interval", 30*time.Second, "interval of the metrics log line, 0 disables")
	flags.String("loki-url", "", "forward records to this Loki base URL")
	flags.Int("batch-size", 500, "records per Loki push")
	flags.Duration("batch-timeout", 5*time.Second, "maximum age of a Loki batch")
	flags.Int("max-retries", 3, "attempts per Loki push")
	flags.String("log-level", "info", "diagnostic log level")
}

// readConfig layers the config file and ENCLAVE_RELAY_* variables over the flags.
func readConfig(v *viper.Viper, cmd *cobra.Command, cfgFile string) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (AppConfig, error) {
	config := AppConfig{
		TargetCID:         v.GetUint32("target-cid"),
		VsockPort:         v.GetUint32("vsock-port"),
		Source:            v.GetString("source"),
		ConsoleFile:       v.GetString("console-file"),
		EnclaveLogFile:    v.GetString("enclave-log-file"),
		ScriptLogFile:     v.GetString("script-log-file"),
		Port:              v.GetInt("port"),
		BufferSize:        v.GetInt("buffer-size"),
		RetryDelay:        v.GetDuration("retry-delay"),
		RetryMaxDelay:     v.GetDuration("retry-max-delay"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		MetricsInterval:   v.GetDuration("metrics-interval"),
		LokiURL:           v.GetString("loki-url"),
		BatchSize:         v.GetInt("batch-size"),
		BatchTimeout:      v.GetDuration("batch-timeout"),
		MaxRetries:        v.GetInt("max-retries"),
		LogLevel:          v.GetString("log-level"),
	}

	var err error
	if config.DropPolicy, err = broadcast.ParseDropPolicy(v.GetString("drop-policy")); err != nil {
		return config, err
	}
	if config.PersistPolicy, err = persist.ParseFailurePolicy(v.GetString("persist-failure")); err != nil {
		return config, err
	}

	switch config.Source {
	case "vsock":
	case "file":
		if config.ConsoleFile == "" {
			return config, fmt.Errorf("--console-file is required with --source=file")
		}
	default:
		return config, fmt.Errorf("unknown source %q", config.Source)
	}

	if config.Port <= 0 || config.Port > 65535 {
		return config, fmt.Errorf("invalid port %d", config.Port)
	}
	if config.BufferSize <= 0 {
		return config, fmt.Errorf("buffer-size must be positive")
	}
	if config.EnclaveLogFile == "" || config.ScriptLogFile == "" {
		return config, fmt.Errorf("log file paths must not be empty")
	}
	if config.LokiURL != "" && (config.BatchSize <= 0 || config.BatchTimeout <= 0) {
		return config, fmt.Errorf("batch-size and batch-timeout must be positive when forwarding to Loki")
	}

	return config, nil
}

func (c AppConfig) opener() source.Opener {
	if c.Source == "file" {
		return source.FileOpener{Path: c.ConsoleFile}
	}
	return source.VsockOpener{CID: c.TargetCID, Port: c.VsockPort}
}

func (c AppConfig) relayConfig() relay.Config {
	return relay.Config{
		Port:              c.Port,
		LogPath:           c.EnclaveLogFile,
		BufferSize:        c.BufferSize,
		DropPolicy:        c.DropPolicy,
		PersistPolicy:     c.PersistPolicy,
		Backoff:           monitor.Exponential{Initial: c.RetryDelay, Max: c.RetryMaxDelay},
		HeartbeatInterval: c.HeartbeatInterval,
		MetricsInterval:   c.MetricsInterval,
	}
}
