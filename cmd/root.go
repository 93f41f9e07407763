package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/baaaht/mqbus/internal/config"
	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/bridge"
	"github.com/baaaht/mqbus/pkg/ipc"
	"github.com/baaaht/mqbus/pkg/lifecycle"
	"github.com/baaaht/mqbus/pkg/metrics"
	"github.com/baaaht/mqbus/pkg/mq"
	"github.com/baaaht/mqbus/pkg/types"
)

// Version is the release of the auth bridge
const Version = "0.1.0"

var (
	// CLI flags
	cfgFile        string
	logLevel       string
	logFormat      string
	logOutput      string
	bindAddr       string
	validatorCmd   string
	metricsAddr    string
	requestTimeout time.Duration

	// Global variables
	rootLog  *logger.Logger
	shutdown *lifecycle.ShutdownManager
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "authbridge",
	Short: "Lokinet exit auth bridge",
	Long: `authbridge listens on a message bus socket for llarp.auth requests from a
lokinet router, resolves the client's .loki address and asks an external
validator program whether the supplied token grants access.

The validator is run as <cmd> <address> <base64-token> and approves by
exiting 0. Every request is answered with OKAY or REJECT.`,
	Example: `  authbridge --bind ipc:///run/lokinet/auth.sock --cmd "/usr/local/bin/check-token --db /var/lib/tokens"`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runBridge,
}

// runBridge wires the bus, the bridge and metrics together and blocks until
// a shutdown signal
func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()
	rootLog.Info("Starting auth bridge", "version", Version, "config", cfg.String())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	bus, err := mq.New(cfg.Bus, rootLog, mq.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create bus: %w", err)
	}

	validator, err := bridge.NewCommandValidator(cfg.Bridge.Command, rootLog)
	if err != nil {
		bus.Close()
		return err
	}
	br, err := bridge.New(cfg.Bridge, validator, rootLog, m)
	if err != nil {
		bus.Close()
		return err
	}
	if err := br.Register(bus); err != nil {
		bus.Close()
		return fmt.Errorf("failed to register %s: %w", br.Name(), err)
	}

	if err := bus.Listen(cfg.Bridge.Bind, ipc.AllowAll(types.AuthNone)); err != nil {
		bus.Close()
		return err
	}
	if err := bus.Start(cmd.Context()); err != nil {
		bus.Close()
		return fmt.Errorf("failed to start bus: %w", err)
	}
	rootLog.Info("Listening for auth requests", "addrs", bus.Addrs(), "command", br.Name())

	shutdown = lifecycle.NewShutdownManager(bus, cfg.Bridge.ShutdownTimeout, rootLog)
	shutdown.AddHook("bridge", br.Close)

	if cfg.Metrics.Enabled {
		srv := newMetricsServer(cfg.Metrics, promReg)
		shutdown.AddPostHook("metrics", srv.Shutdown)
		go func() {
			if err := serveMetrics(srv); err != nil {
				rootLog.Error("Metrics server failed", "error", err)
				_ = shutdown.ShutdownAndWait(context.Background(), "metrics server failed")
			}
		}()
		rootLog.Info("Serving metrics", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	shutdown.Start()
	rootLog.Info("Auth bridge is running. Press Ctrl+C to stop.")

	<-shutdown.Done()
	shutdown.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown.WaitCompletion(ctx); err != nil {
		rootLog.Warn("Shutdown finished with errors", "error", err)
	}
	rootLog.Info("Auth bridge stopped", "stats", br.Stats().String(), "bus", bus.Stats().String())
	return nil
}

// initLogger initializes the global logger from the merged configuration
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration from file and environment, then applies
// CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		LogOutput:      logOutput,
		Bind:           bindAddr,
		Command:        validatorCmd,
		RequestTimeout: requestTimeout,
		MetricsAddress: metricsAddr,
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateBridge(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Global().Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/mqbus/config.yaml if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Bridge flags
	rootCmd.Flags().StringVar(&bindAddr, "bind", "",
		"Address to listen on, ipc:///path or tcp://host:port (required)")
	rootCmd.Flags().StringVar(&validatorCmd, "cmd", "",
		"Validator command; the address and token are appended (required)")
	rootCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 0,
		"Timeout for outbound requests (default: from config or env)")

	// Metrics flags
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address, e.g. :9100")
}
