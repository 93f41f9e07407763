package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/baaaht/mqbus/internal/config"
	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/address"
	"github.com/baaaht/mqbus/pkg/mq"
	"github.com/baaaht/mqbus/pkg/types"
)

// authCommand is the name the auth bridge serves by default
const authCommand = config.DefaultBridgeCategory + mq.NameSeparator + config.DefaultBridgeCommand

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	connectAddr string
	timeout     time.Duration
	useFuture   bool

	rootLog *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mqctl",
	Short: "Send commands and requests to a message bus endpoint",
	Long: `mqctl connects to a bus endpoint, sends a single command or request and
prints the reply parts, one per line.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <category.command> [args...]",
	Short: "Send a request and print its reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(cmd.Context(), func(ctx context.Context, bus *mq.Bus, conn types.ConnID) error {
			reply, err := request(ctx, bus, conn, args[0], mq.StringArgs(args[1:]...))
			if err != nil {
				return err
			}
			printParts(cmd.OutOrStdout(), reply)
			return nil
		})
	},
}

var commandCmd = &cobra.Command{
	Use:   "command <category.command> [args...]",
	Short: "Send a command that expects no reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(cmd.Context(), func(ctx context.Context, bus *mq.Bus, conn types.ConnID) error {
			return bus.Send(ctx, conn, args[0], mq.StringArgs(args[1:]...)...)
		})
	},
}

var authCmd = &cobra.Command{
	Use:   "auth <address.loki> <token>",
	Short: "Ask an auth bridge whether token grants address access",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := address.Parse(args[0])
		if err != nil {
			return err
		}
		parts := [][]byte{address.Payload(key), []byte(args[1])}

		return withBus(cmd.Context(), func(ctx context.Context, bus *mq.Bus, conn types.ConnID) error {
			reply, err := request(ctx, bus, conn, authCommand, parts)
			if err != nil {
				return err
			}
			printParts(cmd.OutOrStdout(), reply)
			return nil
		})
	},
}

// withBus starts a client bus, connects it and runs fn
func withBus(parent context.Context, fn func(ctx context.Context, bus *mq.Bus, conn types.ConnID) error) error {
	if connectAddr == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "--connect is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if timeout > 0 {
		cfg.Bus.RequestTimeout = timeout
	}

	bus, err := mq.New(cfg.Bus, rootLog)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(parent, cfg.Bus.RequestTimeout+cfg.Bus.DialTimeout)
	defer cancel()

	if err := bus.Start(ctx); err != nil {
		return err
	}
	conn, err := bus.Connect(ctx, connectAddr)
	if err != nil {
		return err
	}
	rootLog.Debug("Connected", "addr", connectAddr, "conn", conn)
	return fn(ctx, bus, conn)
}

// request uses either the callback or the future flavour of the bus API
func request(ctx context.Context, bus *mq.Bus, conn types.ConnID, name string, parts [][]byte) ([][]byte, error) {
	if useFuture {
		f, err := bus.RequestFuture(ctx, conn, name, parts)
		if err != nil {
			return nil, err
		}
		return f.Get(ctx)
	}

	type result struct {
		parts [][]byte
		err   error
	}
	done := make(chan result, 1)
	_, err := bus.Request(ctx, conn, name, parts, func(reply [][]byte, err error) {
		done <- result{parts: reply, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.parts, r.err
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "request abandoned", ctx.Err())
	}
}

func printParts(w io.Writer, parts [][]byte) {
	for _, p := range parts {
		if utf8.Valid(p) {
			fmt.Fprintln(w, string(p))
		} else {
			fmt.Fprintln(w, strconv.Quote(string(p)))
		}
	}
}

func initLogger() error {
	cfg := config.DefaultLoggingConfig()
	cfg.Level = "warn"
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/mqbus/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: warn)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text")
	rootCmd.PersistentFlags().StringVar(&connectAddr, "connect", "",
		"Endpoint to connect to, ipc:///path or tcp://host:port")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0,
		"Reply timeout (default: from config)")

	requestCmd.Flags().BoolVar(&useFuture, "future", false,
		"Wait on a future instead of a reply callback")
	authCmd.Flags().BoolVar(&useFuture, "future", false,
		"Wait on a future instead of a reply callback")

	rootCmd.AddCommand(requestCmd, commandCmd, authCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
