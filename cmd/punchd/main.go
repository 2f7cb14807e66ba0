// punchd is the UDP NAT-traversal rendezvous tool: it runs the
// matchmaking Rendezvous Server, or acts as a Listener/Connector peer
// punching through a NAT toward another punchd instance.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/punchd/punchd/internal/svc"
)

var (
	cfgFile  string
	logLevel string

	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "punchd",
		Short: "UDP hole-punching rendezvous tool",
		Long: `punchd runs a rendezvous server that matches Listener and Connector
peers by IPv4 address, and hands each side the other's predicted port
window so they can punch through their NATs toward each other.

QUICK START:

  # Start a rendezvous server:
  punchd serve --config server.yaml

  # On the Listener's machine:
  punchd listen --config peer.yaml

  # On the Connector's machine, once the Listener's public IP is known:
  punchd connect 203.0.113.7 --config peer.yaml`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "run under a service manager (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newListenCmd())
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newPairCmd())
	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging configures JSON logging for service mode, where
// no interactive terminal is attached to render the console writer.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
