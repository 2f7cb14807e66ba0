package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/punchd/punchd/internal/config"
	"github.com/punchd/punchd/internal/metrics"
	"github.com/punchd/punchd/internal/punch"
)

func newListenCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run as a Listener, accepting punches from Connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runListen(ctx, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "stop after the first successful punch")
	return cmd
}

func runListen(ctx context.Context, once bool) error {
	sess, cfg, err := newListenerSession(once)
	if err != nil {
		return err
	}
	defer sess.Dispose()

	stopMetrics := maybeServeMetrics(cfg.MetricsListen)
	defer stopMetrics()

	if once {
		peer, err := sess.ListenForSinglePunch(ctx, cfg.Bind)
		if err != nil {
			return err
		}
		log.Info().Str("peer", peer.String()).Msg("punch succeeded")
		return nil
	}

	log.Info().Str("bind", cfg.Bind).Msg("listener starting")
	return sess.ListenForPunches(ctx, cfg.Bind)
}

func newListenerSession(once bool) (*punch.Session, *config.PeerConfig, error) {
	if cfgFile == "" {
		return nil, nil, errMissingConfig("listen")
	}
	cfg, err := config.LoadPeerConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	serverAddr, err := net.ResolveUDPAddr("udp4", cfg.Server)
	if err != nil {
		return nil, nil, err
	}
	punchCfg, err := cfg.Session.ToPunchConfig()
	if err != nil {
		return nil, nil, err
	}

	pm := metrics.NewPunchMetrics()
	opts := []punch.Option{
		punch.WithConfig(punchCfg),
		punch.WithObservers(punch.LoggingObserver{}, metrics.NewPunchObserver(pm)),
	}
	if once {
		return punch.NewListenerSingle(serverAddr, opts...), cfg, nil
	}
	return punch.NewListener(serverAddr, opts...), cfg, nil
}

func errMissingConfig(cmdName string) error {
	return &missingConfigError{cmdName: cmdName}
}

type missingConfigError struct{ cmdName string }

func (e *missingConfigError) Error() string {
	return "punchd " + e.cmdName + ": --config is required"
}
