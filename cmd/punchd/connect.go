package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/punchd/punchd/internal/config"
	"github.com/punchd/punchd/internal/metrics"
	"github.com/punchd/punchd/internal/pairing"
	"github.com/punchd/punchd/internal/punch"
)

func newConnectCmd() *cobra.Command {
	var pairCode string

	cmd := &cobra.Command{
		Use:   "connect <listener-ipv4>",
		Short: "Run as a Connector, punching toward a Listener's public IPv4 address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runConnect(ctx, args[0], pairCode)
		},
	}
	cmd.Flags().StringVar(&pairCode, "pair", "", "pairing code printed by punchd pair, used as this session's token")
	return cmd
}

func runConnect(ctx context.Context, peerIPStr, pairCode string) error {
	if cfgFile == "" {
		return errMissingConfig("connect")
	}
	cfg, err := config.LoadPeerConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	peerIP := net.ParseIP(peerIPStr).To4()
	if peerIP == nil {
		return fmt.Errorf("connect: %q is not a valid IPv4 address", peerIPStr)
	}

	serverAddr, err := net.ResolveUDPAddr("udp4", cfg.Server)
	if err != nil {
		return err
	}
	punchCfg, err := cfg.Session.ToPunchConfig()
	if err != nil {
		return err
	}

	opts := []punch.Option{punch.WithConfig(punchCfg)}

	if pairCode != "" {
		payload, err := pairing.ParsePayload(pairCode)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		opts = append(opts, punch.WithToken(payload.Token))
	}

	pm := metrics.NewPunchMetrics()
	stopMetrics := maybeServeMetrics(cfg.MetricsListen)
	defer stopMetrics()
	opts = append(opts, punch.WithObservers(punch.LoggingObserver{}, metrics.NewPunchObserver(pm)))

	sess := punch.NewConnector(serverAddr, opts...)
	defer sess.Dispose()

	log.Info().Str("peer", peerIPStr).Str("server", cfg.Server).Msg("connector starting")

	peer, err := sess.Punch(ctx, cfg.Bind, peerIP)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	fmt.Printf("connected: %s\n", peer.String())
	return nil
}
