package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/punchd/punchd/internal/admin"
	"github.com/punchd/punchd/internal/config"
	"github.com/punchd/punchd/internal/metrics"
	"github.com/punchd/punchd/internal/rendezvous"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous server",
		RunE:  runServe,
	}
}

// multiObserver fans a rendezvous event out to the metrics collector
// and the admin websocket broadcaster off the same event stream.
type multiObserver struct {
	metrics metrics.Observer
	admin   admin.Broadcaster
}

func (m multiObserver) OnRegistration(r rendezvous.Registration) {
	m.metrics.OnRegistration(r)
	if m.admin.Server != nil {
		m.admin.OnRegistration(r)
	}
}

func (m multiObserver) OnOutcome(o rendezvous.Outcome) {
	m.metrics.OnOutcome(o)
	if m.admin.Server != nil {
		m.admin.OnOutcome(o)
	}
}

func (m multiObserver) OnExpire(r rendezvous.Registration) {
	m.metrics.OnExpire(r)
	if m.admin.Server != nil {
		m.admin.OnExpire(r)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	if cfgFile == "" {
		return errMissingConfig("serve")
	}
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m := metrics.NewServerMetrics()
	obs := multiObserver{metrics: metrics.NewObserver(m)}

	sweep, err := time.ParseDuration(cfg.SweepInterval)
	if err != nil || sweep <= 0 {
		return fmt.Errorf("serve: invalid sweep_interval %q", cfg.SweepInterval)
	}
	idle, err := time.ParseDuration(cfg.IdleTimeout)
	if err != nil {
		return fmt.Errorf("serve: invalid idle_timeout %q: %w", cfg.IdleTimeout, err)
	}

	var adminSrv *admin.Server
	server := rendezvous.New(cfg.Listen, rendezvous.WithObserver(&obs),
		rendezvous.WithSweepInterval(sweep), rendezvous.WithIdleTimeout(idle))

	if cfg.Admin.Enabled {
		adminSrv = admin.New(admin.Config{
			Token:     cfg.Admin.Token,
			JWTSecret: cfg.Admin.JWTSecret,
		}, server)
		obs.admin = admin.Broadcaster{Server: adminSrv}
		adminSrv.Start(cfg.Admin.Listen)
		log.Info().Str("addr", cfg.Admin.Listen).Msg("admin server listening")
		defer func() {
			if err := adminSrv.Stop(); err != nil {
				log.Warn().Err(err).Msg("admin server shutdown error")
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("addr", cfg.Listen).Msg("rendezvous server starting")
	return server.Run(ctx)
}
