// Package svc provides cross-platform system service support for
// running a punchd Listener under a service manager (systemd, launchd,
// Windows service control manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the Listener session against the given config file until
// ctx is canceled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service
// library. Unlike a coordinator/peer pair, punchd only ever installs
// its Listener role as a persistent service, so Program carries a
// single RunFunc rather than a mode switch.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- fmt.Errorf("svc: run function not configured")
			return
		}
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()

	return nil
}

// Stop signals the running Listener to stop and waits for it to exit.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string
}

// DefaultServiceName is the service name registered with the OS.
func DefaultServiceName() string { return "punchd-listener" }

// DefaultDisplayName is the human-readable name shown in service managers.
func DefaultDisplayName() string { return "punchd NAT Traversal Listener" }

// DefaultDescription describes the service to the OS service manager.
func DefaultDescription() string {
	return "punchd UDP hole-punching Listener, registered with a rendezvous server"
}

// DefaultConfigPath returns the default peer config path for the platform.
func DefaultConfigPath() string {
	var dir string
	switch runtime.GOOS {
	case "windows":
		dir = filepath.Join(os.Getenv("ProgramData"), "punchd")
	default:
		dir = "/etc/punchd"
	}
	return filepath.Join(dir, "peer.yaml")
}

// NewServiceConfig builds a service.Config from cfg. The installed
// service re-invokes the punchd binary with --service-run so the
// process started by the OS goes through runAsService rather than the
// interactive CLI.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	args := []string{
		"--service-run",
		"listen",
		"--config", cfg.ConfigPath,
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   args,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

func newProgram(cfg *ServiceConfig, run RunFunc) *Program {
	return &Program{ConfigPath: cfg.ConfigPath, Run: run}
}

// CreateService builds a service.Service bound to prg.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	return service.New(prg, NewServiceConfig(cfg))
}

// Install registers the service with the OS service manager.
func Install(cfg *ServiceConfig, force bool) error {
	svc, err := CreateService(newProgram(cfg, nil), cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall removes the service.
func Uninstall(cfg *ServiceConfig) error {
	svc, err := CreateService(newProgram(cfg, nil), cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if status, _ := svc.Status(); status == service.StatusRunning {
		if err := svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Start starts the installed service.
func Start(cfg *ServiceConfig) error {
	svc, err := CreateService(newProgram(cfg, nil), cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Stop stops the installed service.
func Stop(cfg *ServiceConfig) error {
	svc, err := CreateService(newProgram(cfg, nil), cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

// Restart restarts the installed service.
func Restart(cfg *ServiceConfig) error {
	svc, err := CreateService(newProgram(cfg, nil), cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Restart(); err != nil {
		return fmt.Errorf("restart service: %w", err)
	}
	return nil
}

// Status reports the installed service's current status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	svc, err := CreateService(newProgram(cfg, nil), cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}
	return svc.Status()
}

// StatusString renders a service.Status for human display.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run is called by the process started by the service manager; it
// blocks until the service is stopped.
func Run(cfg *ServiceConfig, run RunFunc) error {
	svc, err := CreateService(newProgram(cfg, run), cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return svc.Run()
}

// CheckPrivileges verifies the current user can install/manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry the internal --service-run flag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}
