package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/punchd/punchd/internal/svc"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage punchd as a system service",
		Long: `Install, control, and manage a punchd Listener as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Only the listen role runs as a service; a rendezvous server or a
one-shot connect is expected to run under a process supervisor of the
operator's choosing instead.`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install punchd as a system service",
		Long:  "Install punchd as a system service that starts automatically at boot. Requires administrator/root privileges.",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "path to peer config file")
	installCmd.Flags().StringVarP(&serviceName, "name", "n", "", "service name (default: punchd-listener)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	uninstallCmd := &cobra.Command{
		Use:  "uninstall",
		RunE: runServiceUninstall,
	}
	uninstallCmd.Flags().StringVarP(&serviceName, "name", "n", "", "service name")
	serviceCmd.AddCommand(uninstallCmd)

	startCmd := &cobra.Command{Use: "start", RunE: runServiceStart}
	startCmd.Flags().StringVarP(&serviceName, "name", "n", "", "service name")
	serviceCmd.AddCommand(startCmd)

	stopCmd := &cobra.Command{Use: "stop", RunE: runServiceStop}
	stopCmd.Flags().StringVarP(&serviceName, "name", "n", "", "service name")
	serviceCmd.AddCommand(stopCmd)

	restartCmd := &cobra.Command{Use: "restart", RunE: runServiceRestart}
	restartCmd.Flags().StringVarP(&serviceName, "name", "n", "", "service name")
	serviceCmd.AddCommand(restartCmd)

	statusCmd := &cobra.Command{Use: "status", RunE: runServiceStatus}
	statusCmd.Flags().StringVarP(&serviceName, "name", "n", "", "service name")
	serviceCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{Use: "logs", RunE: runServiceLogs}
	logsCmd.Flags().StringVarP(&serviceName, "name", "n", "", "service name")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName()
	}
	configPath := serviceConfigPath
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	return &svc.ServiceConfig{
		Name:        name,
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
		UserName:    serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\ncreate it first or pass --config", cfg.ConfigPath)
	}

	log.Info().Str("name", cfg.Name).Str("config", cfg.ConfigPath).Msg("installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed.\n", cfg.Name)
	fmt.Printf("Start it with: punchd service start --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q uninstalled.\n", cfg.Name)
	return nil
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()
	if err := svc.Start(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q started.\n", cfg.Name)
	return nil
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()
	if err := svc.Stop(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q stopped.\n", cfg.Name)
	return nil
}

func runServiceRestart(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()
	if err := svc.Restart(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q restarted.\n", cfg.Name)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()
	cfg := getServiceConfig()

	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Service: %s\nStatus:  not installed or unknown\nError:   %v\n", cfg.Name, err)
		return nil
	}
	fmt.Printf("Service: %s\nStatus:  %s\nConfig:  %s\n", cfg.Name, svc.StatusString(status), cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	return svc.ViewLogs(svc.LogOptions{ServiceName: cfg.Name, Follow: logsFollow, Lines: logsLines})
}

// runAsService is invoked when the OS service manager starts the
// process with --service-run; it re-enters as a plain Listener run
// rather than going through the interactive cobra tree.
func runAsService() {
	setupServiceLogging()

	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
	}

	if err := svc.Run(cfg, runListenerService); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func runListenerService(ctx context.Context, configPath string) error {
	cfgFile = configPath
	return runListen(ctx, false)
}
