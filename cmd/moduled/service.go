package main

import (
	"fmt"
	"os"

	"github.com/invizible/moduled/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName       string
	serviceUser       string
	forceInstall      bool
	serviceLogsFollow bool
	serviceLogsLines  int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the moduled system service",
		Long: `Install, control, and manage moduled as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)

Examples:
  sudo moduled service install --config /etc/moduled/moduled.yaml
  sudo moduled service start
  sudo moduled service status
  sudo moduled service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: moduled)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install moduled as a system service",
		Long: `Install moduled as a system service that starts automatically at boot.

Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the moduled system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the moduled service", action),
			RunE:  runServiceAction(action),
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show moduled service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View moduled service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&serviceLogsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&serviceLogsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	cfg := svc.DefaultServiceConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()

	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}
	if _, err := loadConfig(cfg.ConfigPath); err != nil {
		return err
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed successfully.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  moduled service start --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")

	if err := svc.Uninstall(cfg); err != nil {
		return err
	}

	fmt.Printf("Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceAction(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging()

		if err := svc.CheckPrivileges(); err != nil {
			return err
		}

		cfg := getServiceConfig()
		log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")

		if err := svc.Action(cfg, action); err != nil {
			return err
		}

		fmt.Printf("Service %q: %s done.\n", cfg.Name, action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()

	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Service: %s\n", cfg.Name)
		fmt.Printf("Status:  not installed or unknown\n")
		fmt.Printf("Error:   %v\n", err)
		return nil
	}

	fmt.Printf("Service: %s\n", cfg.Name)
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	fmt.Printf("Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()

	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      serviceLogsFollow,
		Lines:       serviceLogsLines,
	})
}
