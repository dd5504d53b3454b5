// moduled supervises the resolver, anonymizer and router daemons.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/invizible/moduled/internal/config"
	"github.com/invizible/moduled/internal/control"
	"github.com/invizible/moduled/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Hidden flag set when started by the service manager.
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moduled",
		Short: "moduled - supervisor for the resolver, anonymizer and router daemons",
		Long: `moduled starts, stops and watches three long-running network daemons:

  resolver    encrypted DNS resolver (dnscrypt-proxy)
  anonymizer  onion router (tor)
  router      garlic router (i2pd)

Run the daemon in the foreground:

  moduled run --config /etc/moduled/moduled.yaml

Control a running daemon:

  moduled start resolver
  moduled restart anonymizer
  moduled status
  moduled logs router --lines 100`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the supervisor daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runForeground,
	})

	for _, c := range newControlCmds() {
		rootCmd.AddCommand(c)
	}

	logsCmd := &cobra.Command{
		Use:   "logs <module>",
		Short: "Show the log of a module",
		Args:  cobra.ExactArgs(1),
		RunE:  runModuleLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	rootCmd.AddCommand(logsCmd)

	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moduled %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})

	return rootCmd
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

// setupServiceLogging writes to a log file as well as stderr, since the
// service manager may not capture stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/moduled-service.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// loadConfig reads the config file given by --config, falling back to the
// default path and then to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(svc.DefaultConfigPath()); err == nil {
			path = svc.DefaultConfigPath()
		}
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// controlClient returns a client for the socket of the configured daemon.
func controlClient() (*control.Client, error) {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	path := cfg.ControlSocket
	if path == "" {
		path = control.DefaultSocketPath()
	}
	return control.NewClient(filepath.Clean(path)), nil
}
