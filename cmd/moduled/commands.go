package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/invizible/moduled/internal/control"
	"github.com/invizible/moduled/internal/module"
	"github.com/invizible/moduled/internal/svc"
	"github.com/spf13/cobra"
)

var (
	logsFollow bool
	logsLines  int
)

func newControlCmds() []*cobra.Command {
	moduleCmd := func(use, short string, send func(*control.Client, module.Module) error) *cobra.Command {
		return &cobra.Command{
			Use:       use + " <module>",
			Short:     short,
			Args:      cobra.ExactArgs(1),
			ValidArgs: moduleNames(),
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging()
				m, err := module.Parse(args[0])
				if err != nil {
					return err
				}
				client, err := controlClient()
				if err != nil {
					return err
				}
				if err := send(client, m); err != nil {
					return err
				}
				fmt.Printf("%s requested for %s\n", use, m)
				return nil
			},
		}
	}

	return []*cobra.Command{
		moduleCmd("start", "Start a module", (*control.Client).Start),
		moduleCmd("stop", "Stop a module", (*control.Client).Stop),
		moduleCmd("restart", "Restart a running module", (*control.Client).Restart),
		{
			Use:   "recover",
			Short: "Reset every module to stopped without touching processes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging()
				client, err := controlClient()
				if err != nil {
					return err
				}
				if err := client.Recover(); err != nil {
					return err
				}
				fmt.Println("recover requested")
				return nil
			},
		},
		{
			Use:   "shutdown",
			Short: "Stop every module and exit the daemon",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging()
				client, err := controlClient()
				if err != nil {
					return err
				}
				if err := client.StopAll(); err != nil {
					return err
				}
				fmt.Println("full stop requested")
				return nil
			},
		},
		{
			Use:   "status",
			Short: "Show module states",
			Args:  cobra.NoArgs,
			RunE:  runStatus,
		},
	}
}

func moduleNames() []string {
	names := make([]string, 0, len(module.All()))
	for _, m := range module.All() {
		names = append(names, m.String())
	}
	return names
}

// nolint:revive // args required by cobra.Command RunE signature
func runStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	client, err := controlClient()
	if err != nil {
		return err
	}
	status, err := client.Status()
	if err != nil {
		fmt.Println("Status: daemon not running")
		fmt.Printf("  Error:  %v\n", err)
		return nil
	}

	fmt.Printf("Mode:      %s\n", status.Mode)
	fmt.Printf("Tunneling: %t\n\n", status.Tunneling)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MODULE\tSTATE\tPID")
	for _, ms := range status.Modules {
		pid := "-"
		if ms.PID > 0 {
			pid = fmt.Sprint(ms.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", ms.Module, ms.State, pid)
	}
	return w.Flush()
}

// nolint:revive // args required by cobra.Command RunE signature
func runModuleLogs(cmd *cobra.Command, args []string) error {
	setupLogging()

	m, err := module.Parse(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	return svc.ViewFile(cfg.LogPath(m), svc.LogOptions{
		Follow: logsFollow,
		Lines:  logsLines,
	})
}
