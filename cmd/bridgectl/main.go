package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot(bc command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(bc, globalFlags),
		createStopCommand(bc, globalFlags),
		createDeleteCommand(bc, globalFlags),
		createStatusCommand(bc, globalFlags),
		createLocksCommand(bc, globalFlags),
		createReconcileCommand(bc, globalFlags),
		createServeCommand(bc, globalFlags),
		createSimulateCommand(bc),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Lifecycle client for remote forwarding bridges",
		Long: `bridgectl starts, stops and deletes bridges run by a remote control service
and remembers what it asked for across restarts.

Examples:
  bridgectl start --id=plc1
  bridgectl stop --id=plc1           # waits until the service confirms
  bridgectl status --refresh
  bridgectl serve --config=bridgectl.toml
  bridgectl simulate --listen=127.0.0.1:8080`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file (optional)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 2*time.Minute, "overall timeout for one-shot commands")
	return root
}

func createStartCommand(bc command, g *GlobalFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return bc.Start(OperationFlags{ConfigPath: g.ConfigPath, ID: id, Timeout: g.Timeout})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "configuration id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(bc command, g *GlobalFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a bridge and verify it is gone",
		Long: `Stop a running bridge. The targeted stop escalates to stop-all and
emergency stop when refused, and the command returns only after the remote
status no longer reports the bridge.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bc.Stop(OperationFlags{ConfigPath: g.ConfigPath, ID: id, Timeout: g.Timeout})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "configuration id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createDeleteCommand(bc command, g *GlobalFlags) *cobra.Command {
	f := &DeleteFlags{}
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a configuration",
		Long: `Delete a configuration. A running bridge is stopped first and needs --confirm.

Examples:
  bridgectl delete --id=plc1
  bridgectl delete --id=plc1 --confirm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath, f.Timeout = g.ConfigPath, g.Timeout
			return bc.Delete(*f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "configuration id (required)")
	cmd.Flags().BoolVar(&f.Confirm, "confirm", false, "stop and delete a running bridge")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(bc command, g *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath, f.Timeout = g.ConfigPath, g.Timeout
			return bc.Status(*f)
		},
	}
	cmd.Flags().BoolVar(&f.Refresh, "refresh", false, "poll the remote service even if a recent snapshot exists")
	return cmd
}

func createLocksCommand(bc command, g *GlobalFlags) *cobra.Command {
	f := &LocksFlags{}
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List lock table entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = g.ConfigPath
			return bc.Locks(*f)
		},
	}
	cmd.Flags().StringVar(&f.ForceUnlock, "force-unlock", "", "drop the entry for this id without contacting the service")
	return cmd
}

func createReconcileCommand(bc command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return bc.Reconcile(StatusFlags{ConfigPath: g.ConfigPath, Timeout: g.Timeout})
		},
	}
}

func createServeCommand(bc command, g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the reconciliation loop and HTTP API",
		Long: `Run bridgectl as a long-lived client: the lock table is restored, the
reconciliation loop polls the service and the HTTP API serves the
presentation layer.

Examples:
  bridgectl serve                         # uses --config
  bridgectl serve bridgectl.toml
  bridgectl serve --listen=0.0.0.0:7070`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = g.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return bc.Serve(*f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&f.NonBlocking, "non-blocking", false, "start and shut down immediately (testing)")
	return cmd
}

func createSimulateCommand(bc command) *cobra.Command {
	f := &SimulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve an in-memory remote bridge control API",
		Long: `Serve a local stand-in for the remote control service.

Examples:
  bridgectl simulate --listen=127.0.0.1:8080 --seed=tcp/plc1
  bridgectl simulate --no-targeted-stop --stop-lag=2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bc.Simulate(*f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "/api", "API base path")
	cmd.Flags().BoolVar(&f.NoTargetedStop, "no-targeted-stop", false, "answer targeted stops with 501")
	cmd.Flags().IntVar(&f.StopLag, "stop-lag", 0, "status polls a stopped instance keeps reporting running")
	cmd.Flags().BoolVar(&f.IgnoreStops, "ignore-stops", false, "accept stops without stopping anything")
	cmd.Flags().StringSliceVar(&f.Seed, "seed", nil, "pre-running instances as type/config_id")
	return cmd
}
