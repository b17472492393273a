package pipeline

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/flostream/internal/config"
	"github.com/rzbill/flostream/internal/runtime"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// ConfigFunc loads the configuration for a command.
type ConfigFunc func(cmd *cobra.Command) (cfgpkg.Config, error)

func demoFlags(cmd *cobra.Command) {
	cmd.Flags().Int("count", 1000, "Records emitted by GENERATOR")
	cmd.Flags().Int("per-tick", 100, "Records emitted per generator timer")
	cmd.Flags().String("filter", "", "CEL expression; adds a FILTER computation")
	cmd.Flags().Duration("count-interval", 100*time.Millisecond, "COUNTER emit interval")
}

func demoOptions(cmd *cobra.Command) DemoOptions {
	count, _ := cmd.Flags().GetInt("count")
	perTick, _ := cmd.Flags().GetInt("per-tick")
	filter, _ := cmd.Flags().GetString("filter")
	interval, _ := cmd.Flags().GetDuration("count-interval")
	return DemoOptions{Count: count, PerTick: perTick, Filter: filter, CountInterval: interval}
}

// NewPipelineCommand constructs `pipeline run`.
func NewPipelineCommand(load ConfigFunc) *cobra.Command {
	pipelineCmd := &cobra.Command{Use: "pipeline", Short: "Run topologies in process"}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo topology on the configured backend and print a report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Backend == cfgpkg.BackendPebble && cfg.DataDir == "" {
				cfg.DataDir = cfgpkg.DefaultDataDir()
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			logger, err := logpkg.ApplyConfig(&cfg.Log)
			if err != nil {
				return err
			}
			logpkg.RedirectStdLog(logger)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := RunDemo(ctx, rt, demoOptions(cmd), timeout)
			if err != nil {
				return err
			}
			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Drained {
				return fmt.Errorf("pipeline did not drain within %s", timeout)
			}
			return nil
		},
	}
	demoFlags(runCmd)
	runCmd.Flags().Duration("timeout", time.Minute, "Drain timeout")
	pipelineCmd.AddCommand(runCmd)
	return pipelineCmd
}

// NewTopologyCommand constructs `topology plantuml`.
func NewTopologyCommand(load ConfigFunc) *cobra.Command {
	topoCmd := &cobra.Command{Use: "topology", Short: "Topology tools"}
	plantumlCmd := &cobra.Command{
		Use:   "plantuml",
		Short: "Print the demo topology as a PlantUML diagram",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			topo, err := DemoTopology(demoOptions(cmd), 0)
			if err != nil {
				return err
			}
			settings := runtime.SettingsOf(cfg).SetConcurrency("GENERATOR", 1)
			_, err = fmt.Fprint(cmd.OutOrStdout(), topo.PlantUML(settings))
			return err
		},
	}
	demoFlags(plantumlCmd)
	topoCmd.AddCommand(plantumlCmd)
	return topoCmd
}
