// Config command: show the effective configuration.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casparian/internal/config"
)

var configJSON bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configJSON, "json", false, "print the full configuration as JSON")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	home := config.Home()
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	if configJSON {
		out, err := config.DumpJSON(cfg)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Printf("home:        %s\n", home)
	fmt.Printf("state db:    %s\n", config.StateDBPath(home))
	fmt.Printf("query db:    %s\n", config.QueryDBPath(home))
	fmt.Printf("logs:        %s\n", config.LogsDir(home))
	fmt.Printf("queue:       %d slots, %d attempts, %ds lease\n",
		cfg.Queue.WorkerSlots, cfg.Queue.MaxAttempts, cfg.Queue.LeaseSeconds)
	fmt.Printf("scanner:     %d workers\n", cfg.Scanner.Workers)
	fmt.Printf("bridge:      protocol v%d, %ds grace\n",
		cfg.Bridge.ProtocolVersion, cfg.Bridge.GraceSeconds)
	return nil
}
