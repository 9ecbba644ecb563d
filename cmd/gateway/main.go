// Command gateway hosts traffic-signal experiments behind the control
// gateway API, runs them headless with a built-in controller, and exports
// archived event logs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Simulation control gateway for traffic-signal agents",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/gateway.yaml", "Path to the gateway YAML configuration")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional .env file loaded before the configuration")

	root.AddCommand(newServeCmd(), newRunCmd(), newExportCmd())
	return root
}

// loadEnv reads explicit, or else the first .env file it finds nearby.
// Only an explicit file that cannot be loaded is an error. Variables
// already set in the environment win.
func loadEnv(explicit string) error {
	if explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			return fmt.Errorf("load env file %s: %w", explicit, err)
		}
		return nil
	}
	for _, f := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(f); err == nil {
			return nil
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
