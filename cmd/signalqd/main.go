package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "signalqd",
		Short: "signalqd - offline mutation queue and leakage guard",
		Long: `signalqd keeps failed remote mutations in a durable local queue and
replays them when the backend is reachable again. It also exposes the
off-platform leakage guard for scanning outgoing messages.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "signalq.yaml", "path to the config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(scanCmd(&configPath))
	rootCmd.AddCommand(queueCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
