package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/outbox-relay/cmd/worker"
	"github.com/jmehdipour/outbox-relay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "outbox-relay",
		Short: "Transactional outbox relay CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			metrics.MustRegister(prometheus.DefaultRegisterer)
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (defaults are embedded)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
