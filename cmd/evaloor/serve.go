package main

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API",
	Long:  `Serve stored runs through the dashboard API without running evals.`,
	RunE:  serveDashboard,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveDashboard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{serve: true})
	if err != nil {
		return err
	}
	defer a.close()

	log.WithField("addr", a.server.Addr()).Info("Serving dashboard API")

	<-ctx.Done()

	return nil
}
