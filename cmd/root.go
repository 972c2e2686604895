package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/techthom/ipmi2mqtt/app"
	"github.com/techthom/ipmi2mqtt/config"
	"github.com/techthom/ipmi2mqtt/infra/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "ipmi2mqtt",
	Short: "IPMI telemetry to MQTT bridge",
	Long: "ipmi2mqtt polls a server's management controller through the vendor " +
		"query tool and republishes its sensor readings over MQTT with " +
		"Home Assistant auto-discovery.",
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (optional, environment variables override)")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("main").Errorf("service close: %v", err)
		}
	}()
	return svc.Run(ctx)
}
