// Solar Controller
// Main entry point for the off-grid load and pump controller service
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/offgrid/solar-controller/internal/config"
	"github.com/offgrid/solar-controller/internal/engine"
)

const version = "0.3.0"

// configEnv overrides --config when set.
const configEnv = "SOLAR_CONFIG_PATH"

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "solar-controller",
		Short: "Off-grid solar controller",
		Long:  "Switches loads and paces the pond pump from inverter telemetry of an off-grid solar installation.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	checkCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and list the resolved devices",
		RunE:  checkConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Solar Controller v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/solar-controller/config.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configFile
	if env := os.Getenv(configEnv); env != "" {
		path = env
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if cfg.Site.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Site.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid site.timezone: %w", err)
		}
		// the night window and the energy day follow local time
		time.Local = loc
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	engineCfg := engine.DefaultConfig()
	engineCfg.DatabasePath = cfg.Database.Path
	engineCfg.SessionCachePath = cfg.Telemetry.SessionCache
	engineCfg.Telemetry = cfg.TelemetryClientConfig()
	engineCfg.TelemetryInterval = config.Seconds(cfg.Telemetry.PollInterval)
	engineCfg.Gateway = cfg.GatewayConfig()
	engineCfg.StatusInterval = config.Seconds(cfg.Actuator.StatusInterval)
	engineCfg.Weather = cfg.WeatherClientConfig()
	engineCfg.WeatherTTL = config.Seconds(cfg.Weather.TTL)

	engineCfg.Controller.SwitchInterval = config.Seconds(cfg.Controller.SwitchInterval)
	engineCfg.Controller.PumpInterval = config.Seconds(cfg.Controller.PumpInterval)
	engineCfg.Controller.Night = cfg.Night()
	if cfg.Controller.AlertThreshold > 0 {
		engineCfg.Controller.AlertThreshold = cfg.Controller.AlertThreshold
	}

	engineCfg.Publishers = cfg.Publishers
	if cfg.Database.SyncInterval > 0 {
		engineCfg.SyncInterval = config.Seconds(cfg.Database.SyncInterval)
	}
	engineCfg.RetentionDays = cfg.Database.RetentionDays
	engineCfg.EnergySnapshotCron = cfg.Database.EnergySnapshotCron
	engineCfg.PruneCron = cfg.Database.PruneCron

	engineCfg.HTTPAddr = cfg.HTTP.Addr
	if cfg.HTTP.Disabled {
		engineCfg.HTTPAddr = ""
	}
	return engineCfg
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return fmt.Errorf("failed to build device registry: %w", err)
	}

	eng, err := engine.New(engineConfig(cfg), registry)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting Solar Controller", "version", version, "site", cfg.Site.Name, "devices", registry.Len())
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	failed := make(chan error, 1)
	go func() { failed <- eng.Wait() }()

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, shutting down")
	case err := <-failed:
		if err != nil {
			slog.Error("Engine loop failed, shutting down", "err", err)
		}
	}

	if err := eng.Stop(); err != nil {
		slog.Error("Error during shutdown", "err", err)
		return err
	}

	slog.Info("Shutdown complete")
	return nil
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration OK: %d devices, %d publishers\n", registry.Len(), len(cfg.Publishers))
	for _, d := range registry.ByPriority() {
		fmt.Fprintf(out, "  %-20s %-12s prio=%d band=%.1f-%.1fV delay=%s gateway=%s\n",
			d.ID, d.Type, d.Priority, d.MinVolt, d.MaxVolt, d.TimeDelay, d.GatewayID)
	}
	return nil
}
