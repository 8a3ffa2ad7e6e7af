package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tributary-ai/task-router/internal/config"
	"github.com/tributary-ai/task-router/internal/intelligence"
	"github.com/tributary-ai/task-router/internal/store"
	"github.com/tributary-ai/task-router/internal/types"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var configPath string

var (
	routeTaskType      string
	routeTokens        int
	routeTier          string
	routePriority      string
	routeRequiresLocal bool
	routePreferred     string

	forecastHorizon  int
	forecastTaskType string
)

var rootCmd = &cobra.Command{
	Use:   "task-router",
	Short: "Routes AI tasks to providers and recommends deployment modes",
	Long: `task-router picks a provider and model for each task type from declared
requirements, live provider health and business rules. It also forecasts load
and recommends local, cloud or hybrid deployment.

Environment variables (prefix TASK_ROUTER_) override the config file:
  PORT, LOG_LEVEL, LOG_FORMAT, STORAGE_DRIVER, STORAGE_DSN, REDIS_ADDR,
  REDIS_PASSWORD, CACHE_BACKEND, FREE_TIER_COST_CEILING, MAX_FALLBACKS,
  DEFAULT_STRATEGY
OPENAI_API_KEY and ANTHROPIC_API_KEY fill in provider keys left empty.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the provider health monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := NewApplication(cmd.Context(), configPath)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		return app.Run()
	},
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Route one task and print the decision as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if routeTaskType == "" {
			return fmt.Errorf("--task-type is required")
		}
		app, err := loadCommandApplication(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		req := &types.RoutingDecisionRequest{
			TaskType:          routeTaskType,
			UserTier:          routeTier,
			EstimatedTokens:   routeTokens,
			Priority:          types.BusinessPriority(routePriority),
			RequiresLocal:     routeRequiresLocal,
			PreferredProvider: routePreferred,
		}
		decision, err := app.router.RouteTask(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), decision)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the storage schema and load the configured catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadCommandConfig()
		if err != nil {
			return err
		}

		// opening a SQL backend applies its schema
		st, err := store.Open(cmd.Context(), cfg.Storage.BackendConfig, clock.New(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := cfg.Catalog.Seed(cmd.Context(), st, st); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"driver":     cfg.Storage.Driver,
			"task_types": len(cfg.Catalog.TaskTypes),
			"models":     len(cfg.Catalog.Models),
		}).Info("Storage migrated and catalog seeded")
		return nil
	},
}

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Forecast load from stored metric history",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadCommandApplication(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		return printJSON(cmd.OutOrStdout(), app.forecaster.ForecastLoad(forecastHorizon, forecastTaskType))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "task-router %s\n", version)
	},
}

// loadCommandConfig loads configuration for one-shot commands. Logs go to
// stderr so stdout carries only command output.
func loadCommandConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, logger, nil
}

func loadCommandApplication(ctx context.Context) (*Application, error) {
	cfg, logger, err := loadCommandConfig()
	if err != nil {
		return nil, err
	}
	return newApplication(ctx, cfg, clock.New(), logger)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	routeCmd.Flags().StringVar(&routeTaskType, "task-type", "", "Task type to route")
	routeCmd.Flags().IntVar(&routeTokens, "tokens", 0, "Estimated tokens")
	routeCmd.Flags().StringVar(&routeTier, "tier", "", "User tier (free, pro, enterprise)")
	routeCmd.Flags().StringVar(&routePriority, "priority", "", "Business priority (low, normal, high, critical)")
	routeCmd.Flags().BoolVar(&routeRequiresLocal, "requires-local", false, "Only consider local providers")
	routeCmd.Flags().StringVar(&routePreferred, "prefer", "", "Preferred provider")

	forecastCmd.Flags().IntVar(&forecastHorizon, "horizon", intelligence.DefaultForecastHorizon, "Forecast horizon in hours")
	forecastCmd.Flags().StringVar(&forecastTaskType, "task-type", "", "Restrict the forecast to one task type")

	rootCmd.AddCommand(serveCmd, routeCmd, migrateCmd, forecastCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
