package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ruleengine/internal/chains"
	"ruleengine/internal/config"
	"ruleengine/internal/constants"
	"ruleengine/internal/logger"
	"ruleengine/pkg/bootstrap"
	"ruleengine/pkg/logging"
	"ruleengine/pkg/migrations"
)

var (
	configFile string
)

// @title           Rule Engine Operations API
// @version         1.0
// @description     Health, engine introspection and rule chain management for the rule engine
// @host            localhost:8080
// @BasePath        /api/v1
// @schemes         http https

func main() {
	rootCmd := &cobra.Command{
		Use:   "rule-engine",
		Short: "Multi-tenant rule engine",
		Long:  "Rule engine routes device messages through per-tenant rule chains",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateChainCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigFile() string {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	return configFile
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, error) {
	if resolveConfigFile() == "" {
		earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
		return nil, fmt.Errorf("config file is required")
	}

	earlyLog.Info("Loading configuration from %s", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the rule engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Rule Engine", "tier", cfg.Service.Tier, "broker", cfg.Broker.Type)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				app.Shutdown(context.Background())
				return err
			}

			log.InfowCtx(ctx, "Service running")
			runErr := app.Run(ctx)
			if err := app.Shutdown(context.Background()); err != nil {
				log.ErrorwCtx(ctx, "Shutdown finished with errors", "error", err)
			}
			if runErr != nil && runErr != context.Canceled {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
				return runErr
			}
			log.InfowCtx(ctx, "Service shutdown complete")
			return nil
		},
	}
}

func validateChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-chain <file>...",
		Short: "Check chain YAML files against the node registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Without a config file nodes are checked against in-memory dependencies.
			cfg := &config.Config{}
			if resolveConfigFile() != "" {
				loaded, err := loadConfig(logging.NewEarlyLog())
				if err != nil {
					return err
				}
				cfg = loaded
			}

			registry, err := newValidationRegistry(cfg)
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				graph, err := chains.LoadFile(path)
				if err == nil {
					err = registry.Check(graph)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK   %s (%s, %d nodes)\n", path, graph.ChainID, len(graph.Nodes))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d chains are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()
			if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
				sugaredLogger.SetServiceName(constants.ServiceName)
			}

			ctx := context.Background()
			dbConnector := bootstrap.NewDatabaseConnector(cfg, log)
			db, err := dbConnector.InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			if db == nil {
				return fmt.Errorf("database.postgres is not configured")
			}
			defer db.Close()

			if down > 0 {
				if err := migrations.RollbackPostgres(db, down); err != nil {
					return err
				}
				log.Infow("Rolled back migrations", "steps", down)
				return nil
			}

			version, err := migrations.RunPostgres(db)
			if err != nil {
				return err
			}
			log.Infow("Migrations applied", "version", version)
			return nil
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "Roll back the given number of migrations instead of applying")
	return cmd
}
