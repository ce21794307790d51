package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/logger"

	// Register the database URL schemes
	_ "github.com/ajitpratap0/sqlpool/pkg/driver/pgxdriver"
	_ "github.com/ajitpratap0/sqlpool/pkg/driver/sqldriver"
)

var version = "0.1.0"

// globalFlags are shared by every command
type globalFlags struct {
	configFile string
	database   string
	url        string
	debug      bool
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "sqlpool",
		Short: "sqlpool - database connection pool toolkit",
		Long: `sqlpool manages pools of database connections with a bounded read-write side
and a shared read-only connection. The CLI inspects, exercises and bootstraps pools
configured in a YAML file, through SQLPOOL_* variables or a DATABASE_URL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(flags)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Log); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger.Debug("configuration loaded",
				zap.String("file", flags.configFile),
				zap.Int("databases", len(cfg.Databases)))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVarP(&flags.database, "database", "d", "", "Name of the configured database to use (defaults to the first)")
	root.PersistentFlags().StringVar(&flags.url, "url", "", "Database URL, overrides the configuration (e.g. sqlite3:///app.db)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Log every pool event at debug level")

	cfgFn := func() *config.Config { return cfg }

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sqlpool v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "schemes",
		Short: "List the registered database URL schemes",
		Run: func(cmd *cobra.Command, args []string) {
			for _, scheme := range driver.Schemes() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", scheme)
			}
		},
	})

	root.AddCommand(newStatsCommand(flags, cfgFn))
	root.AddCommand(newBootstrapCommand(flags, cfgFn))
	root.AddCommand(newSimulateCommand(flags, cfgFn))

	return root
}

// loadConfig merges the config file, SQLPOOL_* environment variables and
// the global flags.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetEnvPrefix("SQLPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags.configFile != "" {
		v.SetConfigFile(flags.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", flags.configFile, err)
		}
	}
	if flags.debug {
		v.Set("log.level", "debug")
	}

	cfg, err := config.LoadViper(v)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		for i := range cfg.Databases {
			cfg.Databases[i].Pool.Debug = true
		}
	}
	return cfg, nil
}
