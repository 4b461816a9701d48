// Package cli provides operational commands for strut apps: inspecting
// the resolved configuration, running health checks, and applying
// database migrations. Apps mount it on their root command or use
// Execute directly.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/strutframework/strut/internal/runtime"
	configpkg "github.com/strutframework/strut/internal/runtime/config"
	"github.com/strutframework/strut/internal/runtime/jsoncodec"
)

// Options parameterizes the command tree.
type Options struct {
	// AppName is the binary name shown in help output.
	AppName string
	// ConfigDir overrides where config documents are read from.
	ConfigDir string
	// Environment pins the environment instead of resolving it from
	// the process environment.
	Environment string
	// Routes is the app's route registration callback, used by the
	// routes command to list what the HTTP service would serve.
	Routes func(chi.Router)
}

// NewRootCommand builds the strut command tree.
func NewRootCommand(opts Options) *cobra.Command {
	name := opts.AppName
	if name == "" {
		name = "strut"
	}

	root := &cobra.Command{
		Use:           name,
		Short:         name + " operational commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", opts.ConfigDir, "directory holding config documents")
	root.PersistentFlags().StringVarP(&opts.Environment, "environment", "e", opts.Environment, "environment to resolve config for")

	root.AddCommand(
		newConfigCommand(&opts),
		newHealthCommand(&opts),
		newRoutesCommand(&opts),
		newMigrateCommand(&opts),
	)
	return root
}

// Execute runs the command tree and exits non-zero on error.
func Execute(opts Options) {
	if err := NewRootCommand(opts).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, opts *Options) (*configpkg.AppConfig, error) {
	return configpkg.Load(cmd.Context(), configpkg.Options{
		ConfigDir:   opts.ConfigDir,
		Environment: opts.Environment,
	})
}

// newConfigCommand prints the resolved configuration with credentials
// redacted.
func newConfigCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long:  "Resolves configuration from all layers and prints it as JSON with credentials redacted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}

// newHealthCommand runs the app's health checks once and prints the
// report.
func newHealthCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run health checks against the configured dependencies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			app, err := runtime.NewApp(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}

			report := runtime.RunHealthChecks(cmd.Context(), app.Context())
			out, err := jsoncodec.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !report.Healthy {
				return errors.New("one or more health checks failed")
			}
			return nil
		},
	}
}

// newRoutesCommand lists the routes the HTTP service would serve,
// default routes included.
func newRoutesCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the routes served by the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			app, err := runtime.NewApp(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}

			routes, err := runtime.NewHTTPService(opts.Routes).Routes(app.Context())
			if err != nil {
				return err
			}
			for _, info := range routes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-7s %s\n", info.Method, info.Route)
			}
			return nil
		},
	}
}

// newMigrateCommand applies or rolls back database migrations using the
// configured migration source.
func newMigrateCommand(opts *Options) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	run := func(cmd *cobra.Command, apply func(*migrate.Migrate) error) error {
		cfg, err := loadConfig(cmd, opts)
		if err != nil {
			return err
		}
		if cfg.Database.URI == "" || cfg.Database.MigrationSource == "" {
			return errors.New("database.uri and database.migration-source must be configured")
		}
		m, err := migrate.New(cfg.Database.MigrationSource, cfg.Database.URI)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := apply(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	}

	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, func(m *migrate.Migrate) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, func(m *migrate.Migrate) error { return m.Steps(-1) })
			},
		},
	)
	return migrateCmd
}
