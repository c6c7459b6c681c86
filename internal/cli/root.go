// Package cli holds the cobra commands of the pairing server binary.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/tv-device-pairing/internal/config"
	"github.com/sandeepkv93/tv-device-pairing/internal/di"
	"github.com/sandeepkv93/tv-device-pairing/internal/repository"
)

type rootOptions struct {
	configFile string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pairing",
		Short:         "TV device pairing service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional config file (yaml, json or toml)")
	cmd.AddCommand(newServeCommand(opts), newMigrateCommand(opts), newSweepCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrate {
				if err := runMigrate(ctx, cfg); err != nil {
					return err
				}
			}
			a, cleanup, err := di.InitializeApp(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer cleanup()
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "run schema migrations before serving")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the relational schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark stale pending sessions expired and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			total, err := runSweep(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			cmd.Printf("expired %d sessions\n", total)
			return nil
		},
	}
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	m, cleanup, err := di.InitializeMaintenance(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize maintenance: %w", err)
	}
	defer cleanup()
	if m.Infra.DB == nil {
		m.Logger.Info("store has no relational schema, nothing to migrate", "store_driver", cfg.StoreDriver)
		return nil
	}
	return repository.Migrate(m.Infra.DB, cfg.IdentityDriver == config.IdentityDriverLocal, m.Logger)
}

// runSweep drains every stale pending session in batches.
func runSweep(ctx context.Context, cfg *config.Config) (int, error) {
	m, cleanup, err := di.InitializeMaintenance(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("initialize maintenance: %w", err)
	}
	defer cleanup()
	total := 0
	for {
		n, err := m.Sweeper.SweepOnce(ctx)
		total += n
		if err != nil {
			return total, fmt.Errorf("sweep: %w", err)
		}
		if n == 0 {
			m.Logger.Info("sweep complete", "expired", total)
			return total, nil
		}
	}
}
