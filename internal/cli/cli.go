// Package cli is the autoflow command line: the API server plus the operator
// commands that act on the same database without going through HTTP.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yungbote/autoflow-backend/internal/app"
	"github.com/yungbote/autoflow-backend/internal/data/db"
	"github.com/yungbote/autoflow-backend/internal/http/middleware"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

var envFiles []string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "autoflow",
		Short:         "Automation resilience control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return app.LoadEnvFiles(envFiles...)
	}

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildMigrateCommand())
	rootCmd.AddCommand(buildSweepCommand())
	rootCmd.AddCommand(buildKillSwitchCommand())
	rootCmd.AddCommand(buildTokenCommand())

	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildServeCommand() *cobra.Command {
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg := app.LoadConfig()
			if noSweeper {
				cfg.RunSweeper = false
			}
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not schedule cleanup jobs in this process")
	return cmd
}

func buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the control plane tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig()
			log, err := logger.New(cfg.LogMode)
			if err != nil {
				return err
			}
			defer log.Sync()

			dbs, err := db.NewService(log, cfg.DB)
			if err != nil {
				return err
			}
			defer dbs.Close()
			if err := dbs.AutoMigrateAll(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", dbs.Driver())
			return nil
		},
	}
}

func buildSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every cleanup job once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, app.LoadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.Services.Sweeper.RunOnce(ctx)
			printCounts(cmd.OutOrStdout(), removed)
			return err
		},
	}
}

func printCounts(w io.Writer, counts map[string]int64) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%-28s %d\n", name, counts[name])
	}
}

func buildKillSwitchCommand() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:       "kill-switch on|off|status",
		Short:     "Inspect or flip the global or per-owner kill switch",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var ownerID *uuid.UUID
			if owner != "" {
				id, err := uuid.Parse(owner)
				if err != nil {
					return fmt.Errorf("invalid --owner: %w", err)
				}
				ownerID = &id
			}

			ctx, stop := signalContext()
			defer stop()
			a, err := app.New(ctx, app.LoadConfig())
			if err != nil {
				return err
			}
			defer a.Close()
			gate := a.Services.Gate

			switch args[0] {
			case "on", "off":
				enabled := args[0] == "on"
				if ownerID != nil {
					err = gate.ToggleOwnerKillSwitch(ctx, *ownerID, enabled)
				} else {
					err = gate.ToggleGlobalKillSwitch(ctx, enabled)
				}
				if err != nil {
					return err
				}
			}
			eff, err := gate.GetConfig(ctx, ownerID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scope=%s source=%s kill_switch=%t global_kill_switch=%t\n",
				eff.ScopeKey, eff.Source, eff.KillSwitch, eff.GlobalKillSwitch)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id; omit for the global switch")
	return cmd
}

func buildTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig()
			if ttl <= 0 {
				ttl = cfg.AdminTokenTTL
			}
			tok, err := middleware.IssueOperatorToken(cfg.AdminJWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject, recorded in audit logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default ADMIN_TOKEN_TTL)")
	return cmd
}
