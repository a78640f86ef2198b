package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/scranton_puts/internal/dashboard"
	"github.com/eddiefleurent/scranton_puts/internal/storage"
)

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "allocator",
		Short:         "Cash-secured put strike finder and margin allocator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml (defaults when empty)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(planCmd(opts))
	root.AddCommand(stageCmd(opts))
	root.AddCommand(serveCmd(opts))
	root.AddCommand(ledgerCmd(opts))
	return root
}

func addPlanFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVar(&opts.candidatesPath, "candidates", "", "JSON file of option legs keyed by symbol (sample universe when empty)")
	f.StringVar(&opts.sectorsPath, "sectors", "", "JSON file mapping symbol to sector")
	f.Float64Var(&opts.budget, "budget", 0, "margin budget in dollars (derived from account equity when unset)")
	f.BoolVar(&opts.offline, "offline", false, "skip the broker and use estimated margin only")
	f.Float64Var(&opts.paperEquity, "paper-equity", 250000, "net liquidation value reported by the paper broker")
	f.StringVar(&opts.format, "format", "text", "output format: text or json")
}

func planCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Find strikes and build a portfolio plan without staging it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.budgetSet = cmd.Flags().Changed("budget")
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			plan, err := a.buildPlan(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := writePlan(cmd.OutOrStdout(), plan, opts.format); err != nil {
				return err
			}
			if plan.Fatal {
				return errFatalPlan
			}
			return nil
		},
	}
	addPlanFlags(cmd, opts)
	return cmd
}

func stageCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Build a portfolio plan and record its trades in the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.budgetSet = cmd.Flags().Changed("budget")
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			plan, err := a.buildPlan(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := writePlan(cmd.OutOrStdout(), plan, opts.format); err != nil {
				return err
			}
			if plan.Fatal {
				return errFatalPlan
			}

			added, err := a.ledger.Stage(cmd.Context(), plan)
			if err != nil {
				return fmt.Errorf("staging trades: %w", err)
			}
			a.log.Info().Int("staged", len(added)).Str("ledger", a.cfg.Storage.Path).Msg("Trades staged")
			return writeEntries(cmd.OutOrStdout(), added)
		},
	}
	addPlanFlags(cmd, opts)
	return cmd
}

func serveCmd(opts *options) *cobra.Command {
	var (
		port  int
		token string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the staged-trade ledger over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("DASHBOARD_AUTH_TOKEN")
			}

			srv := dashboard.NewServer(dashboard.Config{Port: port, AuthToken: token}, a.ledger, a.metrics.Registry(), a.log)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "listen port")
	cmd.Flags().StringVar(&token, "auth-token", "", "required X-Auth-Token (DASHBOARD_AUTH_TOKEN when empty)")
	return cmd
}

func ledgerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and update staged trades",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(&options{configPath: opts.configPath, envFile: opts.envFile, offline: true}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			total, count, err := a.ledger.CommittedMargin(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeEntries(cmd.OutOrStdout(), a.ledger.Entries()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Committed: %s across %d trades\n", money(total), count)
			return err
		},
	})

	var reason string
	setStatus := &cobra.Command{
		Use:   "set-status ID STATUS",
		Short: "Move a ledger entry to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(&options{configPath: opts.configPath, envFile: opts.envFile, offline: true}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			err = a.ledger.UpdateStatus(cmd.Context(), args[0], storage.Status(args[1]), reason)
			if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrEntryNotFound) {
				return fmt.Errorf("cannot update %s: %w", args[0], err)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			return err
		},
	}
	setStatus.Flags().StringVar(&reason, "reason", "", "reason recorded with the change")
	cmd.AddCommand(setStatus)

	return cmd
}
