package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"PBXNotifier/internal/app"
	"PBXNotifier/internal/config"
	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/formatting"
	"PBXNotifier/internal/logging"
	"PBXNotifier/internal/usecase"
)

// cliRequester is the session key for one-shot runs from the terminal.
const cliRequester = "cli"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pbxnotifier",
		Short:         "Post OnlinePBX call notifications to a Telegram channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config (overrides PBX_NOTIFIER_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	for _, period := range usecase.Periods {
		cmd.AddCommand(newPeriodCommand(opts, period))
	}
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	if o.configPath != "" {
		if err := os.Setenv("PBX_NOTIFIER_CONFIG", o.configPath); err != nil {
			return config.Config{}, fmt.Errorf("set config path: %w", err)
		}
	}
	cfg := config.Load()
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

// withApp builds the application, runs fn and releases everything afterwards.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app.Application, *slog.Logger) error) error {
	cfg, err := o.load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close application", "err", err)
		}
	}()

	return fn(application, logger)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled checks and answer bot commands until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, logger *slog.Logger) error {
				logger.Info("pbxnotifier starting", "version", version)
				if err := a.Run(cmd.Context()); err != nil {
					return err
				}
				logger.Info("pbxnotifier stopped")
				return nil
			})
		},
	}
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Deliver calls completed since the last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				report, err := a.Service().CheckNow(cmd.Context(), cliRequester)
				if err != nil {
					return err
				}
				return printMarkup(cmd.OutOrStdout(), formatting.FormatReport(report, ""))
			})
		},
	}
}

func newPeriodCommand(opts *rootOptions, period usecase.Period) *cobra.Command {
	return &cobra.Command{
		Use:   string(period),
		Short: "Deliver every call from " + period.Label(),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				report, err := a.Service().Period(cmd.Context(), cliRequester, period)
				if err != nil {
					return err
				}
				return printMarkup(cmd.OutOrStdout(), formatting.FormatReport(report, period.Label()))
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise call volume for today, this month and the last 24 hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				stats, err := a.Service().Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printMarkup(cmd.OutOrStdout(), a.Formatter().FormatStats(stats))
			})
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				entries, err := a.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printHistory(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func printMarkup(w io.Writer, markup string) error {
	_, err := fmt.Fprintln(w, formatting.VisibleText(markup))
	return err
}

func printHistory(w io.Writer, entries []domain.DeliveryEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No deliveries recorded yet.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DELIVERED\tCALL\tOUTCOME\tATTEMPTS\tSUMMARY")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			humanize.Time(e.DeliveredAt), e.CallID, e.Outcome, e.Attempts, e.Summary)
	}
	return tw.Flush()
}
