package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/divelog/ticketledger/internal/config"
	"github.com/divelog/ticketledger/pkg/ticketledger"
)

type rootOptions struct {
	configPath string
	userID     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "ticketd",
		Short:         "Consumable AI-assistant tickets for the dive logbook",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to a YAML config file (TICKETD_* environment variables override it)")

	root.AddCommand(
		newServeCmd(opts),
		newGrantCmd(opts),
		newConsumeCmd(opts),
		newSyncCmd(opts),
		newResyncCmd(opts),
		newSummaryCmd(opts),
	)
	return root
}

// withApp loads config, opens the backends and runs fn
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(a *app) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func addUserFlag(cmd *cobra.Command, opts *rootOptions) {
	cmd.Flags().StringVarP(&opts.userID, "user", "u", "", "user ID (required)")
	_ = cmd.MarkFlagRequired("user")
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGrantCmd(opts *rootOptions) *cobra.Command {
	var reason, category, timeZone string
	cmd := &cobra.Command{
		Use:       "grant daily|contribution|test",
		Short:     "Grant a ticket to a user",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(ticketledger.KindDaily), string(ticketledger.KindContribution), string(ticketledger.KindTest)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				ctx := cmd.Context()
				if err := a.ledger.EnsureProfile(ctx, opts.userID, timeZone); err != nil {
					return err
				}

				granted := true
				var err error
				switch ticketledger.TicketKind(args[0]) {
				case ticketledger.KindDaily:
					granted, err = a.ledger.GrantDaily(ctx, opts.userID)
				case ticketledger.KindContribution:
					err = a.ledger.GrantContribution(ctx, opts.userID, reason,
						ticketledger.ContributionCategory(category))
				case ticketledger.KindTest:
					err = a.ledger.GrantTest(ctx, opts.userID, reason)
				}
				if err != nil {
					return fmt.Errorf("grant %s: %w", args[0], err)
				}

				summary, err := a.ledger.Summary(ctx, opts.userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"granted":         granted,
					"total_available": summary.TotalAvailable,
				})
			})
		},
	}
	addUserFlag(cmd, opts)
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the ticket")
	cmd.Flags().StringVar(&category, "category", "", "contribution category: points, creatures or reviews")
	cmd.Flags().StringVar(&timeZone, "tz", "", "IANA time zone for a new profile's daily boundary")
	return cmd
}

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Spend one ticket use for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				consumed, err := a.ledger.Consume(cmd.Context(), opts.userID)
				if err != nil {
					return err
				}
				if !consumed {
					return fmt.Errorf("no tickets left for %s", opts.userID)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "consumed")
				return nil
			})
		},
	}
	addUserFlag(cmd, opts)
	return cmd
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Load a user into an empty local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				synced, err := a.ledger.InitialSync(cmd.Context(), opts.userID)
				if err != nil {
					return err
				}
				if synced {
					fmt.Fprintln(cmd.OutOrStdout(), "synced")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "already synced")
				}
				return nil
			})
		},
	}
	addUserFlag(cmd, opts)
	return cmd
}

func newResyncCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Rebuild a user's local cache from the remote store and repair the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				if err := a.ledger.ForceResync(cmd.Context(), opts.userID); err != nil {
					return err
				}
				summary, err := a.ledger.Summary(cmd.Context(), opts.userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	addUserFlag(cmd, opts)
	return cmd
}

func newSummaryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show a user's summary and usable tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				ctx := cmd.Context()
				summary, err := a.ledger.Summary(ctx, opts.userID)
				if err != nil {
					return err
				}
				tickets, err := a.ledger.Tickets(ctx, opts.userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"summary": summary,
					"tickets": tickets,
				})
			})
		},
	}
	addUserFlag(cmd, opts)
	return cmd
}
