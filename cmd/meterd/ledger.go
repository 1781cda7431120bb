package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/meterd/internal/api"
	"github.com/rcourtman/meterd/internal/config"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/spf13/cobra"
)

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify hour ledgers",
	}
	cmd.AddCommand(newLedgerShowCmd(opts), newLedgerVerifyCmd(opts))
	return cmd
}

func newLedgerShowCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <license-key>",
		Short: "Print ledger entries, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(_ *config.Config, store api.Store) error {
				l := ledger.New(store)
				bal, err := l.Balance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				entries, err := l.Entries(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWHEN\tREASON\tDELTA\tBALANCE\tKEY\tNOTE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						e.EntryID, e.CreatedAt.Format(time.RFC3339), e.Reason,
						e.DeltaHours.String(), e.ResultingBalance.String(), e.IdempotencyKey, e.Note)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %s remaining (%s purchased, %s used, %s)\n",
					bal.LicenseKey, bal.HoursRemaining, bal.PurchasedHours, bal.UsedHours, bal.Status)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest n entries")
	return cmd
}

func newLedgerVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <license-key>",
		Short: "Replay a ledger and check its running balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(_ *config.Config, store api.Store) error {
				report, err := ledger.New(store).Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: %d entries, replay %s, stored %s\n",
					report.LicenseKey, report.Entries, report.ReplayBalance, report.StoredBalance)
				for _, p := range report.Problems {
					fmt.Fprintf(out, "  - %s\n", p)
				}
				if !report.Consistent {
					return fmt.Errorf("ledger for %s is inconsistent", report.LicenseKey)
				}
				fmt.Fprintln(out, "OK")
				return nil
			})
		},
	}
}
