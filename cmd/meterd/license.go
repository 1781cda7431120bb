package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/meterd/internal/api"
	"github.com/rcourtman/meterd/internal/config"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/spf13/cobra"
)

func newLicenseCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "License management commands",
		Long: `Create, revoke and list licenses directly against the store.

A running server picks up offline changes once its balance cache entry
expires (BALANCE_CACHE_TTL_SECONDS).`,
	}
	cmd.AddCommand(newLicenseCreateCmd(opts), newLicenseRevokeCmd(opts), newLicenseListCmd(opts))
	return cmd
}

func newLicenseCreateCmd(opts *rootOptions) *cobra.Command {
	var email, label, hours string
	cmd := &cobra.Command{
		Use:   "create [license-key]",
		Short: "Create a license, generating a key when none is given",
		Example: `  # Generated key with 5 starting hours
  meterd license create --hours 5 --email dev@example.com

  # Explicit key
  meterd license create lk_DEMO`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := ledger.ParseHours(hours)
			if err != nil {
				return err
			}
			if initial.IsNegative() {
				return fmt.Errorf("--hours must not be negative")
			}
			return withStore(cmd.Context(), opts, func(_ *config.Config, store api.Store) error {
				ctx := cmd.Context()
				svc := license.NewService(store)

				var lic *license.License
				if len(args) == 1 {
					lic, err = svc.Create(ctx, args[0], email, label)
				} else {
					lic, err = svc.Register(ctx, email, label)
				}
				if err != nil {
					return err
				}

				balance := ledger.NormalizeHours(initial)
				if balance.IsPositive() {
					res, err := ledger.New(store).Adjust(ctx, lic.Key, balance, "initial credit", "admin-initial")
					if err != nil {
						return fmt.Errorf("license %s created but initial credit failed: %w", lic.Key, err)
					}
					balance = res.Balance
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s hours\n", lic.Key, balance.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&label, "label", "", "free-form label")
	cmd.Flags().StringVar(&hours, "hours", "0", "hours to credit on creation")
	return cmd
}

func newLicenseRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <license-key>",
		Short: "Revoke a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(_ *config.Config, store api.Store) error {
				lic, err := license.NewService(store).Revoke(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", lic.Key, lic.Status)
				return nil
			})
		},
	}
}

func newLicenseListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List licenses with their balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(_ *config.Config, store api.Store) error {
				ctx := cmd.Context()
				list, err := license.NewService(store).List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tSTATUS\tHOURS\tEMAIL\tCREATED")
				for _, l := range list {
					hours := "?"
					if bal, err := store.Summary(ctx, l.Key); err == nil {
						hours = bal.HoursRemaining.String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.Key, l.Status, hours, l.Email, l.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}
