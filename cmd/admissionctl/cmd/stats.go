package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"admission-service/internal/service"
)

func newStatsCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show denial totals and list sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				report, err := svc.Stats(ctx, days)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "days in the daily series (max 90)")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the most recent denials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				events, err := svc.RecentEvents(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), events)
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "number of events")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "reset <key>",
		Short:   "Clear one rate limit window",
		Example: "  admissionctl reset ratelimit:ip:203.0.113.7:login",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				existed, err := svc.ResetWindow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"key": args[0], "existed": existed})
			})
		},
	}
}
