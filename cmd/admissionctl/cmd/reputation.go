package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"admission-service/internal/service"
)

type changeResult struct {
	IP      string `json:"ip"`
	Changed bool   `json:"changed"`
}

func newBanCmd(a *app) *cobra.Command {
	var (
		reason   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ban <ip>",
		Short: "Ban an IP permanently, or temporarily with --duration",
		Example: `  admissionctl ban 203.0.113.7 --reason "credential stuffing"
  admissionctl ban 203.0.113.7 --duration 30m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes := int(duration / time.Minute)
			if duration > 0 && duration%time.Minute != 0 {
				return fmt.Errorf("--duration must be a whole number of minutes, got %s", duration)
			}
			if duration < 0 {
				return fmt.Errorf("--duration must not be negative")
			}
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				changed, err := svc.Ban(ctx, service.BanRequest{IP: args[0], Reason: reason, Duration: minutes})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), changeResult{IP: args[0], Changed: changed})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the ban")
	cmd.Flags().DurationVar(&duration, "duration", 0, "temporary ban length in whole minutes, e.g. 45m")
	return cmd
}

func newUnbanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unban <ip>",
		Short: "Lift permanent and temporary bans on an IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				changed, err := svc.Unban(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), changeResult{IP: args[0], Changed: changed})
			})
		},
	}
}

func newBansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bans",
		Short: "List banned IPs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				bans, err := svc.Bans(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), bans)
			})
		},
	}
}

func newWhitelistCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage IPs that bypass every ban",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <ip>",
			Short: "Whitelist an IP",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
					changed, err := svc.Allow(ctx, service.WhitelistRequest{IP: args[0]})
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), changeResult{IP: args[0], Changed: changed})
				})
			},
		},
		&cobra.Command{
			Use:   "remove <ip>",
			Short: "Remove an IP from the whitelist",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
					changed, err := svc.Disallow(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), changeResult{IP: args[0], Changed: changed})
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List whitelisted IPs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
					ips, err := svc.Whitelist(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), ips)
				})
			},
		},
	)
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the reputation audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				entries, err := svc.AuditLog(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "number of entries")
	return cmd
}
