package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"admission-service/internal/service"
)

func newRevokeCmd(a *app) *cobra.Command {
	var (
		token     string
		tokenHash string
		subject   string
		ttl       time.Duration
		expiresAt string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a bearer credential until it expires",
		Example: `  admissionctl revoke --token "$TOKEN" --expires-at 2025-01-01T00:00:00Z
  admissionctl revoke --hash 3f2a... --ttl 2h --subject 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.RevokeRequest{
				Token:      token,
				TokenHash:  tokenHash,
				SubjectID:  subject,
				TTLSeconds: int64(ttl / time.Second),
			}
			if expiresAt != "" {
				at, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("--expires-at: %w", err)
				}
				req.ExpiresAt = &at
			}

			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				result, err := svc.Revoke(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "raw bearer token; hashed before it reaches Redis")
	cmd.Flags().StringVar(&tokenHash, "hash", "", "token hash, as printed by hash-token")
	cmd.Flags().StringVar(&subject, "subject", "", "subject the credential belongs to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "remaining credential lifetime")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "credential expiry (RFC 3339)")
	cmd.MarkFlagsMutuallyExclusive("token", "hash")
	cmd.MarkFlagsOneRequired("token", "hash")
	cmd.MarkFlagsMutuallyExclusive("ttl", "expires-at")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <token-hash>",
		Short: "Lift a revocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				restored, err := svc.Restore(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]bool{"restored": restored})
			})
		},
	}
}

func newRevokedCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoked-count",
		Short: "Count active revocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *service.AdminService) error {
				n, err := svc.RevokedCount(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"count": n})
			})
		},
	}
}

func newHashTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the revocation hash of a token",
		Long: `Print the hash the gateway uses as the revocation key of a token.
The result depends on --token-pepper, which must match the gateway's.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hasher, err := a.hasher()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hasher.HashToken(args[0]))
			return nil
		},
	}
}
