package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/civicpulse/backend/internal/analytics"
	"github.com/civicpulse/backend/internal/auth"
	"github.com/civicpulse/backend/internal/votes"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRollupCommand() *cobra.Command {
	rollupCmd := &cobra.Command{
		Use:   "rollup",
		Short: "Manage the analytics rollup",
	}
	rollupCmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the rollup from the live vote shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			materializer, err := analytics.NewMaterializer(analytics.MaterializerConfig{
				Database: rt.db,
				Retry:    rt.retryPolicy(),
				Logger:   rt.logger,
			})
			if err != nil {
				return err
			}
			result, err := materializer.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "buckets=%d shard_rows=%d counter_sum=%d shard_version=%d\n",
				result.Buckets, result.ShardRows, result.CounterSum, result.ShardVersion)
			return err
		},
	})
	return rollupCmd
}

func newIdempotencyCommand() *cobra.Command {
	var olderThan time.Duration
	idempotencyCmd := &cobra.Command{
		Use:   "idempotency",
		Short: "Manage stored batch idempotency records",
	}
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete idempotency records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			retention := olderThan
			if retention <= 0 {
				retention = rt.config.IdempotencyRetention
			}
			engine, err := votes.NewEngine(votes.EngineConfig{
				Database: rt.db,
				Subjects: noSubjects{},
				Retry:    rt.retryPolicy(),
				Logger:   rt.logger,
			})
			if err != nil {
				return err
			}
			purged, err := engine.PurgeIdempotency(cmd.Context(), retention)
			if err != nil {
				return err
			}
			rt.logger.Info("idempotency records purged",
				zap.Int64("purged", purged),
				zap.Duration("retention", retention))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged=%d\n", purged)
			return err
		},
	}
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention window (defaults to idempotency.retention)")
	idempotencyCmd.AddCommand(purgeCmd)
	return idempotencyCmd
}

func newSessionCommand() *cobra.Command {
	var (
		userID string
		roles  []string
		geo    string
		party  string
		demo   string
		ttl    time.Duration
	)
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage session tokens",
	}
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a session token for the configured signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(rt.config.Auth.SigningSecret),
				Issuer:        rt.config.Auth.Issuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionClaims{
				UserID:      userID,
				UserRoles:   normalizedRoles(roles),
				GeoBucket:   geo,
				PartyBucket: party,
				DemoBucket:  demo,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\nexpires=%s\n",
				rt.config.Auth.CookieName, token, expiresAt.UTC().Format(time.RFC3339))
			return err
		},
	}
	issueCmd.Flags().StringVar(&userID, "user", "", "User id carried by the session")
	issueCmd.Flags().StringSliceVar(&roles, "role", nil, "Role granted to the session (repeatable)")
	issueCmd.Flags().StringVar(&geo, "geo", "", "Geo bucket")
	issueCmd.Flags().StringVar(&party, "party", "", "Party bucket")
	issueCmd.Flags().StringVar(&demo, "demo", "", "Demographic bucket")
	issueCmd.Flags().DurationVar(&ttl, "ttl", 0, "Session lifetime (defaults to 12h)")
	_ = issueCmd.MarkFlagRequired("user")
	sessionCmd.AddCommand(issueCmd)
	return sessionCmd
}

// noSubjects backs engines that never process batches.
type noSubjects struct{}

func (noSubjects) VotableMessageIDs(_ context.Context, _ []string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func normalizedRoles(roles []string) []string {
	result := make([]string, 0, len(roles))
	for _, role := range roles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
