package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditguard/internal/audit"
	"github.com/smallbiznis/creditguard/internal/clock"
	"github.com/smallbiznis/creditguard/internal/config"
	"github.com/smallbiznis/creditguard/internal/identity"
	identitydomain "github.com/smallbiznis/creditguard/internal/identity/domain"
	"github.com/smallbiznis/creditguard/internal/ledger"
	"github.com/smallbiznis/creditguard/internal/migration"
	"github.com/smallbiznis/creditguard/internal/observability"
	"github.com/smallbiznis/creditguard/internal/plan"
	"github.com/smallbiznis/creditguard/internal/ratelimit"
	"github.com/smallbiznis/creditguard/internal/redis"
	"github.com/smallbiznis/creditguard/internal/scheduler"
	"github.com/smallbiznis/creditguard/internal/server"
	"github.com/smallbiznis/creditguard/internal/subscription"
	"github.com/smallbiznis/creditguard/internal/usage"
	"github.com/smallbiznis/creditguard/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "creditguard",
		Short:   "Credit ledger, quota and billing reconciliation service",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newMigrateCmd(), newServeCmd(), newSchedulerCmd(), newAllCmd(), newAPIKeyCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and seed the plan catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run background jobs only",
		RunE: func(cmd *cobra.Command, args []string) error {
			runScheduler()
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then start the API and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runServe()
			return nil
		},
	}
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage subscriber API keys",
	}

	var (
		email  string
		name   string
		scopes []string
		ttl    time.Duration
	)
	create := &cobra.Command{
		Use:   "create <subscriber-id>",
		Short: "Issue an API key for a subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := identitydomain.IssueRequest{
				SubscriberID: args[0],
				Email:        email,
				Name:         name,
				Scopes:       scopes,
			}
			if ttl > 0 {
				expires := time.Now().UTC().Add(ttl)
				req.ExpiresAt = &expires
			}
			return withIdentity(func(ctx context.Context, svc identitydomain.Service) error {
				issued, err := svc.Issue(ctx, req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "subscriber: %s\n", issued.SubscriberID)
				fmt.Fprintf(out, "prefix:     %s\n", issued.KeyPrefix)
				fmt.Fprintf(out, "api key:    %s\n", issued.APIKey)
				if issued.ExpiresAt != nil {
					fmt.Fprintf(out, "expires:    %s\n", issued.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	create.Flags().StringVar(&email, "email", "", "subscriber email")
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringSliceVar(&scopes, "scope", nil, "restrict the key to a scope (credits, checkout); repeatable")
	create.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime, zero for no expiry")

	revoke := &cobra.Command{
		Use:   "revoke <subscriber-id> <key-prefix>",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(func(ctx context.Context, svc identitydomain.Service) error {
				if err := svc.Revoke(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[1])
				return nil
			})
		},
	}

	cmd.AddCommand(create, revoke)
	return cmd
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runServe() {
	app := fx.New(
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func runScheduler() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		audit.Module,
		plan.Module,
		subscription.Module,
		ledger.Module,
		usage.Module,
		ratelimit.Module,
		scheduler.Module,
	)
	app.Run()
}

func withIdentity(fn func(ctx context.Context, svc identitydomain.Service) error) error {
	var svc identitydomain.Service
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		identity.Module,
		fx.Populate(&svc),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(context.Background()) }()
	return fn(ctx, svc)
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
