// Package main is opsctl, the operator CLI. It talks to the database
// directly with the same configuration as the API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"briefing/internal/app"
	"briefing/internal/config"
	"briefing/internal/redemption"
)

// opener connects the services for one command.
type opener func(ctx context.Context) (*app.Services, func(), error)

func main() {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	root := newRootCmd(connect, os.Stdout)
	root.AddCommand(newSecretsCmd(connectSSM(region, os.Getenv("AWS_ENDPOINT_URL"))))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*app.Services, func(), error) {
	cfg, err := config.LoadConfig(config.NewSecretProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rt, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt.Services, func() { _ = rt.Close(context.Background()) }, nil
}

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operate the briefing entitlement service",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(newCodesCmd(open), newDeliveriesCmd(open), newEventsCmd(open))
	return root
}

// withServices opens the services, runs fn, and prints its result as JSON.
func withServices(cmd *cobra.Command, open opener, fn func(ctx context.Context, svc *app.Services) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	v, err := fn(ctx, svc)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCodesCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "codes", Short: "Manage access codes"}

	var (
		code, createdBy, note string
		expiresIn             time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new access code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, open, func(ctx context.Context, svc *app.Services) (any, error) {
				in := redemption.CreateCodeInput{Code: code, CreatedBy: createdBy, Note: note}
				if expiresIn > 0 {
					at := time.Now().Add(expiresIn)
					in.ExpiresAt = &at
				}
				return svc.Redemption.CreateCode(ctx, in)
			})
		},
	}
	create.Flags().StringVar(&code, "code", "", "explicit code (generated when empty)")
	create.Flags().StringVar(&createdBy, "created-by", defaultOperator(), "operator recorded on the code")
	create.Flags().StringVar(&note, "note", "", "free-form note")
	create.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime (configured default when zero)")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recently created access codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, open, func(ctx context.Context, svc *app.Services) (any, error) {
				return svc.Redemption.ListCodes(ctx, limit)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum codes to list")

	cmd.AddCommand(create, list)
	return cmd
}

func newDeliveriesCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "deliveries", Short: "Inspect and retry the delivery ledger"}

	var limit int
	status := &cobra.Command{
		Use:   "status",
		Short: "Show dead-letter and failure counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, open, func(ctx context.Context, svc *app.Services) (any, error) {
				return svc.Sweeper.Status(ctx, limit)
			})
		},
	}
	status.Flags().IntVar(&limit, "limit", 20, "recent errors to include")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, open, func(ctx context.Context, svc *app.Services) (any, error) {
				return svc.Sweeper.Run(ctx)
			})
		},
	}

	cmd.AddCommand(status, sweep)
	return cmd
}

func newEventsCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Maintain processed webhook event ids"}

	var retention time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete processed event ids older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, open, func(ctx context.Context, svc *app.Services) (any, error) {
				if svc.EventStore == nil {
					return nil, fmt.Errorf("durable event guard is disabled (IDEMPOTENCY_USE_STORE=false)")
				}
				n, err := svc.EventStore.PurgeOlderThan(ctx, retention)
				if err != nil {
					return nil, err
				}
				return map[string]int64{"purged": n}, nil
			})
		},
	}
	purge.Flags().DurationVar(&retention, "retention", 30*24*time.Hour, "age beyond which ids are deleted")

	cmd.AddCommand(purge)
	return cmd
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "opsctl"
}
