package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/skillshub-cm/mobile-backend/internal/app"
	"github.com/skillshub-cm/mobile-backend/internal/config"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"github.com/skillshub-cm/mobile-backend/internal/telemetry"
	"github.com/skillshub-cm/mobile-backend/pkg/jwt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// open loads configuration and wires the services. The returned func releases them.
func open(ctx context.Context, configPath string) (*app.App, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Telemetry.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Failed to release backends", zap.Error(err))
		}
		_ = logger.Sync()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stale transactions once and repair missing entitlements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer done()

			report, err := a.Sweep.SweepOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func repairCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Apply entitlements for succeeded transactions that never received one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer done()

			report, err := a.Sweep.RepairEntitlements(cmd.Context())
			if err != nil {
				return fmt.Errorf("repair: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [reference]",
		Short: "Show a transaction and the notifications received for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer done()

			tx, err := a.Stores.Transactions.FindByReference(cmd.Context(), args[0])
			if errors.Is(err, repositories.ErrNotFound) {
				return fmt.Errorf("no transaction with reference %s", args[0])
			}
			if err != nil {
				return err
			}

			out := map[string]any{"transaction": tx}
			if withEvents, _ := cmd.Flags().GetBool("events"); withEvents {
				events, err := a.Stores.Webhooks.FindByReference(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("load notifications: %w", err)
				}
				out["notifications"] = events
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolP("events", "e", true, "Include received notifications")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token [email]",
		Short: "Issue a bearer token for a payer, for support and testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("JWT.Secret must be set")
			}

			tokens := jwt.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpiresIn)*time.Second)
			token, err := tokens.Issue(args[0], args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
