package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/internal/config"
	"github.com/MarkoPoloResearchLab/storycredits/internal/rpcapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagDryRun   = "dry-run"
	flagUser     = "user"
	flagLookback = "lookback"
	flagLimit    = "limit"
)

type sweepOptions struct {
	dryRun   bool
	user     string
	lookback time.Duration
	limit    int
}

func newSweepCommand() *cobra.Command {
	options := sweepOptions{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one compensation sweep and print what it did",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runSweep(cmd.Context(), cfg, options, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&options.dryRun, flagDryRun, false, "report decisions without changing balances")
	cmd.Flags().StringVar(&options.user, flagUser, "", "restrict the sweep to one user id")
	cmd.Flags().DurationVar(&options.lookback, flagLookback, 0, "failure window, rounded up to minutes (defaults to --sweep-lookback)")
	cmd.Flags().IntVar(&options.limit, flagLimit, 0, "maximum reservations visited (defaults to --sweep-batch-size)")
	return cmd
}

func runSweep(ctx context.Context, cfg config.Config, options sweepOptions, out io.Writer) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := openLedger(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	response, err := rpcapi.NewHandler(service).Scan(ctx, scanRequest(cfg, options))
	if err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("sweep rejected: %s", response.Reason)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

func scanRequest(cfg config.Config, options sweepOptions) rpcapi.ScanRequest {
	lookback := options.lookback
	if lookback <= 0 {
		lookback = cfg.SweepLookback
	}
	limit := options.limit
	if limit <= 0 {
		limit = cfg.SweepBatchSize
	}
	return rpcapi.ScanRequest{
		UserFilter:      options.user,
		LookbackMinutes: int64((lookback + time.Minute - 1) / time.Minute),
		DryRun:          options.dryRun,
		Limit:           limit,
	}
}
