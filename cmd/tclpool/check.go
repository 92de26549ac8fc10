package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/houseofcat/turbocookedlite/pkg/tcl"
)

func newCheckCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run PRAGMA quick_check on the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), flags)
		},
	}
}

func runCheck(ctx context.Context, flags *globalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pool, _, logger, err := newPool(flags)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer pool.Close()

	connHost, err := pool.Checkout(ctx)
	if err != nil {
		return err
	}

	err = connHost.Do(func(conn tcl.Conn) error {
		switch c := conn.(type) {
		case *tcl.LiteConn:
			return c.QuickCheck()
		case *tcl.SQLConn:
			return c.QuickCheck(ctx)
		default:
			return fmt.Errorf("unsupported connection %T", conn)
		}
	})

	// a corrupt handle is retired by the pool; checking it in is still safe
	if checkinErr := pool.Checkin(connHost); checkinErr != nil {
		logger.Warn("failed to check in connection", zap.Error(checkinErr))
	}

	if err != nil {
		return fmt.Errorf("%s: %w", pool.Path(), err)
	}

	logger.Info("quick_check ok", zap.String("database", pool.Path()))
	return nil
}
