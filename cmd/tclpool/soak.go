package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/houseofcat/turbocookedlite/pkg/tcl"
)

type soakReport struct {
	Workers    int           `json:"Workers"`
	Iterations int           `json:"Iterations"`
	Failures   int           `json:"Failures"`
	Elapsed    string        `json:"Elapsed"`
	Stats      tcl.PoolStats `json:"Stats"`
}

// loggingObserver writes corruption events to the log.
type loggingObserver struct {
	logger *zap.Logger
}

func (lo *loggingObserver) CorruptionOccurred(pool *tcl.ConnectionPool) {
	lo.logger.Error("database reported corruption",
		zap.String("pool_id", pool.ID().String()),
		zap.String("database", pool.Path()))
}

func newSoakCommand(flags *globalFlags) *cobra.Command {
	var workers, iterations int
	var hold time.Duration

	soakCmd := &cobra.Command{
		Use:   "soak",
		Short: "Hammer the pool with concurrent checkouts",
		Long: `Run workers that each check out a connection under their own owner, write a row,
read it back, and check the connection in again. Prints the pool stats as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSoak(cmd.Context(), flags, workers, iterations, hold)
		},
	}

	soakCmd.Flags().IntVarP(&workers, "workers", "w", 8, "Number of concurrent workers")
	soakCmd.Flags().IntVarP(&iterations, "iterations", "n", 1000, "Checkouts per worker")
	soakCmd.Flags().DurationVar(&hold, "hold", 0, "Time each worker keeps its connection checked out")

	return soakCmd
}

func runSoak(ctx context.Context, flags *globalFlags, workers int, iterations int, hold time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pool, seasoning, logger, err := newPool(flags)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer pool.Close()

	if err := pool.AddObserver(&loggingObserver{logger: logger}); err != nil {
		return err
	}

	if nc := seasoning.NotifierConfig; nc != nil && nc.Enabled {
		amqpConn, amqpChan, err := tcl.DialNotifier(nc, 10*time.Second)
		if err != nil {
			return fmt.Errorf("failed to dial notifier: %w", err)
		}
		defer amqpConn.Close()
		defer amqpChan.Close()

		observer, err := tcl.NewAMQPObserver(amqpChan, seasoning, logger)
		if err != nil {
			return err
		}

		if err := pool.AddObserver(observer); err != nil {
			return err
		}
	}

	setup, err := pool.Checkout(ctx)
	if err != nil {
		return err
	}

	err = execStatement(ctx, setup, "CREATE TABLE IF NOT EXISTS soak (worker INTEGER NOT NULL, iteration INTEGER NOT NULL)")
	if checkinErr := pool.Checkin(setup); checkinErr != nil {
		logger.Warn("failed to check in setup connection", zap.Error(checkinErr))
	}
	if err != nil {
		return err
	}

	start := time.Now()
	failures := 0
	failureLock := &sync.Mutex{}
	wg := &sync.WaitGroup{}

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			workerCtx := tcl.WithOwner(ctx, tcl.NewOwner())
			for i := 0; i < iterations; i++ {
				if err := soakIteration(workerCtx, pool, worker, i, hold); err != nil {
					logger.Warn("soak iteration failed", zap.Int("worker", worker), zap.Int("iteration", i), zap.Error(err))

					failureLock.Lock()
					failures++
					failureLock.Unlock()
				}
			}
		}(w)
	}

	wg.Wait()

	report := &soakReport{
		Workers:    workers,
		Iterations: iterations,
		Failures:   failures,
		Elapsed:    time.Since(start).String(),
		Stats:      pool.Stats(),
	}

	var json = jsoniter.ConfigFastest
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, string(data))

	if failures > 0 {
		return fmt.Errorf("%d of %d iterations failed", failures, workers*iterations)
	}

	return nil
}

func soakIteration(ctx context.Context, pool *tcl.ConnectionPool, worker int, iteration int, hold time.Duration) error {
	connHost, err := pool.Checkout(ctx)
	if err != nil {
		return err
	}

	err = execStatement(ctx, connHost, "INSERT INTO soak (worker, iteration) VALUES (?, ?)", worker, iteration)
	if err == nil {
		err = execStatement(ctx, connHost, "SELECT count(*) FROM soak WHERE worker = ?", worker)
	}

	if hold > 0 {
		time.Sleep(hold)
	}

	if checkinErr := pool.Checkin(connHost); checkinErr != nil && err == nil {
		err = checkinErr
	}

	return err
}

func execStatement(ctx context.Context, connHost *tcl.ConnectionHost, query string, args ...any) error {
	return connHost.Do(func(conn tcl.Conn) error {
		switch c := conn.(type) {
		case *tcl.LiteConn:
			return c.Exec(query, args...)
		case *tcl.SQLConn:
			return c.QueryContext(ctx, query, nil, args...)
		default:
			return fmt.Errorf("unsupported connection %T", conn)
		}
	})
}
