package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/sysarray/internal/parallel"
	"yqhp/sysarray/pkg/logger"
)

var (
	masterFirst    int64
	masterLast     int64
	masterRounds   int
	masterInterval time.Duration
	masterRole     string
	masterWait     int
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a master node",
	Long: `Run a master node: accept slaves on array.listen, dial the configured
peers, and repeatedly split the prime counting job across them.`,
	Example: `  # three rounds over the first ten million integers
  sysarray master --last 10000000 --rounds 3

  # websocket children, optimizer every 5 rounds
  sysarray master --set array.transport=websocket --set parallel.optimize_every=5`,
	RunE: runMaster,
}

func init() {
	rootCmd.AddCommand(masterCmd)

	masterCmd.Flags().Int64Var(&masterFirst, "first", 0, "first index of the job range")
	masterCmd.Flags().Int64Var(&masterLast, "last", 1_000_000, "end of the job range (exclusive)")
	masterCmd.Flags().IntVar(&masterRounds, "rounds", 0, "number of rounds, 0 runs until interrupted")
	masterCmd.Flags().DurationVar(&masterInterval, "interval", 2*time.Second, "pause between rounds")
	masterCmd.Flags().StringVar(&masterRole, "role", RolePrimes, "role the job is sent to")
	masterCmd.Flags().IntVar(&masterWait, "wait", 1, "systems to wait for before the first round")
}

func runMaster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	name := nodeName(cfg, "master")
	arr, err := newParallelArray(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start array: %w", err)
	}
	defer arr.Close()

	startAPI(ctx, cfg, name, arr)

	printBanner(
		"master:    "+name,
		"listen:    "+cfg.Array.Listen+" ("+cfg.Array.Transport+")",
		fmt.Sprintf("peers:     %d", len(cfg.Array.Peers)),
		fmt.Sprintf("job:       %s [%d, %d)", ListenerCountPrimes, masterFirst, masterLast),
	)

	if err := waitForSystems(ctx, arr, masterRole, masterWait); err != nil {
		return nil
	}

	for round := 1; masterRounds == 0 || round <= masterRounds; round++ {
		runRound(ctx, arr)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(masterInterval):
		}
	}
	return nil
}

// waitForSystems blocks until n systems have announced role. A joined
// system is not routable before its role announcement is processed.
func waitForSystems(ctx context.Context, arr *parallel.Array, role string, n int) error {
	if n <= 0 {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if systems, err := arr.RoleSystems(role); err == nil && len(systems) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runRound(ctx context.Context, arr *parallel.Array) {
	started := time.Now()
	res, err := arr.Run(ctx, parallel.Job{
		Role:     masterRole,
		Listener: ListenerCountPrimes,
		First:    masterFirst,
		Last:     masterLast,
	})
	if err != nil {
		logger.Warn("master: round failed", zap.Error(err))
		return
	}

	total, err := parallel.SumInt(res)
	if err != nil {
		logger.Warn("master: bad round result", zap.Uint64("round", res.Round), zap.Error(err))
		return
	}
	if perr := res.PartialFailure(); perr != nil {
		logger.Warn("master: partial result", zap.Uint64("round", res.Round), zap.Error(perr))
	}

	logger.Info("master: round done",
		zap.Uint64("round", res.Round),
		zap.Int64("primes", total),
		zap.Int("systems", len(res.Pieces)),
		zap.Duration("elapsed", time.Since(started)),
	)
	for _, st := range arr.Stats() {
		logger.Debug("master: system speed",
			zap.String("system", st.Name),
			zap.Float64("index", st.PerformanceIndex),
			zap.Float64("mean_us_per_unit", st.MeanMicros),
		)
	}
}
