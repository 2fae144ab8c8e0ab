package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	incrTotal   int
	incrWorkers int
	incrKey     string
)

var incrCmd = &cobra.Command{
	Use:   "incr",
	Short: "Increment a shared counter under a lock from many workers",
	Long: `incr runs --total guarded increments of an in-process counter from
--workers goroutines. A final count equal to --total means no two increments
overlapped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if incrTotal <= 0 || incrWorkers <= 0 {
			return fmt.Errorf("--total and --workers must be positive")
		}
		st := state.stack
		opts := st.Coordinator.Options()
		opts.Prefix = "rock:incr"
		opts.Key = "#name"

		var (
			counter   int
			latencies = make([]time.Duration, incrTotal)
		)
		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(incrWorkers)
		start := time.Now()
		for i := range incrTotal {
			g.Go(func() error {
				began := time.Now()
				err := st.Do(ctx, opts, map[string]any{"name": incrKey}, func(context.Context) error {
					counter++
					return nil
				})
				latencies[i] = time.Since(began)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		elapsed := time.Since(start)

		sort.Slice(latencies, func(a, b int) bool { return latencies[a] < latencies[b] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		p99 := latencies[len(latencies)*99/100]
		state.logger.Info("incr finished", "counter", counter, "elapsed", elapsed)

		fmt.Fprintf(out(cmd), "| %-10s | %-10s | %-12s | %-12s |\n", "Counter", "Ops/sec", "Avg Latency", "P99 Latency")
		fmt.Fprintln(out(cmd), "|:---|:---|:---|:---|")
		fmt.Fprintf(out(cmd), "| %-10d | %-10.0f | %-12s | %-12s |\n",
			counter, float64(incrTotal)/elapsed.Seconds(), sum/time.Duration(len(latencies)), p99)
		if counter != incrTotal {
			return fmt.Errorf("lost updates: counter %d, expected %d", counter, incrTotal)
		}
		return nil
	},
}

func init() {
	incrCmd.Flags().IntVarP(&incrTotal, "total", "n", 1000, "number of increments")
	incrCmd.Flags().IntVarP(&incrWorkers, "workers", "c", 50, "concurrent workers")
	incrCmd.Flags().StringVar(&incrKey, "key", "counter", "lock key body")
}
