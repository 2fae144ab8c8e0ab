package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var holdFor time.Duration

var holdCmd = &cobra.Command{
	Use:   "hold KEY",
	Short: "Acquire KEY and keep it for --for before releasing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := state.stack
		opts := st.Coordinator.Options()
		opts.Key = args[0]

		return st.Do(cmd.Context(), opts, nil, func(ctx context.Context) error {
			fmt.Fprintf(out(cmd), "holding %s for %s\n", args[0], holdFor)
			select {
			case <-time.After(holdFor):
			case <-ctx.Done():
				fmt.Fprintln(out(cmd), "interrupted, releasing")
			}
			return nil
		})
	},
}

func init() {
	holdCmd.Flags().DurationVar(&holdFor, "for", 10*time.Second, "how long to hold the lock")
}
