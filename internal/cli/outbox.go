package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"escrowflow/internal/engine"
)

var (
	replayEventID int64
	replayLimit   int
)

var replayOutboxCmd = &cobra.Command{
	Use:   "replay-outbox",
	Short: "Re-publish failed outbox events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if replayEventID > 0 {
				if err := eng.Replay.ReplayEvent(ctx, replayEventID); err != nil {
					return err
				}
				if jsonOutput {
					return outputJSON(map[string]any{"replayed": 1, "id": replayEventID})
				}
				fmt.Printf("Replayed outbox event %d\n", replayEventID)
				return nil
			}

			n, err := eng.Replay.ReplayFailedEvents(ctx, replayLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"replayed": n})
			}
			fmt.Printf("Replayed %d failed outbox events\n", n)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep: re-drive pending releases and stuck verifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			res := eng.Sweeper.SweepOnce(ctx)
			// 扫描产生的 outbox 事件由 server 的 dispatcher 发布
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("Released: %d  Requeued: %d  Failed: %d\n", res.Released, res.Requeued, res.Failed)
			return nil
		})
	},
}

func init() {
	replayOutboxCmd.Flags().Int64Var(&replayEventID, "id", 0, "replay a single event by id")
	replayOutboxCmd.Flags().IntVar(&replayLimit, "limit", 100, "maximum number of failed events to replay")
	rootCmd.AddCommand(replayOutboxCmd)
	rootCmd.AddCommand(sweepCmd)
}
