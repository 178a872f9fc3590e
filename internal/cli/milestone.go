package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"escrowflow/internal/engine"
)

var holdNote string

var verifyLedgerCmd = &cobra.Command{
	Use:   "verify-ledger <milestone-id>",
	Short: "Verify the audit hash chain of a milestone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			trail, err := eng.Milestones.AuditTrail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ledger of %s is invalid (milestone placed on hold): %w", args[0], err)
			}
			if jsonOutput {
				return outputJSON(trail)
			}
			fmt.Printf("Ledger OK: %d events\n", len(trail.Events))
			for _, e := range trail.Timeline {
				fmt.Printf("  #%d %s %-22s %s -> %s %s\n", e.Seq, e.At.Format("2006-01-02T15:04:05Z07:00"), e.Type, e.FromState, e.ToState, e.Note)
			}
			return nil
		})
	},
}

var clearHoldCmd = &cobra.Command{
	Use:   "clear-hold <milestone-id>",
	Short: "Clear the hold of a milestone after manual investigation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, err := operator()
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			m, err := eng.Milestones.ClearHold(ctx, args[0], actor, holdNote)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(m)
			}
			fmt.Printf("Hold cleared on %s (state %s)\n", m.ID, m.State)
			return nil
		})
	},
}

func init() {
	clearHoldCmd.Flags().StringVar(&holdNote, "note", "", "resolution note recorded in the audit trail")
	rootCmd.AddCommand(verifyLedgerCmd)
	rootCmd.AddCommand(clearHoldCmd)
}
