package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"escrowflow/internal/engine"
	"escrowflow/internal/model"
	"escrowflow/pkg/config"
	"escrowflow/pkg/logger"
)

var (
	jsonOutput bool
	configEnv  string
	configDir  string
	actorID    string

	rootCmd = &cobra.Command{
		Use:   "escrowctl",
		Short: "escrowctl - operator tool for the milestone escrow engine",
		Long: `escrowctl talks to the engine's store directly. It replays outbox events,
verifies audit ledgers, clears holds and creates projects from YAML files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configEnv, "env", config.GetConfigEnv(), "config environment overlay")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.GetEnv("CONFIG_DIR", "config"), "config directory")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "operator id recorded in the audit trail")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// withEngine 组装引擎后执行 fn，结束时释放资源
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, err := config.Load(configEnv, configDir)
	if err != nil {
		return err
	}
	log := logger.NewLogger("warn")
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	eng, err := engine.New(ctx, cfg, log, engine.Options{})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer eng.Close()

	if err := fn(ctx, eng); err != nil {
		log.Debug("Command failed", zap.String("command", cmd.Name()), zap.Error(err))
		return err
	}
	return nil
}

// operator 人工操作以 company 角色记录
func operator() (model.Actor, error) {
	if actorID == "" {
		return model.Actor{}, fmt.Errorf("--actor is required")
	}
	return model.Actor{ID: actorID, Role: model.RoleCompany}, nil
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
