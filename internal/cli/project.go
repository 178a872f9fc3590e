package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"escrowflow/internal/engine"
	"escrowflow/internal/service/project"
)

var projectFile string

// LoadProjectFile 读取 YAML 格式的项目定义；整数金额为最小货币单位，带小数点的金额（如 20000.00）为主单位
func LoadProjectFile(path string) (project.CreateProjectInput, error) {
	var in project.CreateProjectInput
	data, err := os.ReadFile(path)
	if err != nil {
		return in, err
	}
	if err := yaml.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("parse %s: %w", path, err)
	}
	return in, nil
}

var createProjectCmd = &cobra.Command{
	Use:   "create-project",
	Short: "Create a project and its milestones from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if projectFile == "" {
			return fmt.Errorf("-f is required")
		}
		actor, err := operator()
		if err != nil {
			return err
		}
		in, err := LoadProjectFile(projectFile)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			p, milestones, err := eng.Projects.CreateProject(ctx, actor, in)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"project": p, "milestones": milestones})
			}
			fmt.Printf("Project %s created (%s %s)\n", p.ID, p.TotalBudget, p.Currency)
			for _, m := range milestones {
				fmt.Printf("  milestone %s  %-30s %s\n", m.ID, m.Title, m.BudgetAmount)
			}
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations (postgres store)",
	RunE: func(cmd *cobra.Command, args []string) error {
		// engine.New 在 postgres 驱动下执行迁移
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			fmt.Printf("Store %s ready\n", eng.Config.Store.Driver)
			return nil
		})
	},
}

func init() {
	createProjectCmd.Flags().StringVarP(&projectFile, "file", "f", "", "project definition (YAML)")
	rootCmd.AddCommand(createProjectCmd)
	rootCmd.AddCommand(migrateCmd)
}
