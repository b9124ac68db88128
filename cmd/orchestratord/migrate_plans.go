package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmesh/orchestrator/internal/config"
	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/plan"
)

type migratePlansFlags struct {
	root *rootFlags
	dir  string
}

// newMigratePlansCmd validates and registers every plan-definition YAML
// file in a directory. There is no datastore to migrate rows in (plan
// definitions live as files), so this subcommand's role is the same
// structural/cycle/reference validation CreatePlan would hit at request
// time, run eagerly so a bad deploy is caught before traffic arrives.
func newMigratePlansCmd(root *rootFlags) *cobra.Command {
	flags := &migratePlansFlags{root: root}

	cmd := &cobra.Command{
		Use:   "migrate-plans",
		Short: "Validate and register plan-definition YAML files without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := flags.dir
			if dir == "" {
				dir = root.plansDir
			}
			if dir == "" {
				return fmt.Errorf("migrate-plans: --dir (or --plans-dir) is required")
			}
			return runMigratePlans(dir)
		},
	}

	cmd.Flags().StringVar(&flags.dir, "dir", "", "directory of plan-definition YAML files (defaults to --plans-dir)")

	return cmd
}

func runMigratePlans(dir string) error {
	cfg := config.Load()
	logger := corelog.NewProductionLogger(cfg.Logging.Level)

	factory := plan.NewFactory(plan.WithLogger(logger))
	if err := loadPlanDefinitions(factory, dir); err != nil {
		return err
	}

	logger.Info("migrate-plans.completed", map[string]interface{}{"dir": dir})
	fmt.Printf("loaded and validated plan definitions from %s\n", dir)
	return nil
}
