package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"erasured/internal/config"
	"erasured/internal/plan"
)

func newPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan tooling",
	}
	planCmd.AddCommand(&cobra.Command{
		Use:   "check <plan-id>",
		Short: "Validate a plan and print its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			loader, err := plan.NewLoader(cfg.PlansRoot)
			if err != nil {
				return err
			}
			p, hash, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("plan_id: %s\nversion: %s\nhash:    %s\ntasks:   %d\n",
				p.PlanID, p.Version, hash, len(p.Tasks))
			return nil
		},
	})
	return planCmd
}
