package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nidscore/internal/config"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the configured signature rule set",
	}
	cmd.AddCommand(newRulesListCmd())
	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every loaded rule and whether it is enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			engine, err := buildRuleEngine(cfg)
			if err != nil {
				return err
			}

			for _, r := range engine.Rules() {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-6d %-24s %-8s %-10s %s\n", r.RuleID, r.Name, state, r.Severity.Lower(), r.Description)
			}
			return nil
		},
	}
}
