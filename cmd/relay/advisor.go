package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/advisor"
)

// buildAdvisorCmd creates the "advisor" command group for inspecting
// the recorded model/tool statistics.
func buildAdvisorCmd() *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "advisor",
		Short: "Inspect recorded model/tool statistics",
	}
	cmd.PersistentFlags().StringVar(&stateDir, "state", "", "State directory (default ~/.relay)")

	leaderboard := &cobra.Command{
		Use:   "leaderboard <tool>",
		Short: "Rank models on a tool by success rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeaderboard(stateDir, args[0])
		},
	}
	problems := &cobra.Command{
		Use:   "problems",
		Short: "List model/tool pairings with poor success rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProblems(stateDir)
		},
	}
	cmd.AddCommand(leaderboard, problems)
	return cmd
}

func openAdvisor(stateDir string) (*advisor.Advisor, error) {
	dir, err := resolveStateDir(stateDir)
	if err != nil {
		return nil, err
	}
	adv, err := advisor.New(filepath.Join(dir, "tool_stats.json"), advisor.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("open tool advisor: %w", err)
	}
	return adv, nil
}

func runLeaderboard(stateDir, tool string) error {
	adv, err := openAdvisor(stateDir)
	if err != nil {
		return err
	}
	entries := adv.Leaderboard(tool)
	if len(entries) == 0 {
		fmt.Printf("no recorded calls for %s\n", tool)
		return nil
	}
	if best, ok := adv.BestModelForTool(tool); ok {
		fmt.Printf("best model for %s: %s\n\n", tool, best)
	}
	for _, e := range entries {
		fmt.Printf("%-32s %6.1f%%  %5d calls  %7.0fms avg\n",
			e.ModelID, e.SuccessRate*100, e.TotalCalls, e.AvgLatency)
	}
	return nil
}

func runProblems(stateDir string) error {
	adv, err := openAdvisor(stateDir)
	if err != nil {
		return err
	}
	combos := adv.ProblematicCombinations(5, 0.5)
	if len(combos) == 0 {
		fmt.Println("no problematic model/tool pairings recorded")
		return nil
	}
	for _, c := range combos {
		fmt.Printf("%-32s %-16s %6.1f%%  %5d calls\n",
			c.ModelID, c.ToolName, c.SuccessRate*100, c.TotalCalls)
	}
	return nil
}
