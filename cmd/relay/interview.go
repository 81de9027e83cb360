package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/profiler"
	"github.com/haasonsaas/relay/pkg/models"
)

// buildInterviewCmd creates the "interview" command that benchmarks a
// model and stores the resulting profile.
func buildInterviewCmd() *cobra.Command {
	var (
		configPath string
		stateDir   string
		quick      bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "interview <model>",
		Short: "Benchmark a model and store its capability profile",
		Long: `Benchmark a model and store its capability profile.

The full battery scores every capability axis (tool calling,
instruction following, reasoning, code generation, and more) with the
interviewer model grading free-form answers. With --quick only the
cheap self-scoring pass runs. The profile is written to the registry
the gateway reads at startup.`,
		Example: `  # Full interview
  relay interview llama3.2

  # Cheap first-pass assessment
  relay interview llama3.2 --quick`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInterview(configPath, stateDir, args[0], quick, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&stateDir, "state", "", "State directory (default ~/.relay)")
	cmd.Flags().BoolVar(&quick, "quick", false, "Run the quick assessment instead of the full battery")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runInterview(configPath, stateDir, model string, quick, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	stateDir, err = resolveStateDir(stateDir)
	if err != nil {
		return err
	}

	registry, err := buildProviders(cfg, logger, observability.NewMetrics())
	if err != nil {
		return err
	}
	profiles, err := profiler.NewRegistry(filepath.Join(stateDir, "profiles.json"),
		profiler.WithRegistryLogger(logger))
	if err != nil {
		return fmt.Errorf("open profile registry: %w", err)
	}

	interviewerModel := cfg.Agents.Profiler.InterviewerModel
	if interviewerModel == "" {
		interviewerModel = cfg.Agents.Defaults.Model
	}
	interviewer := profiler.NewInterviewer(registry, interviewerModel,
		profiler.WithInterviewerLogger(logger),
		profiler.WithCaseTimeout(cfg.Agents.Profiler.TestTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var profile *models.ModelProfile
	if quick {
		profile, err = interviewer.QuickAssess(ctx, model)
	} else {
		profile, err = interviewer.Interview(ctx, model)
	}
	if err != nil {
		return fmt.Errorf("interview %s: %w", model, err)
	}
	if err := profiles.Save(profile); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	printProfile(profile)
	return nil
}

func printProfile(p *models.ModelProfile) {
	fmt.Printf("model:    %s\n", p.ModelID)
	fmt.Printf("overall:  %.2f\n", p.OverallScore())
	fmt.Printf("  tool calling:             %.2f\n", p.Scores.ToolCalling)
	fmt.Printf("  instruction following:    %.2f\n", p.Scores.InstructionFollowing)
	fmt.Printf("  reasoning depth:          %.2f\n", p.Scores.ReasoningDepth)
	fmt.Printf("  code generation:          %.2f\n", p.Scores.CodeGeneration)
	fmt.Printf("  context utilization:      %.2f\n", p.Scores.ContextUtilization)
	fmt.Printf("  hallucination resistance: %.2f\n", p.Scores.HallucinationResistance)
	fmt.Printf("  structured output:        %.2f\n", p.Scores.StructuredOutput)
	fmt.Printf("  long context:             %.2f\n", p.Scores.LongContext)
	if len(p.Strengths) > 0 {
		fmt.Printf("strengths:  %s\n", strings.Join(p.Strengths, ", "))
	}
	if len(p.Weaknesses) > 0 {
		fmt.Printf("weaknesses: %s\n", strings.Join(p.Weaknesses, ", "))
	}
	if len(p.OptimalTasks) > 0 {
		fmt.Printf("best for:   %s\n", strings.Join(p.OptimalTasks, ", "))
	}
}
