package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rulesPath string
	factsPath string
	deadline  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compile a rules file and process a facts file through one cycle batch",
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().StringVar(&rulesPath, "rules", "", "path to a rules YAML file (required)")
	runCmd.Flags().StringVar(&factsPath, "facts", "", "path to a facts YAML file (required)")
	runCmd.Flags().DurationVar(&deadline, "deadline", 0, "wall-clock budget for Process; 0 means no deadline")
	_ = runCmd.MarkFlagRequired("rules")
	_ = runCmd.MarkFlagRequired("facts")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg := engineConfigFromViper()
	engine, err := rete.NewEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	defer engine.Close()

	rules, err := LoadRules(rulesPath)
	if err != nil {
		return err
	}
	facts, err := LoadFacts(factsPath)
	if err != nil {
		return err
	}

	compiled, err := engine.CompileRules(rules, "")
	if err != nil {
		return fmt.Errorf("compiling rules: %w", err)
	}
	logger.Info("rules compiled",
		zap.String("session_id", compiled.SessionID),
		zap.Int("rules_compiled", compiled.RulesCompiled))

	for _, rec := range engine.OptimizationReport().Records {
		if rec.Reordered {
			logger.Debug("rule optimiser reordered conditions",
				zap.Uint64("rule_id", uint64(rec.RuleID)),
				zap.String("rule_name", rec.RuleName),
				zap.Float64("selectivity_cost_before", rec.SelectivityCostBefore),
				zap.Float64("selectivity_cost_after", rec.SelectivityCostAfter))
		}
	}

	ctx := context.Background()
	var dl time.Time
	if deadline > 0 {
		dl = time.Now().Add(deadline)
	}

	result, err := engine.Process(ctx, facts, dl)
	if err != nil {
		return fmt.Errorf("processing facts: %w", err)
	}

	logger.Info("processing finished",
		zap.Int("facts_processed", result.FactsProcessed),
		zap.Int("rules_fired", len(result.RuleExecutionResults)),
		zap.Bool("deadline_exceeded", result.DeadlineExceeded))

	for i, cycle := range result.Cycles {
		logger.Debug("cycle timing",
			zap.Int("cycle", i),
			zap.Int("facts_ingested", cycle.FactsIngested),
			zap.Int("activations_fired", cycle.ActivationsFired),
			zap.Duration("alpha_matching", cycle.Timing.AlphaMatching),
			zap.Duration("beta_propagation", cycle.Timing.BetaPropagation),
			zap.Duration("conflict_resolution", cycle.Timing.ConflictResolution),
			zap.Duration("action_execution", cycle.Timing.ActionExecution))
	}

	engine.SampleMemoryPressure()
	for _, c := range engine.MemoryProfile() {
		logger.Debug("memory profile",
			zap.String("component", c.Name),
			zap.Uint64("allocated_bytes", c.AllocatedBytes),
			zap.Uint64("peak_allocated_bytes", c.PeakAllocatedBytes))
	}

	for _, r := range result.RuleExecutionResults {
		fmt.Printf("rule %d fired (created=%d modified=%v deleted=%v errors=%d)\n",
			r.RuleID, len(r.CreatedFacts), r.ModifiedFact != nil, r.DeletedFact != 0, len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf(" error: %s\n", e.Error())
		}
	}
	return nil
}
