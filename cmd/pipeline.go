package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/gateway"
	"github.com/compresr/tier-gateway/internal/pipeline"
	"github.com/compresr/tier-gateway/internal/utils"
)

var (
	flagTask        string
	flagContextFile string
	flagFiles       []string
	flagUser        string
	flagJSON        bool
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Agentic coding pipeline",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one task through triage, code, review and test stages",
	RunE:  runPipeline,
}

func init() {
	pipelineRunCmd.Flags().StringVarP(&flagTask, "task", "t", "", "Task description (required)")
	pipelineRunCmd.Flags().StringVar(&flagContextFile, "context-file", "", "File whose contents are passed as task context")
	pipelineRunCmd.Flags().StringSliceVarP(&flagFiles, "file", "f", nil, "Files the task touches (repeatable)")
	pipelineRunCmd.Flags().StringVarP(&flagUser, "user", "u", "", "Bill the run to this configured user (default: first API key)")
	pipelineRunCmd.Flags().BoolVar(&flagJSON, "json", false, "Print the full result as JSON")
	_ = pipelineRunCmd.MarkFlagRequired("task")

	pipelineCmd.AddCommand(pipelineRunCmd)
	rootCmd.AddCommand(pipelineCmd)
}

// principalFor resolves the configured principal a CLI run is billed to.
func principalFor(cfg *config.Config, user string) (auth.Principal, error) {
	for _, k := range cfg.APIKeys {
		if user != "" && k.User != user {
			continue
		}
		plan, ok := cfg.Plan(k.Plan)
		if !ok {
			return auth.Principal{}, fmt.Errorf("user %s: unknown plan %q", k.User, k.Plan)
		}
		return auth.Principal{User: k.User, Project: k.Project, APIKey: k.Key, Plan: plan}, nil
	}
	if user != "" {
		return auth.Principal{}, fmt.Errorf("no api key configured for user %q", user)
	}
	return auth.Principal{}, fmt.Errorf("no api keys configured")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	principal, err := principalFor(cfg, flagUser)
	if err != nil {
		return err
	}

	req := pipeline.Request{Task: flagTask, Files: flagFiles}
	if flagContextFile != "" {
		// #nosec G304 -- path comes from the operator's flag
		data, err := os.ReadFile(flagContextFile)
		if err != nil {
			return fmt.Errorf("reading context file: %w", err)
		}
		req.Context = string(data)
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gw, err := gateway.New(cfg, st.rdb, st.ledger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer func() { _ = gw.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !flagJSON {
		printHeader("Pipeline Run")
		printInfo(fmt.Sprintf("Billing user %s (project %s)", principal.User, principal.Project))
	}
	res, err := gw.Pipeline().Run(ctx, principal, req)
	if err != nil {
		return err
	}

	if flagJSON {
		data, err := utils.MarshalNoEscape(res)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printResult(res)
	}
	if res.Status != pipeline.StatusDone {
		return fmt.Errorf("pipeline ended with status %s", res.Status)
	}
	return nil
}

func printResult(res *pipeline.Result) {
	for _, s := range res.Stages {
		fmt.Printf("  %s%-8s%s %-24s %-5s %6d in %6d out  $%.4f  %dms\n",
			colorCyan, s.Stage, colorReset, s.Model, s.Tier, s.InputTokens, s.OutputTokens, s.CostUSD, s.LatencyMs)
	}
	fmt.Println()

	summary := fmt.Sprintf("Run %s: path=%s reworks=%d cost=$%.4f duration=%dms",
		res.RunID, res.Path, res.Reworks, res.CostUSD, res.DurationMs)
	if res.Status == pipeline.StatusDone {
		printSuccess(summary)
	} else {
		printWarn(summary)
		if res.FailedGate != "" {
			printError(fmt.Sprintf("gate %s: %s", res.FailedGate, res.Error))
		} else if res.Error != "" {
			printError(res.Error)
		}
	}

	if res.Code != "" {
		fmt.Printf("\n%sCode%s\n%s\n", colorBold, colorReset, res.Code)
	}
	if res.Tests != "" {
		fmt.Printf("\n%sTests%s\n%s\n", colorBold, colorReset, res.Tests)
	}
}
