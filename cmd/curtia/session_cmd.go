package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/xggarcia/Curt-IA/pkg/checkpoint"
	"github.com/xggarcia/Curt-IA/pkg/contracts"
	"github.com/xggarcia/Curt-IA/pkg/orchestrator"
)

// runRunCmd implements `curtia run`.
//
// Exit codes:
//
//	0 = every phase accepted
//	1 = a phase failed
//	2 = usage or configuration error
//	3 = paused on quota exhaustion or interrupt; resume later
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		idea          string
		baseScript    string
		sessionID     string
		configPath    string
		outputDir     string
		duration      int
		threshold     float64
		maxIterations int
	)
	cmd.StringVar(&idea, "idea", "", "Film idea (REQUIRED unless --base-script is set)")
	cmd.StringVar(&baseScript, "base-script", "", "Path to an existing script to refine")
	cmd.StringVar(&sessionID, "session", "", "Session ID (default: random)")
	cmd.StringVar(&configPath, "config", "", "YAML configuration profile")
	cmd.StringVar(&outputDir, "output", "", "Output root (default: CURTIA_OUTPUT_DIR)")
	cmd.IntVar(&duration, "duration", 0, "Target duration in seconds (default: CURTIA_TARGET_DURATION)")
	cmd.Float64Var(&threshold, "threshold", -1, "Acceptance threshold 0-10 (default: CURTIA_THRESHOLD)")
	cmd.IntVar(&maxIterations, "max-iterations", 0, "Iterations per phase (default: CURTIA_MAX_ITERATIONS)")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if idea == "" && cmd.NArg() > 0 {
		idea = strings.Join(cmd.Args(), " ")
	}

	cfg, err := loadConfig(configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	target := contracts.Target{
		Idea:            strings.TrimSpace(idea),
		DurationSeconds: cfg.Workflow.TargetDurationSeconds,
		Threshold:       cfg.Quality.Threshold,
		MaxIterations:   cfg.Quality.MaxIterations,
	}
	if duration > 0 {
		target.DurationSeconds = duration
	}
	if threshold >= 0 {
		target.Threshold = threshold
	}
	if maxIterations > 0 {
		target.MaxIterations = maxIterations
	}
	if baseScript != "" {
		data, err := os.ReadFile(baseScript) //nolint:gosec // operator-supplied path
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot read base script: %v\n", err)
			return exitUsage
		}
		target.BaseScript = string(data)
	}
	if target.Idea == "" && target.BaseScript == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --idea or --base-script is required")
		return exitUsage
	}

	root := cfg.OutputDir
	if outputDir != "" {
		root = outputDir
	}
	if sessionID == "" {
		sessionID = orchestrator.NewSessionID()
	}
	target.OutputDir = filepath.Join(root, sessionID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	o, err := a.orchestrator(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	_, _ = fmt.Fprintf(stdout, "Session %s\nOutput: %s\n", sessionID, target.OutputDir)
	cp, err := o.Start(ctx, sessionID, target)
	return report(stdout, stderr, cp, err)
}

// runResumeCmd implements `curtia resume <session-id>` and
// `curtia resume --dir <session output dir>`.
func runResumeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resume", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		configPath string
		outputDir  string
	)
	cmd.StringVar(&dir, "dir", "", "Session output directory (alternative to a session ID)")
	cmd.StringVar(&configPath, "config", "", "YAML configuration profile")
	cmd.StringVar(&outputDir, "output", "", "Output root (default: CURTIA_OUTPUT_DIR)")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	root := cfg.OutputDir
	if outputDir != "" {
		root = outputDir
	}
	var sessionID string
	switch {
	case dir != "":
		root, sessionID = checkpoint.SplitOutputDir(dir)
	case cmd.NArg() == 1:
		sessionID = cmd.Arg(0)
	default:
		_, _ = fmt.Fprintln(stderr, "Usage: curtia resume <session-id> | --dir <session output dir>")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	o, err := a.orchestrator(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	_, _ = fmt.Fprintf(stdout, "Resuming session %s\n", sessionID)
	cp, err := o.Resume(ctx, sessionID)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpointFound):
		_, _ = fmt.Fprintf(stderr, "Error: no checkpoint for session %s under %s\n", sessionID, root)
		return exitUsage
	case errors.Is(err, orchestrator.ErrSessionFinished):
		_, _ = fmt.Fprintf(stdout, "Session %s is already %s; nothing to resume.\n", sessionID, cp.Session.Status)
		if cp.Session.Status == contracts.SessionCompleted {
			return exitOK
		}
		return exitFailed
	}
	return report(stdout, stderr, cp, err)
}

// report prints the outcome of a run and maps it to an exit code.
func report(stdout, stderr io.Writer, cp *checkpoint.Checkpoint, err error) int {
	if cp != nil {
		printPhases(stdout, cp)
	}

	var re *orchestrator.RunError
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(stdout, "Session %s completed.\n", cp.Session.ID)
		return exitOK
	case errors.As(err, &re) && re.Paused():
		_, _ = fmt.Fprintf(stdout, "Session %s paused in phase %q after iteration %d: %v\n", re.SessionID, re.Phase, re.Iteration, re.Err)
		_, _ = fmt.Fprintf(stdout, "Checkpoint: %s\nResume with: curtia resume %s\n", re.Checkpoint, re.SessionID)
		return exitPaused
	case errors.As(err, &re):
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", re)
		return exitFailed
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if cp == nil {
			return exitUsage
		}
		return exitFailed
	}
}

func printPhases(w io.Writer, cp *checkpoint.Checkpoint) {
	for _, p := range cp.Phases {
		line := fmt.Sprintf("  %-18s %-9s iterations=%d/%d threshold=%.1f", p.Name, p.Status, p.Iteration, p.Budget, p.Threshold)
		if p.AcceptedRef != nil && p.AcceptedRef.Average > 0 {
			line += fmt.Sprintf(" accepted=#%d (%.2f)", p.AcceptedRef.Iteration, p.AcceptedRef.Average)
		}
		if p.Degraded {
			line += " degraded"
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
