package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"
)

// runStatusCmd implements `curtia status [session-id]`.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		outputDir  string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML configuration profile")
	cmd.StringVar(&outputDir, "output", "", "Output root (default: CURTIA_OUTPUT_DIR)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

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

	ctx := context.Background()
	a, err := newApp(ctx, cfg, root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = a.Close(ctx) }()

	if cmd.NArg() == 1 {
		cp, err := a.store.Load(ctx, cmd.Arg(0))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailed
		}
		if jsonOutput {
			return writeJSON(stdout, stderr, cp)
		}
		_, _ = fmt.Fprintf(stdout, "Session %s (%s)\nIdea: %s\nUpdated: %s\n",
			cp.Session.ID, cp.Session.Status, cp.Session.Target.Idea, cp.Session.UpdatedAt.Format(time.RFC3339))
		printPhases(stdout, cp)
		if cp.Failure != nil {
			_, _ = fmt.Fprintf(stdout, "Failure: phase %q iteration %d: %s\n", cp.Failure.Phase, cp.Failure.Iteration, cp.Failure.Reason)
		}
		return exitOK
	}

	sessions, err := a.store.List(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	if jsonOutput {
		return writeJSON(stdout, stderr, sessions)
	}
	if len(sessions) == 0 {
		_, _ = fmt.Fprintf(stdout, "No sessions under %s\n", root)
		return exitOK
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SESSION\tSTATUS\tPHASE\tITERATION\tUPDATED\tIDEA")
	for _, s := range sessions {
		if s.Corrupt {
			_, _ = fmt.Fprintf(tw, "%s\tcorrupt\t-\t-\t-\t%s\n", s.SessionID, s.Location)
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.SessionID, s.Status, s.CurrentPhase, s.Iteration, s.UpdatedAt.Format(time.RFC3339), truncate(s.Idea, 40))
	}
	_ = tw.Flush()
	return exitOK
}

// configuredKey is one entry of `curtia keys`. Credential state lives in
// the dispatcher of a running session, so only configuration is listed.
type configuredKey struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Suffix   string `json:"suffix"`
}

// runKeysCmd implements `curtia keys`. It lists the configured key pools in
// rotation order; live quota state is reported by the session logs.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML configuration profile")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	ctx := context.Background()
	a := &app{cfg: cfg, logger: slog.Default().With("component", "cli")}
	d, err := a.buildDispatcher(ctx, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = a.Close(ctx) }()

	var keys []configuredKey
	for _, s := range d.Snapshot() {
		keys = append(keys, configuredKey{ID: s.ID, Provider: string(s.Kind), Suffix: s.Suffix})
	}
	if jsonOutput {
		return writeJSON(stdout, stderr, keys)
	}
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(stdout, "No API keys configured. Set GEMINI_API_KEY, GEMINI_API_KEY_2, ...")
		return exitUsage
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CREDENTIAL\tPROVIDER\tKEY")
	for _, k := range keys {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", k.ID, k.Provider, k.Suffix)
	}
	_ = tw.Flush()
	return exitOK
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	return exitOK
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
