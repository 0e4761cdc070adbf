// Command curtia drives the short-film refinement pipeline: it generates a
// vision, a script and a visual bible, and refines each until the critics
// agree.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const version = "0.1.0"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitPaused = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "resume":
		return runResumeCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "keys":
		return runKeysCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "curtia %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `Curt-IA %s
Iterative short-film pre-production with a unanimous critic tribunal.

USAGE:
  curtia <command> [flags]

COMMANDS:
  run       Start a new session (--idea, --base-script, --threshold, --max-iterations)
  resume    Resume a paused or interrupted session (<session-id> or --dir)
  status    List sessions, or show one session in detail
  keys      List the configured API keys in rotation order
  version   Show version information
  help      Show this help

EXIT CODES:
  0 completed, 1 failed, 2 usage or configuration error, 3 paused (resumable)
`, version)
}

// setupLogger installs the process-wide handler. Components derive their
// loggers from slog.Default at construction, so this runs first.
func setupLogger(level, format string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}
