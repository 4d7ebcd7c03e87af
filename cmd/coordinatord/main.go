// coordinatord is the multi-agent coordinator daemon: a stdio
// JSON-framed tool-call server plumbed over the state root described in
// §6.2, plus a startup reconciliation sweep and version banner.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionmesh/coordinator/internal/config"
	"github.com/sessionmesh/coordinator/internal/gc"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/server"
	"github.com/sessionmesh/coordinator/internal/termcap"
	"github.com/sessionmesh/coordinator/internal/wake"
)

// version is set by the release build's -ldflags; "dev" otherwise.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "coordinatord",
	Short: "Multi-agent session coordinator daemon",
	Long: `coordinatord dispatches tool calls from agent sessions to a
file-backed coordination state root: sessions, mailboxes, tasks, teams,
workers, pipelines, and conflict detection.`,
	RunE: requireSubcommand,
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

// layoutFor resolves the state-root Layout for cfg, deferring to
// paths.Resolve's STATE_ROOT-or-home-directory fallback whenever cfg
// carries no explicit root (cfg.StateRoot is itself read from the same
// STATE_ROOT variable, so the two never disagree).
func layoutFor(cfg config.Config) paths.Layout {
	if cfg.StateRoot != "" {
		return paths.New(cfg.StateRoot)
	}
	return paths.Resolve()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stdio tool-call server",
	Long: `serve reads one JSON tool-call request per line from stdin and
writes one JSON (or plain-text) response per line to stdout, per §6.1.

Before accepting calls it runs a reconciliation sweep over the worker
results directory, marking any worker whose pid died without leaving a
.done marker as failed (§6's restart-time reconciliation).`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	layout := layoutFor(cfg)
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("coordinatord: preparing state root: %w", err)
	}

	deps := server.NewDeps(layout, termcap.New(), wake.OSProcessControl{}, cfg.AsyncMaxParallel)

	overlay, err := config.LoadPresetOverlay(cfg.PresetOverlayFile)
	if err != nil {
		return err
	}
	deps.Teams.PresetOverlay = overlay

	reconciled, err := deps.Workers.Reconcile()
	if err != nil {
		return fmt.Errorf("coordinatord: reconciling worker state: %w", err)
	}
	for _, taskID := range reconciled {
		fmt.Fprintf(cmd.ErrOrStderr(), "coordinatord: reconciled dead worker %s as failed\n", taskID)
	}

	if _, err := gc.Run(layout, deps.Workers, deps.Sessions); err != nil {
		return fmt.Errorf("coordinatord: running startup gc: %w", err)
	}

	registry := server.NewRegistry(deps)
	return server.Serve(registry, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.ResultEnvelope)
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reconcile worker state and check inbox SLAs without serving",
	Long: `gc runs the same restart-time reconciliation sweep serve runs at
startup (mark any worker whose pid is dead and .done missing as failed),
applies the §4.C1 retention policy (age out finished worker artifacts,
trim the activity log, drop long-closed sessions), then walks every
session's inbox and emits SLA warning/escalation events for any message
that has crossed its priority's threshold (mailbox.Fabric.CheckSLA),
without entering the tool-call loop. Useful after a hard crash, or on a
schedule to bound the size of an unattended results directory and
surface stale messages.`,
	RunE: runGC,
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	layout := layoutFor(cfg)
	deps := server.NewDeps(layout, termcap.New(), wake.OSProcessControl{}, cfg.AsyncMaxParallel)

	reconciled, err := deps.Workers.Reconcile()
	if err != nil {
		return fmt.Errorf("coordinatord: reconciling worker state: %w", err)
	}
	if len(reconciled) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to reconcile")
	}
	for _, taskID := range reconciled {
		fmt.Fprintf(cmd.OutOrStdout(), "reconciled %s as failed\n", taskID)
	}

	report, err := gc.Run(layout, deps.Workers, deps.Sessions)
	if err != nil {
		return fmt.Errorf("coordinatord: running gc: %w", err)
	}
	for _, taskID := range report.WorkerArtifactsRemoved {
		fmt.Fprintf(cmd.OutOrStdout(), "removed worker artifacts for %s\n", taskID)
	}
	if report.ActivityLogTruncated {
		fmt.Fprintf(cmd.OutOrStdout(), "truncated activity log to the last %d lines\n", gc.ActivityLogKeepLines)
	}
	for _, sessionID := range report.SessionsRemoved {
		fmt.Fprintf(cmd.OutOrStdout(), "removed closed session %s\n", sessionID)
	}

	sessions, err := deps.Sessions.ListSessions(true, "")
	if err != nil {
		return fmt.Errorf("coordinatord: listing sessions for SLA check: %w", err)
	}
	for _, s := range sessions.Sessions {
		if err := deps.Mailbox.CheckSLA(s.Session); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "coordinatord: SLA check for %s: %v\n", s.Session, err)
		}
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the coordinatord version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
