// Command kgserver runs the knowledge-graph server: a line-delimited
// JSON-RPC tool protocol over stdio, backed by an event-sourced graph
// store. Adapted from cmd/bd/main.go's cobra rootCmd +
// PersistentPreRun/PersistentPostRun lifecycle shape, scoped to exactly
// the subcommands this single-backend, no-daemon server needs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/kgraph/kgserver/internal/broadcast"
	"github.com/kgraph/kgserver/internal/config"
	"github.com/kgraph/kgserver/internal/eventlog"
	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/klog"
	"github.com/kgraph/kgserver/internal/rpcserver"
	"github.com/kgraph/kgserver/internal/store"
	"github.com/kgraph/kgserver/internal/synonym"
	"github.com/kgraph/kgserver/internal/toolfacade"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	verboseFlag  bool
	quietFlag    bool
	inspectWatch bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var (
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
)

// style renders s with the given lipgloss.Style unless the environment
// requests no color (NO_COLOR, dumb terminal, non-tty), matching the
// teacher's cmd/bd-examples convention of styled-but-degradable output.
func style(s lipgloss.Style, text string) string {
	if termenv.EnvNoColor() {
		return text
	}
	return s.Render(text)
}

var rootCmd = &cobra.Command{
	Use:   "kgserver",
	Short: "kgserver - single-node knowledge-graph server",
	Long:  `kgserver persists and queries a typed property graph of entities, observations, and temporally-qualified relations over a line-delimited JSON-RPC tool protocol.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		klog.SetVerbose(verboseFlag)
		klog.SetQuiet(quietFlag)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to kg.yaml (default: ./kg.yaml if present)")
	rootCmd.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&quietFlag, "quiet", false, "suppress non-essential output")

	inspectCmd.Flags().BoolVar(&inspectWatch, "watch", false, "re-print the summary whenever the memory file changes")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, inspectCmd, replayCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Printf("%s\n", style(mutedStyle, fmt.Sprintf("error: %v", err)))
		os.Exit(1)
	}
}

// openLog is the common open path for serve/inspect/replay: load config,
// open the event log (replaying from the latest snapshot), return both.
func openLog() (*config.Config, *eventlog.Log, *graph.KnowledgeGraph, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	l, g, err := eventlog.Open(eventlog.Options{
		Path:                   cfg.MemoryFilePath,
		EventSourcingEnabled:   cfg.EventSourcingEnabled,
		SnapshotEventThreshold: cfg.SnapshotEventThreshold,
		SnapshotMaxAge:         cfg.SnapshotMaxAge,
		SnapshotMaxLogBytes:    cfg.SnapshotMaxLogBytes,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening memory file %s: %w", cfg.MemoryFilePath, err)
	}
	return cfg, l, g, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the JSON-RPC server over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, l, g, err := openLog()
		if err != nil {
			return err
		}

		var bus *broadcast.Broadcaster
		if cfg.NATSEnabled {
			bus, err = broadcast.New(broadcast.Options{BufferSize: cfg.BroadcastBuffer, NATSURL: cfg.NATSURL})
		} else {
			bus, err = broadcast.New(broadcast.Options{BufferSize: cfg.BroadcastBuffer})
		}
		if err != nil {
			klog.Logf("broadcaster: NATS attach failed, continuing in-memory-only: %v", err)
		}
		defer bus.Close()

		s := store.New(g, l, bus, nil)
		defer func() { _ = s.Close() }()

		exp, err := synonym.New()
		if err != nil {
			return fmt.Errorf("building synonym expander: %w", err)
		}

		facade := toolfacade.New(s, exp, toolfacade.Config{
			ReadGraphPageSize:  config.DefaultReadGraphPageSize,
			TraverseMaxResults: config.DefaultTraverseMaxResults,
			InferMaxDepth:      config.DefaultInferMaxDepth,
			InferMinConfidence: config.DefaultInferMinConfidence,
		})

		srv := rpcserver.New(facade, bus)
		if err := rpcserver.ListenAndServeStdio(rootCtx, srv, os.Stdin, os.Stdout); err != nil && rootCtx.Err() == nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

func printSummary(g *graph.KnowledgeGraph) {
	klog.PrintlnNormal(style(accentStyle, fmt.Sprintf("entities: %d", len(g.Entities))))
	klog.PrintlnNormal(style(accentStyle, fmt.Sprintf("relations: %d", len(g.Relations))))

	counts := g.SortedEntityTypeCounts()
	for _, name := range graph.SortedTypeNames(counts) {
		klog.PrintNormal("  %s %d\n", style(mutedStyle, name+":"), counts[name])
	}
	if klog.Enabled() {
		klog.Logf("inspect: %d distinct entity types\n", len(counts))
	}
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "print a summary of the persisted graph without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, l, g, err := openLog()
		if err != nil {
			return err
		}
		defer func() { _ = l.Close() }()

		printSummary(g)
		if !inspectWatch {
			return nil
		}

		// --watch re-reads and re-prints the summary whenever the memory
		// file changes on disk, grounded on cmd/bd's displayShowIssue
		// watch mode (fsnotify.NewWatcher + Write events). Every Write
		// event triggers a re-read; events are not debounced.
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
		defer func() { _ = watcher.Close() }()
		watchPath := cfg.MemoryFilePath
		if info, statErr := os.Stat(watchPath); statErr != nil || !info.IsDir() {
			watchPath = filepath.Dir(watchPath)
		}
		if err := watcher.Add(watchPath); err != nil {
			return fmt.Errorf("watching %s: %w", watchPath, err)
		}

		if !klog.IsQuiet() {
			klog.Printf("%s\n", style(mutedStyle, "watching for changes... (Ctrl+C to exit)"))
		}
		for {
			select {
			case <-rootCtx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !event.Has(fsnotify.Write) {
					continue
				}
				_, l2, g, err := openLog()
				if err != nil {
					klog.Printf("%s\n", style(mutedStyle, err.Error()))
					continue
				}
				printSummary(g)
				_ = l2.Close()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				klog.Printf("%s\n", style(mutedStyle, werr.Error()))
			}
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "manage kg.yaml configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "write a starter kg.yaml in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "kg.yaml"
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		klog.PrintlnNormal(style(accentStyle, fmt.Sprintf("wrote %s", path)))
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "force a fresh snapshot from the event log (compaction)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, l, g, err := openLog()
		if err != nil {
			return err
		}
		defer func() { _ = l.Close() }()

		if err := l.Snapshot(g, time.Now().Unix()); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		klog.PrintlnNormal(style(accentStyle, "snapshot written"))
		return nil
	},
}
