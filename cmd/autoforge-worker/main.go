// autoforge-worker is the agent worker process spawned by the session
// manager. It runs one task through the plan pipeline, heartbeats while
// working, and exits per the protocol: 0 success, 1 recoverable error,
// 2 internal error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"autoforge/internal/bus"
	"autoforge/internal/config"
	"autoforge/internal/coordinator"
	"autoforge/internal/knowledge"
	"autoforge/internal/locks"
	"autoforge/internal/plan"
	"autoforge/internal/store"
	"autoforge/internal/types"
	"autoforge/internal/vcs"
	"autoforge/internal/worker"
)

func main() {
	var opts worker.Options
	flag.StringVar(&opts.AgentID, "agent-id", "", "session id assigned by the session manager")
	flag.StringVar(&opts.TaskID, "task-id", "", "task to execute")
	flag.StringVar(&opts.TaskListID, "task-list", "", "optional task list id")
	flag.StringVar(&opts.SpecFile, "spec-file", "", "path to the spec document")
	flag.StringVar(&opts.Workspace, "workspace", ".", "workspace root")
	flag.Parse()

	if opts.AgentID == "" {
		opts.AgentID = os.Getenv("AUTOFORGE_SESSION_ID")
	}
	opts.HeartbeatAddr = os.Getenv("AUTOFORGE_HEARTBEAT_ADDR")
	if v := os.Getenv("AUTOFORGE_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.HeartbeatInterval = d
		}
	}

	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(types.ExitInternal)
	}
	opts.Workspace = cfg.Workspace

	st, err := store.Open(filepath.Join(cfg.Workspace, ".autoforge", "autoforge.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(types.ExitInternal)
	}

	eventBus := bus.New(st, cfg.Bus)

	engine := plan.NewEngine(vcs.NewGit(cfg.Workspace), locks.NewService(st, cfg.Locks), st, eventBus)
	coord := coordinator.New(engine, st, eventBus)
	kb := knowledge.NewBase(st, eventBus, cfg.Knowledge)

	rt, err := worker.New(opts, coord, kb)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(types.ExitInternal)
	}

	// SIGTERM cancels the context; Run flushes and returns inside the
	// session manager's grace period.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	code := rt.Run(ctx)
	stop()
	eventBus.Close()
	st.Close()
	os.Exit(code)
}
