package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"autoforge/internal/bus"
	"autoforge/internal/config"
	"autoforge/internal/locks"
	"autoforge/internal/logging"
	"autoforge/internal/monitor"
	"autoforge/internal/orchestrator"
	"autoforge/internal/session"
	"autoforge/internal/store"
	"autoforge/internal/types"
	"autoforge/internal/watch"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator()
		},
	}
}

func runOrchestrator() error {
	cfg, err := config.Load(workspaceFlag)
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.Workspace); err != nil {
		return err
	}
	defer logging.CloseAll()
	logging.Boot("autoforge starting in %s", cfg.Workspace)

	st, err := openStore(cfg.Workspace)
	if err != nil {
		return err
	}
	defer st.Close()

	eventBus := bus.New(st, cfg.Bus)
	defer eventBus.Close()

	lockSvc := locks.NewService(st, cfg.Locks)

	// The manager's exit callback targets the orchestrator, which in turn
	// needs the manager; the indirection breaks the construction cycle.
	var orch *orchestrator.Orchestrator
	mgr := session.NewManager(st, eventBus, cfg.Session,
		func(sessionID string, status types.SessionStatus, exitCode int) {
			orch.OnSessionExit(sessionID, status, exitCode)
		})
	orch = orchestrator.New(st, eventBus, mgr, lockSvc, cfg.Orchestrator, cfg.Workspace)
	mon := monitor.New(st, eventBus, mgr, orch, cfg.Monitor)
	hbServer := session.NewServer(mgr, cfg.Session.HeartbeatAddr)

	watcher, err := watch.New(cfg.Orchestrator.SpecDir, eventBus)
	if err != nil {
		return err
	}

	// An approved spec becomes a build task automatically.
	eventBus.Subscribe("orchestrator", types.EventSpecApproved, func(e types.Event) error {
		specPath, _ := e.Payload["spec_path"].(string)
		name, _ := e.Payload["name"].(string)
		return orch.AddTask(&types.Task{
			Title:     fmt.Sprintf("build %s", name),
			SpecPath:  specPath,
			AgentType: types.AgentBuild,
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hbServer.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { lockSvc.RunReaper(ctx); return nil })

	err = g.Wait()
	mgr.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	logging.Boot("autoforge stopped")
	return nil
}

func openStore(workspace string) (*store.Store, error) {
	return store.Open(filepath.Join(workspace, ".autoforge", "autoforge.db"))
}
