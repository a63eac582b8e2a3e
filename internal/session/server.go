package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"autoforge/internal/logging"
	"autoforge/internal/types"

	"golang.org/x/sync/errgroup"
)

// heartbeatWire is the JSON body workers POST to /heartbeat.
type heartbeatWire struct {
	AgentID         string  `json:"agent_id"`
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progress_percent,omitempty"`
	CurrentStep     string  `json:"current_step,omitempty"`
	MemoryMB        float64 `json:"memory_mb,omitempty"`
	CPUPercent      float64 `json:"cpu_percent,omitempty"`
	TS              int64   `json:"ts"` // unix millis
}

// Server is the localhost heartbeat ingestion endpoint.
type Server struct {
	mgr  *Manager
	addr string
	http *http.Server
}

// NewServer binds the heartbeat endpoint to the manager.
func NewServer(mgr *Manager, addr string) *Server {
	s := &Server{mgr: mgr, addr: addr}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var wire heartbeatWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "malformed heartbeat", http.StatusBadRequest)
		return
	}
	if wire.AgentID == "" {
		http.Error(w, "missing agent_id", http.StatusBadRequest)
		return
	}

	hb := types.Heartbeat{
		SessionID:       wire.AgentID,
		AgentID:         wire.AgentID,
		TaskID:          wire.TaskID,
		Status:          wire.Status,
		ProgressPercent: wire.ProgressPercent,
		CurrentStep:     wire.CurrentStep,
		MemoryMB:        wire.MemoryMB,
		CPUPercent:      wire.CPUPercent,
	}
	if wire.TS > 0 {
		hb.Timestamp = time.UnixMilli(wire.TS)
	}

	if err := s.mgr.Heartbeat(hb); err != nil {
		logging.SessionWarn("Heartbeat ingest failed for %s: %v", wire.AgentID, err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run serves until the context is cancelled. The listener binds eagerly
// so callers see address errors immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	logging.Session("Heartbeat endpoint listening on %s", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}
