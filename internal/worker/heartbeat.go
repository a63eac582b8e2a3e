package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// heartbeatBody matches the session manager's ingestion schema.
type heartbeatBody struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	TS          int64  `json:"ts"`
}

// heartbeatLoop POSTs a heartbeat on the configured interval until the
// context is cancelled. Delivery failures are logged and skipped; the
// monitor treats a quiet session as stuck, so there is nothing better to
// do locally.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	if r.opts.HeartbeatAddr == "" {
		return
	}
	url := "http://" + r.opts.HeartbeatAddr + "/heartbeat"
	client := &http.Client{Timeout: 5 * time.Second}

	r.sendHeartbeat(ctx, client, url)
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx, client, url)
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context, client *http.Client, url string) {
	body, _ := json.Marshal(heartbeatBody{
		AgentID: r.opts.AgentID,
		TaskID:  r.opts.TaskID,
		Status:  "running",
		TS:      time.Now().UnixMilli(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		r.log.Warn("heartbeat delivery failed", zap.String("step", "heartbeat"), zap.Error(err))
		return
	}
	resp.Body.Close()
}
