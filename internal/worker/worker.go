// Package worker manages the embedded Asynq task worker.
//
// The worker runs as a goroutine inside the PocketBase process, connecting
// to Redis for persistent async task processing. Power actions go through
// it so slow backends never block an API request.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"

	"github.com/vmgate/vmgate/internal/audit"
	"github.com/vmgate/vmgate/internal/connection"
)

const TaskPowerAction = "power:action"

// PowerPayload is the task body for a queued power action.
type PowerPayload struct {
	ConnectionID string   `json:"connection_id"`
	ServerPath   []string `json:"server_path"`
	Action       string   `json:"action"`
	UserID       string   `json:"user_id"`
	UserEmail    string   `json:"user_email"`
}

// NewPowerTask builds an enqueueable power task.
func NewPowerTask(p PowerPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("worker: marshal power payload: %w", err)
	}
	return asynq.NewTask(TaskPowerAction, payload, asynq.MaxRetry(2), asynq.Timeout(2*time.Minute)), nil
}

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	app     core.App
	manager *connection.Manager
	timeout time.Duration

	server *asynq.Server
	client *asynq.Client
}

// New creates a Worker. Call Start() to begin processing and Shutdown() to
// stop.
func New(app core.App, manager *connection.Manager, redisAddr string, powerTimeout time.Duration) *Worker {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})
	return &Worker{
		app:     app,
		manager: manager,
		timeout: powerTimeout,
		server:  srv,
		client:  asynq.NewClient(opt),
	}
}

// Start begins processing tasks in a background goroutine. Call once.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPowerAction, w.handlePowerAction)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Error().Err(err).Msg("asynq worker stopped")
		}
	}()
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handlePowerAction(ctx context.Context, t *asynq.Task) error {
	var p PowerPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("worker: unmarshal power payload: %w", err)
	}

	err := w.runPower(ctx, p)

	status := audit.StatusSuccess
	detail := map[string]any{}
	if err != nil {
		status = audit.StatusFailed
		detail["kind"] = string(connection.KindOf(err))
		log.Warn().Err(err).
			Str("connection_id", p.ConnectionID).
			Str("action", p.Action).
			Msg("power action failed")
	}
	audit.Write(w.app, audit.Entry{
		UserID: p.UserID, UserEmail: p.UserEmail,
		Action: "power." + p.Action, ResourceType: "server",
		ResourceID: p.ConnectionID + "/" + strings.Join(p.ServerPath, "/"),
		Status:     status, Detail: detail,
	})

	// Validation failures are permanent; retrying cannot fix them.
	if err != nil && connection.KindOf(err) == connection.KindValidation {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (w *Worker) runPower(ctx context.Context, p PowerPayload) error {
	inst, ok := w.manager.Get(p.ConnectionID)
	if !ok {
		return connection.NewValidation("connection is not loaded", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	srv, err := inst.FindServer(ctx, p.ServerPath)
	if err != nil {
		return err
	}
	return srv.Power(ctx, connection.PowerAction(p.Action))
}
