// Package worker manages the embedded Asynq task worker that runs
// sshmux's own background maintenance task (OPK token purge; it is the
// only task registered) alongside the session multiplexer, connecting to
// Redis the same way the original appos worker did.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sshmux/sshmux/internal/contracts"
)

const (
	// TaskPurgeOPKTokens removes expired opkssh_tokens rows.
	TaskPurgeOPKTokens = "opkssh:purge_tokens"
)

// PurgeOPKTokensPayload is the (empty) payload for TaskPurgeOPKTokens; it
// exists so the task follows the same typed-payload convention as every
// other task in this codebase, even though the purge itself takes no
// parameters.
type PurgeOPKTokensPayload struct{}

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	server *asynq.Server
	client *asynq.Client
	tokens contracts.OPKTokenStore
}

// New creates a Worker with an Asynq server and shared client. tokens is
// the OPK token store the purge task runs against. Call Start() to begin
// processing and Shutdown() to stop.
func New(tokens contracts.OPKTokenStore) *Worker {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	client := asynq.NewClient(opt)

	return &Worker{server: srv, client: client, tokens: tokens}
}

// Start begins processing tasks in a background goroutine. Call only once
// during the application lifecycle.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPurgeOPKTokens, w.handlePurgeOPKTokens)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Printf("[sshmux] asynq worker error: %v", err)
		}
	}()
}

// Client returns the shared Asynq client for enqueuing tasks (consumed by
// internal/opkssh's cron-driven purge scheduler).
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handlePurgeOPKTokens(ctx context.Context, t *asynq.Task) error {
	var p PurgeOPKTokensPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Printf("[sshmux] handlePurgeOPKTokens: unmarshal payload: %v", err)
			return err
		}
	}
	n, err := w.tokens.PurgeExpired(ctx, time.Now())
	if err != nil {
		log.Printf("[sshmux] handlePurgeOPKTokens: %v", err)
		return err
	}
	if n > 0 {
		log.Printf("[sshmux] handlePurgeOPKTokens: purged %d expired opkssh tokens", n)
	}
	return nil
}
