package opkssh

import (
	"log"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/sshmux/sshmux/internal/worker"
)

// PurgeSchedule enqueues worker.TaskPurgeOPKTokens on a fixed cadence. It
// uses robfig/cron directly rather than asynq's own periodic task manager,
// since the only requirement is a simple interval with no retry/backoff
// policy.
type PurgeSchedule struct {
	client *asynq.Client
	cron   *cron.Cron
}

// NewPurgeSchedule wires client to fire the purge task per spec string
// (standard 5-field cron syntax, e.g. "*/15 * * * *" for every 15 minutes).
func NewPurgeSchedule(client *asynq.Client, spec string) (*PurgeSchedule, error) {
	c := cron.New()
	ps := &PurgeSchedule{client: client, cron: c}
	_, err := c.AddFunc(spec, ps.enqueue)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *PurgeSchedule) enqueue() {
	task := asynq.NewTask(worker.TaskPurgeOPKTokens, nil)
	if _, err := ps.client.Enqueue(task, asynq.Queue("low")); err != nil {
		log.Printf("[sshmux] opkssh purge: enqueue failed: %v", err)
	}
}

// Start begins the cron scheduler in its own goroutine.
func (ps *PurgeSchedule) Start() { ps.cron.Start() }

// Stop halts the scheduler; in-flight enqueues are allowed to finish.
func (ps *PurgeSchedule) Stop() { ps.cron.Stop() }
