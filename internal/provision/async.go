package provision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/space-intake-api/pkg/jobs"
)

// AsyncProvisioner runs room provisioning through a background queue. A new
// host only comes online after its config is picked up, so the first attempt
// regularly fails and the retry delay does the waiting.
type AsyncProvisioner struct {
	queue *jobs.Queue
}

// NewAsyncProvisioner wraps the given provisioner in a retrying worker queue.
func NewAsyncProvisioner(rooms *RoomProvisioner, logger *zap.Logger) *AsyncProvisioner {
	a := &AsyncProvisioner{}
	a.queue = jobs.NewQueue("room-provision", func(ctx context.Context, job jobs.Job) error {
		host, ok := job.Payload.(string)
		if !ok {
			return nil
		}
		return rooms.Provision(ctx, host)
	}, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: 5,
		RetryDelay: 30 * time.Second,
		Logger:     logger,
	})
	return a
}

// Start launches the worker. Must be called before Provision.
func (a *AsyncProvisioner) Start(ctx context.Context) {
	a.queue.Start(ctx)
}

// Stop drains the workers.
func (a *AsyncProvisioner) Stop() {
	a.queue.Stop()
}

// Provision enqueues the host for background provisioning.
func (a *AsyncProvisioner) Provision(ctx context.Context, host string) error {
	return a.queue.Enqueue(ctx, jobs.Job{ID: uuid.NewString(), Type: "provision-rooms", Payload: host})
}
