package dispatch

import (
	"context"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// Transport is the external worker-mesh boundary the Dispatcher depends on
// (§6 "Consumed" interfaces): handing a job off for execution and polling
// for a result without blocking the tick loop.
type Transport interface {
	// Enqueue hands job off to a worker. A non-nil error means the job was
	// never accepted and should stay pending for the next tick.
	Enqueue(ctx context.Context, job *model.Job) error
	// TrySyncResult polls for job's outcome, returning ok=false if the job
	// is still in flight.
	TrySyncResult(ctx context.Context, jobID string) (result *model.TransportResult, ok bool, err error)
}
