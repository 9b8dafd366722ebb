// Package queue implements the Redis-backed work queue: per-worker FIFO
// queues with deterministic, deduplicated job ids and at-least-once,
// acknowledged delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Kind names which handler a job envelope is destined for.
type Kind string

const (
	KindVDS Kind = "vds"
	KindGP  Kind = "gp"
)

// DefaultWorker is the always-present fallback queue.
const DefaultWorker = "default"

// DedupRetention bounds how long a job id blocks re-enqueue of a duplicate
// (network-retried) submission.
const DedupRetention = 24 * time.Hour

// Envelope is the job payload carried on the queue: audit context, the
// submitted VDS or GP row, a duplicate flag, the artifact store's remote
// container name, and a signed URL for the submitted blob.
type Envelope struct {
	Kind            Kind                          `json:"kind"`
	JobID           string                        `json:"job_id"`
	AuditContext    audit.Context                 `json:"audit_context"`
	VDS             *types.VulnerabilityDiscovery `json:"vds_row,omitempty"`
	GP              *types.GeneratedPatch         `json:"gp_row,omitempty"`
	Duplicate       bool                          `json:"duplicate_flag"`
	RemoteContainer string                        `json:"remote_container"`
	RemoteAccessURL string                        `json:"remote_access_url"`
}

// VDSJobID returns the deterministic job id for a VDS row.
func VDSJobID(vdsID string) string {
	return fmt.Sprintf("{capijobs}check-vds-%s", vdsID)
}

// GPJobID returns the deterministic job id for a GP row.
func GPJobID(gpID string) string {
	return fmt.Sprintf("{capijobs}check-gp-%s", gpID)
}

// Queue is the Redis-backed FIFO queue with per-worker affinity.
type Queue struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func queueKey(workerID string) string {
	return "arq:queue:" + workerID
}

func processingKey(workerID string) string {
	return "arq:processing:" + workerID
}

func dedupKey(jobID string) string {
	return "arq:dedup:" + jobID
}

// Enqueue pushes env onto workerID's queue unless a job with the same id
// was already enqueued within DedupRetention (the at-least-once-submission
// dedup mechanism for network-retried HTTP requests). Returns true if the
// job was actually enqueued, false if it was a deduplicated no-op.
func (q *Queue) Enqueue(ctx context.Context, workerID string, env Envelope) (bool, error) {
	set, err := q.client.SetNX(ctx, dedupKey(env.JobID), 1, DedupRetention).Result()
	if err != nil {
		return false, fmt.Errorf("queue: dedup check %s: %w", env.JobID, err)
	}
	if !set {
		metrics.JobsDedupedTotal.WithLabelValues(string(env.Kind)).Inc()
		return false, nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("queue: marshal job %s: %w", env.JobID, err)
	}

	if err := q.client.LPush(ctx, queueKey(workerID), payload).Err(); err != nil {
		return false, fmt.Errorf("queue: push job %s: %w", env.JobID, err)
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(string(env.Kind), workerID).Inc()
	return true, nil
}

// RouteWorker implements the submission-time routing rule: if teamID
// appears in the configured workers list, use its dedicated queue;
// otherwise the default queue.
func RouteWorker(teamID string, workers []string) string {
	for _, w := range workers {
		if w == teamID {
			return teamID
		}
	}
	return DefaultWorker
}

// Dequeue blocks up to timeout for one job on workerID's queue, atomically
// moving it into that worker's processing list so a crash mid-handling
// leaves it recoverable (at-least-once delivery). Returns nil, nil on
// timeout with no job available.
func (q *Queue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*Envelope, error) {
	raw, err := q.client.BRPopLPush(ctx, queueKey(workerID), processingKey(workerID), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", workerID, err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &env, nil
}

// Requeue moves every entry left in workerID's processing list back onto
// its queue, recovering jobs a previous process crashed while holding.
// Called once at worker startup, before the first Dequeue; redelivered
// jobs are absorbed by the handlers' replay guard.
func (q *Queue) Requeue(ctx context.Context, workerID string) (int, error) {
	n := 0
	for {
		_, err := q.client.RPopLPush(ctx, processingKey(workerID), queueKey(workerID)).Result()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("queue: requeue %s: %w", workerID, err)
		}
		n++
	}
}

// Ack removes env's raw payload from workerID's processing list once the
// handler has run to completion (successfully or with a terminal verdict
// published). Crash-before-ack leaves the entry for redelivery.
func (q *Queue) Ack(ctx context.Context, workerID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s for ack: %w", env.JobID, err)
	}
	if err := q.client.LRem(ctx, processingKey(workerID), 1, payload).Err(); err != nil {
		return fmt.Errorf("queue: ack job %s: %w", env.JobID, err)
	}
	return nil
}

// Depth reports the current queue length, for the capi_queue_depth gauge.
func (q *Queue) Depth(ctx context.Context, workerID string) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(workerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth %s: %w", workerID, err)
	}
	metrics.QueueDepth.WithLabelValues(workerID).Set(float64(n))
	return n, nil
}
