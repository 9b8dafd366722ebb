package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	env := Envelope{
		Kind:  KindVDS,
		JobID: VDSJobID("vds-1"),
		VDS:   &types.VulnerabilityDiscovery{ID: "vds-1", TeamID: "team-a"},
	}

	ok, err := q.Enqueue(ctx, DefaultWorker, env)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := q.Dequeue(ctx, DefaultWorker, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, env.JobID, got.JobID)
	require.Equal(t, "team-a", got.VDS.TeamID)

	require.NoError(t, q.Ack(ctx, DefaultWorker, *got))
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	env := Envelope{Kind: KindGP, JobID: GPJobID("gp-1")}

	ok, err := q.Enqueue(ctx, DefaultWorker, env)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Enqueue(ctx, DefaultWorker, env)
	require.NoError(t, err)
	require.False(t, ok, "re-enqueueing the same job id must be a no-op")
}

func TestRouteWorker(t *testing.T) {
	require.Equal(t, "team-a", RouteWorker("team-a", []string{"team-a", "team-b"}))
	require.Equal(t, DefaultWorker, RouteWorker("team-c", []string{"team-a", "team-b"}))
}

func TestRequeueRecoversOrphanedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	env := Envelope{Kind: KindVDS, JobID: VDSJobID("vds-orphan")}
	ok, err := q.Enqueue(ctx, DefaultWorker, env)
	require.NoError(t, err)
	require.True(t, ok)

	// Dequeue without ack: the job is now stranded in the processing list,
	// as it would be after a worker crash.
	got, err := q.Dequeue(ctx, DefaultWorker, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	n, err := q.Requeue(ctx, DefaultWorker)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = q.Dequeue(ctx, DefaultWorker, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, env.JobID, got.JobID)
}

func TestDequeueTimeoutReturnsNil(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.Dequeue(context.Background(), DefaultWorker, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}
