package resultsbus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeRowStore struct {
	vdsCalls []Result
	gpCalls  []Result
}

func (f *fakeRowStore) UpdateVDSStatus(_ context.Context, id string, status types.SubmissionStatus, cpvUUID string) error {
	f.vdsCalls = append(f.vdsCalls, Result{RowID: id, FeedbackStatus: status, CPVUUID: cpvUUID})
	return nil
}

func (f *fakeRowStore) UpdateGPStatus(_ context.Context, id string, status types.SubmissionStatus) error {
	f.gpCalls = append(f.gpCalls, Result{RowID: id, FeedbackStatus: status})
	return nil
}

func TestReceiverAppliesVDSResult(t *testing.T) {
	store := &fakeRowStore{}
	r := NewReceiver(nil, store, nil, t.TempDir())

	err := r.applyResult(context.Background(), Result{
		ResultType:     ResultTypeVDS,
		RowID:          "vds-1",
		FeedbackStatus: types.StatusAccepted,
		CPVUUID:        "cpv-1",
	})
	require.NoError(t, err)
	require.Len(t, store.vdsCalls, 1)
	require.Equal(t, "cpv-1", store.vdsCalls[0].CPVUUID)
}

func TestReceiverAppliesArchiveWithCollisionDisambiguation(t *testing.T) {
	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	sha, err := store.Put(context.Background(), []byte("tarball bytes"))
	require.NoError(t, err)

	flatfileDir := t.TempDir()
	r := NewReceiver(nil, &fakeRowStore{}, store, flatfileDir)

	arc := Archive{Filename: "run_pov-abc.tar.xz", SHA256: sha}
	require.NoError(t, r.applyArchive(context.Background(), arc))
	require.NoError(t, r.applyArchive(context.Background(), arc))

	require.FileExists(t, filepath.Join(flatfileDir, "output", "run_pov-abc.tar.xz"))
	require.FileExists(t, filepath.Join(flatfileDir, "output", "run_pov-abc_copy1.tar.xz"))

	entries, err := os.ReadDir(filepath.Join(flatfileDir, "output"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
