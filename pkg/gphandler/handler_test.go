package gphandler

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/cpregistry"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/resultsbus"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const validPatch = `diff --git a/src/file.c b/src/file.c
index e69de29..4b825dc 100644
--- a/src/file.c
+++ b/src/file.c
@@ -1 +1 @@
-old line
+new line
`

const disallowedExtensionPatch = `diff --git a/src/file.py b/src/file.py
index e69de29..4b825dc 100644
--- a/src/file.py
+++ b/src/file.py
@@ -1 +1 @@
-old line
+new line
`

type fakeStore struct {
	db  *sql.DB
	vds map[string]*types.VulnerabilityDiscovery
	gp  map[string]*types.GeneratedPatch
}

func newFakeStore(t *testing.T) (*fakeStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fakeStore{db: db, vds: map[string]*types.VulnerabilityDiscovery{}, gp: map[string]*types.GeneratedPatch{}}, mock
}

func (f *fakeStore) CreateToken(context.Context, *types.TeamToken) error { return nil }
func (f *fakeStore) GetTokenByID(context.Context, string) (*types.TeamToken, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) CreateVDS(_ context.Context, v *types.VulnerabilityDiscovery) error {
	f.vds[v.ID] = v
	return nil
}
func (f *fakeStore) GetVDS(_ context.Context, id string) (*types.VulnerabilityDiscovery, error) {
	v, ok := f.vds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}
func (f *fakeStore) GetVDSByCPVUUID(_ context.Context, cpvUUID string) (*types.VulnerabilityDiscovery, error) {
	for _, v := range f.vds {
		if v.CPVUUID == cpvUUID {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) UpdateVDSStatus(_ context.Context, id string, status types.SubmissionStatus, cpvUUID string) error {
	v, ok := f.vds[id]
	if !ok {
		return store.ErrNotFound
	}
	v.Status = status
	v.CPVUUID = cpvUUID
	return nil
}
func (f *fakeStore) CountAcceptedVDSByCommit(context.Context, string, string, string) (int, error) {
	return 0, nil
}
func (f *fakeStore) CreateGP(_ context.Context, g *types.GeneratedPatch) error {
	f.gp[g.ID] = g
	return nil
}
func (f *fakeStore) GetGP(_ context.Context, id string) (*types.GeneratedPatch, error) {
	g, ok := f.gp[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}
func (f *fakeStore) UpdateGPStatus(_ context.Context, id string, status types.SubmissionStatus) error {
	g, ok := f.gp[id]
	if !ok {
		return store.ErrNotFound
	}
	g.Status = status
	return nil
}
func (f *fakeStore) CountGPByCPVUUID(context.Context, string) (int, error) { return 0, nil }
func (f *fakeStore) Conn(ctx context.Context) (*sql.Conn, error)           { return f.db.Conn(ctx) }
func (f *fakeStore) Close() error                                          { return nil }

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// buildFixtureCP lays out a CP directory with one "primary" source repo
// and a run.sh that unconditionally passes build/run_tests and reports
// the sanitizer as quenched on run_pov (the patched-build scenario).
func buildFixtureCP(t *testing.T) (root, headCommit string) {
	t.Helper()
	root = t.TempDir()
	srcDir := filepath.Join(root, "src", "primary")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))

	runGit(t, srcDir, "init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "marker.txt"), []byte("vuln"), 0o644))
	runGit(t, srcDir, "add", "marker.txt")
	runGit(t, srcDir, "commit", "-q", "-m", "initial")
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = srcDir
	out, err := cmd.Output()
	require.NoError(t, err)
	headCommit = string(out[:len(out)-1])

	script := "#!/bin/sh\n" +
		"cmd=\"$3\"\n" +
		"case \"$cmd\" in\n" +
		"  build) mkdir -p out/output/20260101_build; exit 0 ;;\n" +
		"  run_tests) mkdir -p out/output/20260101_run_tests; exit 0 ;;\n" +
		"  run_pov)\n" +
		"    mkdir -p out/output/20260101_run_pov\n" +
		"    printf 'all clear\\n' > out/output/20260101_run_pov/stdout.log\n" +
		"    printf '' > out/output/20260101_run_pov/stderr.log\n" +
		"    exit 0 ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.sh"), []byte(script), 0o755))
	return root, headCommit
}

func newRegistry(t *testing.T, cpRoot string) *cpregistry.Registry {
	t.Helper()
	root := t.TempDir()
	cpDir := filepath.Join(root, "fakecp")
	require.NoError(t, os.MkdirAll(cpDir, 0o755))
	require.NoError(t, os.Rename(cpRoot, cpDir))

	manifest := "cp_name: fakecp\n" +
		"docker_image: fake\n" +
		"sanitizers:\n  id_1: BCSAN\n" +
		"harnesses:\n  id_1:\n    name: test_harness\n" +
		"cp_sources:\n  primary:\n    ref: main\n"
	require.NoError(t, os.WriteFile(filepath.Join(cpDir, "project.yaml"), []byte(manifest), 0o644))

	reg, err := cpregistry.Load(root)
	require.NoError(t, err)
	return reg
}

func runAndDrainResult(t *testing.T, client *redis.Client, handle func() error) resultsbus.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pubsub := client.Subscribe(ctx, resultsbus.ChannelResults)
	defer pubsub.Close()
	require.NoError(t, pubsub.Receive(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- handle() }()

	// Archive messages from the workspace's build step share the channel
	// and arrive before the verdict; skip past them.
	var env resultsbus.OutputMessage
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		if env.MessageType != resultsbus.MessageTypeArchive {
			break
		}
	}
	require.NoError(t, <-errCh)
	var res resultsbus.Result
	require.NoError(t, json.Unmarshal(env.Content, &res))
	return res
}

func TestHandleAcceptsValidPatch(t *testing.T) {
	root, headCommit := buildFixtureCP(t)
	reg := newRegistry(t, root)

	fstore, mock := newFakeStore(t)
	mock.ExpectExec(`pg_advisory_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`pg_advisory_unlock`).WillReturnResult(sqlmock.NewResult(0, 0))

	artifacts, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	patchSHA, err := artifacts.Put(context.Background(), []byte(validPatch))
	require.NoError(t, err)
	povSHA, err := artifacts.Put(context.Background(), []byte("pov-blob"))
	require.NoError(t, err)

	sink, err := audit.NewFileSink(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)

	fstore.vds["vds-1"] = &types.VulnerabilityDiscovery{
		ID:            "vds-1",
		TeamID:        "team-a",
		CPName:        "fakecp",
		PoUCommitSHA1: headCommit,
		PoUSanitizer:  "id_1",
		PoVHarness:    "id_1",
		PoVDataSHA256: povSHA,
		CPVUUID:       "cpv-1",
		Status:        types.StatusAccepted,
	}
	gp := &types.GeneratedPatch{
		ID:         "gp-1",
		TeamID:     "team-a",
		CPVUUID:    "cpv-1",
		DataSHA256: patchSHA,
		Status:     types.StatusPending,
	}
	fstore.gp[gp.ID] = gp

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &Handler{
		Store:     fstore,
		Registry:  reg,
		Artifacts: artifacts,
		AuditSink: sink,
		Results:   resultsbus.NewPublisher(client),
		TempRoot:  t.TempDir(),
	}

	res := runAndDrainResult(t, client, func() error {
		return h.Handle(context.Background(), queue.Envelope{Kind: queue.KindGP, GP: gp})
	})

	require.Equal(t, types.StatusAccepted, res.FeedbackStatus)
	require.Equal(t, "gp-1", res.RowID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleRejectsDisallowedExtension(t *testing.T) {
	root, headCommit := buildFixtureCP(t)
	reg := newRegistry(t, root)

	fstore, mock := newFakeStore(t)
	mock.ExpectExec(`pg_advisory_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`pg_advisory_unlock`).WillReturnResult(sqlmock.NewResult(0, 0))

	artifacts, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	patchSHA, err := artifacts.Put(context.Background(), []byte(disallowedExtensionPatch))
	require.NoError(t, err)

	sink, err := audit.NewFileSink(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)

	fstore.vds["vds-1"] = &types.VulnerabilityDiscovery{
		ID:            "vds-1",
		TeamID:        "team-a",
		CPName:        "fakecp",
		PoUCommitSHA1: headCommit,
		PoUSanitizer:  "id_1",
		PoVHarness:    "id_1",
		CPVUUID:       "cpv-1",
		Status:        types.StatusAccepted,
	}
	gp := &types.GeneratedPatch{
		ID:         "gp-2",
		TeamID:     "team-a",
		CPVUUID:    "cpv-1",
		DataSHA256: patchSHA,
		Status:     types.StatusPending,
	}
	fstore.gp[gp.ID] = gp

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &Handler{
		Store:     fstore,
		Registry:  reg,
		Artifacts: artifacts,
		AuditSink: sink,
		Results:   resultsbus.NewPublisher(client),
		TempRoot:  t.TempDir(),
	}

	res := runAndDrainResult(t, client, func() error {
		return h.Handle(context.Background(), queue.Envelope{Kind: queue.KindGP, GP: gp})
	})

	require.Equal(t, types.StatusNotAccepted, res.FeedbackStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}
