package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/auth"
	"github.com/aixcc-finals/capi-scoring/pkg/cpregistry"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
)

// memStore is a minimal in-memory store.Store stub covering the operations
// the submission handlers exercise.
type memStore struct {
	store.Store
	tokens map[string]*types.TeamToken
	vds    map[string]*types.VulnerabilityDiscovery
	gps    map[string]*types.GeneratedPatch
}

func newMemStore() *memStore {
	return &memStore{
		tokens: map[string]*types.TeamToken{},
		vds:    map[string]*types.VulnerabilityDiscovery{},
		gps:    map[string]*types.GeneratedPatch{},
	}
}

func (m *memStore) CreateToken(_ context.Context, t *types.TeamToken) error {
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}
func (m *memStore) GetTokenByID(_ context.Context, id string) (*types.TeamToken, error) {
	t, ok := m.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (m *memStore) CreateVDS(_ context.Context, v *types.VulnerabilityDiscovery) error {
	cp := *v
	m.vds[v.ID] = &cp
	return nil
}
func (m *memStore) GetVDS(_ context.Context, id string) (*types.VulnerabilityDiscovery, error) {
	v, ok := m.vds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}
func (m *memStore) GetVDSByCPVUUID(_ context.Context, cpvUUID string) (*types.VulnerabilityDiscovery, error) {
	for _, v := range m.vds {
		if v.CPVUUID == cpvUUID {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}
func (m *memStore) UpdateVDSStatus(_ context.Context, id string, status types.SubmissionStatus, cpvUUID string) error {
	v, ok := m.vds[id]
	if !ok {
		return store.ErrNotFound
	}
	v.Status = status
	v.CPVUUID = cpvUUID
	return nil
}
func (m *memStore) CountAcceptedVDSByCommit(_ context.Context, teamID, cpName, commit string) (int, error) {
	n := 0
	for _, v := range m.vds {
		if v.TeamID == teamID && v.CPName == cpName && v.PoUCommitSHA1 == commit && v.Status == types.StatusAccepted {
			n++
		}
	}
	return n, nil
}
func (m *memStore) CreateGP(_ context.Context, g *types.GeneratedPatch) error {
	cp := *g
	m.gps[g.ID] = &cp
	return nil
}
func (m *memStore) GetGP(_ context.Context, id string) (*types.GeneratedPatch, error) {
	g, ok := m.gps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g, nil
}
func (m *memStore) UpdateGPStatus(_ context.Context, id string, status types.SubmissionStatus) error {
	g, ok := m.gps[id]
	if !ok {
		return store.ErrNotFound
	}
	g.Status = status
	return nil
}
func (m *memStore) CountGPByCPVUUID(_ context.Context, cpvUUID string) (int, error) {
	n := 0
	for _, g := range m.gps {
		if g.CPVUUID == cpvUUID {
			n++
		}
	}
	return n, nil
}
func (m *memStore) Conn(_ context.Context) (*sql.Conn, error) { return nil, nil }
func (m *memStore) Close() error                              { return nil }

func newTestServer(t *testing.T, s *memStore) (*Server, string) {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	artifacts, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	cpRoot := t.TempDir()
	writeCPFixture(t, cpRoot, "mock-cp")
	registry, err := cpregistry.Load(cpRoot)
	require.NoError(t, err)

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	fileSink, err := audit.NewFileSink(auditPath)
	require.NoError(t, err)

	require.NoError(t, auth.Seed(context.Background(), s, map[string]string{"team-a": "secret-a"}, nil))

	srv := NewServer(&Server{
		Store:              s,
		Registry:           registry,
		Artifacts:          artifacts,
		AuditSink:          fileSink,
		Queue:              queue.New(redisClient),
		Auth:               auth.New(s),
		Workers:            []string{"default"},
		RunID:              "test-run",
		RejectDuplicateVDS: true,
	})
	return srv, auditPath
}

func writeCPFixture(t *testing.T, root, cpName string) {
	t.Helper()
	cpDir := filepath.Join(root, cpName)
	require.NoError(t, os.MkdirAll(filepath.Join(cpDir, "src", "primary"), 0o755))
	manifest := "cp_name: " + cpName + "\n" +
		"docker_image: mock\n" +
		"sanitizers:\n  BCSAN: \"fired\"\n" +
		"harnesses:\n  fuzz:\n    name: fuzz\n" +
		"cp_sources:\n  primary:\n    ref: main\n"
	require.NoError(t, os.WriteFile(filepath.Join(cpDir, "project.yaml"), []byte(manifest), 0o644))
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.SetBasicAuth("team-a", "secret-a")
	return req
}

func TestSubmitVDSUnknownCP(t *testing.T) {
	s := newMemStore()
	srv, _ := newTestServer(t, s)

	body, _ := json.Marshal(map[string]any{
		"cp_name": "no-such-cp",
		"pou":     map[string]string{"commit_sha1": "1111111111111111111111111111111111111111", "sanitizer": "BCSAN"},
		"pov":     map[string]string{"harness": "fuzz", "data": base64.StdEncoding.EncodeToString([]byte("blob"))},
	})
	rec := httptest.NewRecorder()
	srv.submitVDSHandler(rec, authedRequestWithTeam(t, s, "POST", "/submission/vds/", body))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Len(t, s.vds, 1)
	for _, v := range s.vds {
		require.Equal(t, types.StatusNotAccepted, v.Status)
	}
}

func TestSubmitVDSAcceptsAndEnqueues(t *testing.T) {
	s := newMemStore()
	srv, _ := newTestServer(t, s)

	body, _ := json.Marshal(map[string]any{
		"cp_name": "mock-cp",
		"pou":     map[string]string{"commit_sha1": "2222222222222222222222222222222222222222", "sanitizer": "BCSAN"},
		"pov":     map[string]string{"harness": "fuzz", "data": base64.StdEncoding.EncodeToString([]byte("blob"))},
	})
	rec := httptest.NewRecorder()
	srv.submitVDSHandler(rec, authedRequestWithTeam(t, s, "POST", "/submission/vds/", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(types.StatusPending), resp["status"])
	require.NotEmpty(t, resp["vd_uuid"])

	depth, err := srv.Queue.Depth(context.Background(), queue.DefaultWorker)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestSubmitVDSRejectsOversizedPoV(t *testing.T) {
	s := newMemStore()
	srv, _ := newTestServer(t, s)

	oversized := make([]byte, maxPoVDecodedBytes+1)
	body, _ := json.Marshal(map[string]any{
		"cp_name": "mock-cp",
		"pou":     map[string]string{"commit_sha1": "3333333333333333333333333333333333333333", "sanitizer": "BCSAN"},
		"pov":     map[string]string{"harness": "fuzz", "data": base64.StdEncoding.EncodeToString(oversized)},
	})
	rec := httptest.NewRecorder()
	srv.submitVDSHandler(rec, authedRequestWithTeam(t, s, "POST", "/submission/vds/", body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitGPUnknownCPVUUID(t *testing.T) {
	s := newMemStore()
	srv, _ := newTestServer(t, s)

	body, _ := json.Marshal(map[string]any{
		"cpv_uuid": "4e0c1e0a-0000-4000-8000-000000000000",
		"data":     base64.StdEncoding.EncodeToString([]byte("--- a\n+++ b\n")),
	})
	rec := httptest.NewRecorder()
	srv.submitGPHandler(rec, authedRequestWithTeam(t, s, "POST", "/submission/gp/", body))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Len(t, s.gps, 1)
	for _, g := range s.gps {
		require.Equal(t, types.StatusNotAccepted, g.Status)
	}
}

func TestSubmitGPRejectsOtherTeamsVDS(t *testing.T) {
	s := newMemStore()
	srv, _ := newTestServer(t, s)

	const cpvUUID = "3f2b8c1e-93a4-4f21-9c6a-8f3d4f1a2b3c"
	s.vds["vds-1"] = &types.VulnerabilityDiscovery{
		ID: "vds-1", TeamID: "team-other", CPVUUID: cpvUUID, Status: types.StatusAccepted,
	}

	body, _ := json.Marshal(map[string]any{
		"cpv_uuid": cpvUUID,
		"data":     base64.StdEncoding.EncodeToString([]byte("--- a\n+++ b\n")),
	})
	rec := httptest.NewRecorder()
	srv.submitGPHandler(rec, authedRequestWithTeam(t, s, "POST", "/submission/gp/", body))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusVDSRejectsOtherTeam(t *testing.T) {
	s := newMemStore()
	srv, _ := newTestServer(t, s)

	s.vds["vds-1"] = &types.VulnerabilityDiscovery{ID: "vds-1", TeamID: "team-other", Status: types.StatusAccepted}

	req := authedRequestWithTeam(t, s, "GET", "/submission/vds/vds-1", nil)
	req.SetPathValue("vd_uuid", "vds-1")
	rec := httptest.NewRecorder()
	srv.statusVDSHandler(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMockModeShortCircuits(t *testing.T) {
	s := newMemStore()
	srv, _ := newTestServer(t, s)
	srv.MockMode = true

	body, _ := json.Marshal(map[string]any{"cp_name": "anything"})
	rec := httptest.NewRecorder()
	srv.submitVDSHandler(rec, authedRequestWithTeam(t, s, "POST", "/submission/vds/", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, s.vds, "mock mode must not touch persistent state")
}

// authedRequestWithTeam mirrors what withAuth would do: stash the resolved
// team token in the request context, so handler tests can call the
// unwrapped *Handler methods directly without exercising Basic Auth.
func authedRequestWithTeam(t *testing.T, s *memStore, method, path string, body []byte) *http.Request {
	t.Helper()
	req := authedRequest(method, path, body)
	tok, ok := s.tokens["team-a"]
	require.True(t, ok, "test server must seed team-a before issuing requests")
	ctx := context.WithValue(req.Context(), teamContextKey, tok)
	return req.WithContext(ctx)
}
