package cpregistry

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(content), 0o644))
}

const validManifest = `cp_name: fakecp
docker_image: ghcr.io/example/fakecp:latest
sanitizers:
  id_1: BCSAN
  id_2: LAMESAN
harnesses:
  id_1:
    name: test_harness
cp_sources:
  primary:
    ref: v1.1.0
  secondary: {}
`

func TestLoadScansCPRoot(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "fakecp"), validManifest)

	// no project.yaml: not a CP directory
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-cp"), 0o755))
	// no cp_sources: skipped
	writeManifest(t, filepath.Join(root, "sourceless"), "cp_name: sourceless\n")

	reg, err := Load(root)
	require.NoError(t, err)

	require.True(t, reg.Has("fakecp"))
	require.False(t, reg.Has("sourceless"))
	require.False(t, reg.Has("not-a-cp"))

	cp, ok := reg.Get("fakecp")
	require.True(t, ok)
	require.Equal(t, "BCSAN", cp.Sanitizers["id_1"])
	require.Equal(t, "test_harness", cp.Harnesses["id_1"].Name)
	require.Equal(t, "v1.1.0", cp.Sources["primary"].Ref)
	require.Equal(t, "main", cp.Sources["secondary"].Ref, "omitted ref defaults to main")
}

func TestHeadRefFromRef(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "fakecp"), validManifest)

	reg, err := Load(root)
	require.NoError(t, err)
	cp, _ := reg.Get("fakecp")

	ref, ok := reg.HeadRefFromRef(cp, "primary")
	require.True(t, ok)
	require.Equal(t, "v1.1.0", ref)

	_, ok = reg.HeadRefFromRef(cp, "nonexistent")
	require.False(t, ok)
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// initRepo creates a git repo in dir with two commits and returns
// (rootCommit, headCommit).
func initRepo(t *testing.T, dir string) (string, string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	runGit(t, dir, "init", "-q", "-b", "main")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one "+filepath.Base(dir)), 0o644))
	runGit(t, dir, "add", "a.txt")
	runGit(t, dir, "commit", "-q", "-m", "first")
	rootCommit, err := currentHead(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two "+filepath.Base(dir)), 0o644))
	runGit(t, dir, "commit", "-q", "-am", "second")
	headCommit, err := currentHead(context.Background(), dir)
	require.NoError(t, err)
	return rootCommit, headCommit
}

const twoSourceManifest = `cp_name: twosrc
docker_image: fake
sanitizers:
  id_1: BCSAN
harnesses:
  id_1:
    name: test_harness
cp_sources:
  alpha: {}
  beta: {}
`

func TestSourceFromRefMultiSource(t *testing.T) {
	root := t.TempDir()
	cpDir := filepath.Join(root, "twosrc")
	writeManifest(t, cpDir, twoSourceManifest)

	_, alphaHead := initRepo(t, filepath.Join(cpDir, "src", "alpha"))
	_, betaHead := initRepo(t, filepath.Join(cpDir, "src", "beta"))

	reg, err := Load(root)
	require.NoError(t, err)
	cp, _ := reg.Get("twosrc")

	ctx := context.Background()

	name, ok, err := reg.SourceFromRef(ctx, cp, alphaHead)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha", name)

	name, ok, err = reg.SourceFromRef(ctx, cp, betaHead)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "beta", name)

	_, ok, err = reg.SourceFromRef(ctx, cp, "0000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, ok)

	// probing must leave each repo's HEAD where it started
	head, err := currentHead(ctx, filepath.Join(cpDir, "src", "alpha"))
	require.NoError(t, err)
	require.Equal(t, alphaHead, head)
	head, err = currentHead(ctx, filepath.Join(cpDir, "src", "beta"))
	require.NoError(t, err)
	require.Equal(t, betaHead, head)
}

func TestSourceFromRefSingleSourceShortCircuits(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "single"), "cp_name: single\ncp_sources:\n  only: {}\n")

	reg, err := Load(root)
	require.NoError(t, err)
	cp, _ := reg.Get("single")

	// no git repo exists at all; the single source is still returned
	name, ok, err := reg.SourceFromRef(context.Background(), cp, "1111111111111111111111111111111111111111")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "only", name)
}

func TestSourceFromRefPropagatesUnexpectedGitFailure(t *testing.T) {
	root := t.TempDir()
	cpDir := filepath.Join(root, "twosrc")
	writeManifest(t, cpDir, twoSourceManifest)

	// alpha is a real repo; beta is missing entirely, so probing it fails
	// with something other than "commit not in this tree".
	initRepo(t, filepath.Join(cpDir, "src", "alpha"))

	reg, err := Load(root)
	require.NoError(t, err)
	cp, _ := reg.Get("twosrc")

	// The commit lives in neither source: the alpha probe is an expected
	// miss, the beta probe is an unexpected failure that must surface.
	_, _, err = reg.SourceFromRef(context.Background(), cp, "0000000000000000000000000000000000000000")
	require.Error(t, err)
}

func TestIsInitialCommit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repo")
	rootCommit, headCommit := initRepo(t, dir)

	ctx := context.Background()
	require.True(t, IsInitialCommit(ctx, dir, rootCommit))
	require.False(t, IsInitialCommit(ctx, dir, headCommit))
}
