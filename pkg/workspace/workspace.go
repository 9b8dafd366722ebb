// Package workspace implements the per-job CP Workspace: a scoped,
// isolated working copy of one Challenge Problem that exposes build /
// run-PoV / run-tests operations as ./run.sh subprocess invocations,
// archiving each command's output directory into the Artifact Store.
package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
	"github.com/aixcc-finals/capi-scoring/pkg/procexec"
	"github.com/aixcc-finals/capi-scoring/pkg/resultsbus"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
)

// RunTimeout bounds every ./run.sh and git invocation a Workspace makes.
// OuterTimeout is not applied anywhere in this package.
const (
	RunTimeout   = 10 * time.Minute
	OuterTimeout = time.Hour
)

// ErrBadReturnCode is raised by CheckSanitizers when run_pov exits non-zero
// or times out; the caller turns this into a RUN_POV_FAILED verdict.
var ErrBadReturnCode = errors.New("workspace: run_pov returned a non-zero exit code")

// ErrNoSourceSelected is returned by Checkout when SelectSource was never
// called.
var ErrNoSourceSelected = errors.New("workspace: no source selected")

// Workspace is a per-job, scoped working copy of one CP.
type Workspace struct {
	dir             string
	cp              *types.ChallengeProblem
	selectedSource  string
	artifacts       artifact.Store
	emitter         *audit.Emitter
	results         *resultsbus.Publisher
	remoteContainer string
}

// Acquire copies cp's root directory into a fresh temp directory under
// tempRoot. Release must be called on every exit path, including errors
// and timeouts, to guarantee the copy is deleted.
func Acquire(ctx context.Context, cp *types.ChallengeProblem, tempRoot string, artifacts artifact.Store, emitter *audit.Emitter, results *resultsbus.Publisher, remoteContainer string) (*Workspace, error) {
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create temp root: %w", err)
	}
	dir, err := os.MkdirTemp(tempRoot, "cpws-")
	if err != nil {
		return nil, fmt.Errorf("workspace: create temp dir: %w", err)
	}
	if err := copyTree(cp.RootDir, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("workspace: copy cp root: %w", err)
	}

	return &Workspace{
		dir:             dir,
		cp:              cp,
		artifacts:       artifacts,
		emitter:         emitter,
		results:         results,
		remoteContainer: remoteContainer,
	}, nil
}

// Release unconditionally deletes the workspace's temp directory.
func (w *Workspace) Release() {
	_ = os.RemoveAll(w.dir)
}

// SelectSource pins which CP source sub-repository Checkout operates on.
func (w *Workspace) SelectSource(name string) {
	w.selectedSource = name
}

// Checkout performs `git checkout -f ref` inside the currently-selected
// source sub-repo.
func (w *Workspace) Checkout(ctx context.Context, ref string) error {
	if w.selectedSource == "" {
		return ErrNoSourceSelected
	}
	srcDir := filepath.Join(w.dir, "src", w.selectedSource)
	res, err := procexec.Run(ctx, srcDir, RunTimeout, "git", "checkout", "-f", ref)
	if err != nil {
		return fmt.Errorf("workspace: checkout %s: %w", ref, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("workspace: checkout %s failed (exit=%d timeout=%v): %s", ref, res.ExitCode, res.TimedOut, res.Stderr)
	}
	return nil
}

// HeadCommit returns the commit SHA the currently-selected source has
// checked out.
func (w *Workspace) HeadCommit(ctx context.Context) (string, error) {
	if w.selectedSource == "" {
		return "", ErrNoSourceSelected
	}
	srcDir := filepath.Join(w.dir, "src", w.selectedSource)
	res, err := procexec.Run(ctx, srcDir, RunTimeout, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("workspace: rev-parse HEAD: %w", err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return "", fmt.Errorf("workspace: rev-parse HEAD failed (exit=%d timeout=%v): %s", res.ExitCode, res.TimedOut, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Build invokes `./run.sh -x -v build [<patchfile> <source>]`.
// When patchSHA256 is non-empty, the patch is fetched from the artifact
// store and materialised in the workspace first. Returns true iff the
// command exits 0; a timeout emits a TIMEOUT{BUILD} audit event.
func (w *Workspace) Build(ctx context.Context, source, patchSHA256 string) (bool, error) {
	var args []string
	if patchSHA256 != "" {
		patchPath := filepath.Join(w.dir, "patch.diff")
		content, err := w.artifacts.Get(ctx, patchSHA256)
		if err != nil {
			return false, fmt.Errorf("workspace: fetch patch %s: %w", patchSHA256, err)
		}
		if err := os.WriteFile(patchPath, content, 0o644); err != nil {
			return false, fmt.Errorf("workspace: write patch: %w", err)
		}
		args = []string{patchPath, source}
	}

	timer := metrics.NewTimer()
	res, err := w.runCommand(ctx, "build", args...)
	timer.ObserveDurationVec(metrics.WorkspaceOperationDuration, "build")
	if err != nil {
		return false, err
	}
	if res.TimedOut {
		w.emitTimeout(ctx, audit.TimeoutContextBuild)
		return false, nil
	}
	return res.ExitCode == 0, nil
}

// CheckSanitizers materialises blobSHA256 and invokes
// `./run.sh -x -v run_pov <blobfile> <harness-name>`. On success, it scans
// the last matching out/output/...run_pov directory's stdout.log and
// stderr.log line-by-line and returns the set of CP sanitizer ids whose
// substring appears in some line.
func (w *Workspace) CheckSanitizers(ctx context.Context, blobSHA256, harnessID string) (map[string]bool, error) {
	harness, ok := w.cp.Harnesses[harnessID]
	if !ok {
		return nil, fmt.Errorf("workspace: unknown harness %q", harnessID)
	}

	blob, err := w.artifacts.Get(ctx, blobSHA256)
	if err != nil {
		return nil, fmt.Errorf("workspace: fetch pov blob %s: %w", blobSHA256, err)
	}
	blobPath := filepath.Join(w.dir, "pov_blob")
	if err := os.WriteFile(blobPath, blob, 0o644); err != nil {
		return nil, fmt.Errorf("workspace: write pov blob: %w", err)
	}

	timer := metrics.NewTimer()
	res, err := w.runCommand(ctx, "run_pov", blobPath, harness.Name)
	timer.ObserveDurationVec(metrics.WorkspaceOperationDuration, "run_pov")
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		w.emitTimeout(ctx, audit.TimeoutContextCheckSanitizers)
		return nil, ErrBadReturnCode
	}
	if res.ExitCode != 0 {
		return nil, ErrBadReturnCode
	}

	outDir, err := w.lastOutputDir("run_pov")
	if err != nil {
		return map[string]bool{}, nil
	}

	triggered := map[string]bool{}
	for _, logName := range []string{"stdout.log", "stderr.log"} {
		scanLogForSanitizers(filepath.Join(outDir, logName), w.cp.Sanitizers, triggered)
	}
	return triggered, nil
}

// RunFunctionalTests invokes `./run.sh -x -v run_tests`. Returns true iff
// the command exits 0.
func (w *Workspace) RunFunctionalTests(ctx context.Context) (bool, error) {
	timer := metrics.NewTimer()
	res, err := w.runCommand(ctx, "run_tests")
	timer.ObserveDurationVec(metrics.WorkspaceOperationDuration, "run_tests")
	if err != nil {
		return false, err
	}
	if res.TimedOut {
		w.emitTimeout(ctx, audit.TimeoutContextRunFunctionalTests)
		return false, nil
	}
	return res.ExitCode == 0, nil
}

// runCommand invokes ./run.sh -x -v <command> [args...] and, on return,
// archives the last matching out/output/...<command> directory.
func (w *Workspace) runCommand(ctx context.Context, command string, args ...string) (procexec.Result, error) {
	full := append([]string{"-x", "-v", command}, args...)
	res, err := procexec.Run(ctx, w.dir, RunTimeout, "./run.sh", full...)
	if err != nil {
		return procexec.Result{}, fmt.Errorf("workspace: run.sh %s: %w", command, err)
	}

	if outDir, archErr := w.lastOutputDir(command); archErr == nil {
		w.archive(ctx, command, outDir, res.ExitCode)
	}
	return res, nil
}

// archive tarballs outDir, uploads it, and emits the cp_output_archived
// audit event plus an Archive results message.
func (w *Workspace) archive(ctx context.Context, command, outDir string, returnCode int) {
	filename, sha, err := artifact.ArchiveTarball(ctx, w.artifacts, command+"-", outDir)
	if err != nil {
		logger := log.WithComponent("workspace")
		logger.Error().Err(err).Str("command", command).Msg("failed to archive cp output")
		return
	}

	if w.emitter != nil {
		w.emitter.Emit(ctx, audit.CPOutputArchived{
			SHA256:     sha,
			Filename:   filename,
			CPName:     w.cp.Name,
			ReturnCode: returnCode,
			Command:    command,
		})
	}
	if w.results != nil {
		if err := w.results.PublishArchive(ctx, resultsbus.Archive{
			RemoteContainer: w.remoteContainer,
			Filename:        filename,
			SHA256:          sha,
		}); err != nil {
			logger := log.WithComponent("workspace")
			logger.Error().Err(err).Msg("failed to publish archive message")
		}
	}
}

func (w *Workspace) emitTimeout(ctx context.Context, timeoutCtx audit.TimeoutContext) {
	metrics.WorkspaceOperationTimeoutsTotal.WithLabelValues(string(timeoutCtx)).Inc()
	if w.emitter != nil {
		w.emitter.Emit(ctx, audit.Timeout{Context: timeoutCtx})
	}
}

// lastOutputDir returns the lexicographically-last entry directly under
// out/output whose name ends with suffix.
func (w *Workspace) lastOutputDir(suffix string) (string, error) {
	root := filepath.Join(w.dir, "out", "output")
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}

	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no out/output directory ending in %q", suffix)
	}
	sort.Strings(matches)
	return filepath.Join(root, matches[len(matches)-1]), nil
}

func scanLogForSanitizers(path string, sanitizers map[string]string, triggered map[string]bool) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for id, substr := range sanitizers {
			if strings.Contains(line, substr) {
				triggered[id] = true
			}
		}
	}
}

// copyTree recursively copies src into dst, which must already exist.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
