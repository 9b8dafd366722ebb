// Package cpregistry loads the read-only catalog of Challenge Problems
// available to the scoring pipeline from a directory of project.yaml files.
package cpregistry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/procexec"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"gopkg.in/yaml.v3"
)

// projectYAML mirrors the on-disk project.yaml shape.
type projectYAML struct {
	CPName      string                  `yaml:"cp_name"`
	DockerImage string                  `yaml:"docker_image"`
	DockerArgs  []string                `yaml:"docker_args"`
	Sanitizers  map[string]string       `yaml:"sanitizers"`
	Harnesses   map[string]harnessYAML  `yaml:"harnesses"`
	CPSources   map[string]cpSourceYAML `yaml:"cp_sources"`
}

type harnessYAML struct {
	Name string `yaml:"name"`
}

type cpSourceYAML struct {
	Ref string `yaml:"ref"`
}

// Registry is the process-wide, read-only catalog of Challenge Problems.
type Registry struct {
	cps map[string]*types.ChallengeProblem
}

// Load scans root for immediate subdirectories containing a project.yaml
// and builds the in-memory Registry. A subdirectory without a cp_name or
// with empty cp_sources is skipped (it is not a valid CP).
func Load(root string) (*Registry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read cp root %s: %w", root, err)
	}

	reg := &Registry{cps: make(map[string]*types.ChallengeProblem)}
	logger := log.WithComponent("cpregistry")

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cpDir := filepath.Join(root, entry.Name())
		manifestPath := filepath.Join(cpDir, "project.yaml")

		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue // not a CP directory
		}

		var manifest projectYAML
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			logger.Warn().Err(err).Str("dir", cpDir).Msg("failed to parse project.yaml, skipping")
			continue
		}
		if manifest.CPName == "" || len(manifest.CPSources) == 0 {
			continue
		}

		cp := &types.ChallengeProblem{
			Name:        manifest.CPName,
			RootDir:     cpDir,
			DockerImage: manifest.DockerImage,
			DockerArgs:  manifest.DockerArgs,
			Sanitizers:  manifest.Sanitizers,
			Harnesses:   make(map[string]types.Harness, len(manifest.Harnesses)),
			Sources:     make(map[string]types.SourceRef, len(manifest.CPSources)),
		}
		for id, h := range manifest.Harnesses {
			cp.Harnesses[id] = types.Harness{Name: h.Name}
		}
		for name, s := range manifest.CPSources {
			ref := s.Ref
			if ref == "" {
				ref = "main"
			}
			cp.Sources[name] = types.SourceRef{Name: name, Ref: ref}
		}

		reg.cps[cp.Name] = cp
		logger.Info().Str("cp_name", cp.Name).Int("sources", len(cp.Sources)).Msg("loaded challenge problem")
	}

	return reg, nil
}

// Get returns the named CP and whether it exists.
func (r *Registry) Get(name string) (*types.ChallengeProblem, bool) {
	cp, ok := r.cps[name]
	return cp, ok
}

// Has reports whether name is a known CP.
func (r *Registry) Has(name string) bool {
	_, ok := r.cps[name]
	return ok
}

// SourceFromRef resolves which of cp's embedded sources owns commit.
// With a single source it is returned unconditionally; otherwise each
// source's repo is probed with a throwaway checkout, restoring its
// original HEAD before returning. A probe failing for any reason other
// than "this commit is not in this tree" is returned as an error, not
// swallowed into a not-found result.
func (r *Registry) SourceFromRef(ctx context.Context, cp *types.ChallengeProblem, commit string) (string, bool, error) {
	if len(cp.Sources) == 1 {
		for name := range cp.Sources {
			return name, true, nil
		}
	}

	for name := range cp.Sources {
		srcDir := filepath.Join(cp.RootDir, "src", name)
		found, err := commitExistsIn(ctx, srcDir, commit)
		if err != nil {
			return "", false, fmt.Errorf("probe source %s for %s: %w", name, commit, err)
		}
		if found {
			return name, true, nil
		}
	}
	return "", false, nil
}

// HeadRefFromRef returns the tracked ref of cp's source named sourceName
// (as resolved by SourceFromRef), or false when cp has no such source.
func (r *Registry) HeadRefFromRef(cp *types.ChallengeProblem, sourceName string) (string, bool) {
	src, ok := cp.Sources[sourceName]
	if !ok {
		return "", false
	}
	return src.Ref, true
}

// IsInitialCommit reports whether commit has no parent in srcDir.
func IsInitialCommit(ctx context.Context, srcDir, commit string) bool {
	res, err := procexec.Run(ctx, srcDir, 30*time.Second, "git", "rev-parse", commit+"^")
	if err != nil {
		return false
	}
	return res.ExitCode != 0
}

// unknownRevisionMarkers are the git stderr fragments that mean "this
// commit is simply not in this tree". Any other checkout failure is an
// unexpected git error and must surface to the caller.
var unknownRevisionMarkers = []string{
	"fatal: unable to read tree",
	"fatal: reference is not a tree",
	"did not match any file(s) known to git",
}

func commitExistsIn(ctx context.Context, srcDir, commit string) (bool, error) {
	origHead, err := currentHead(ctx, srcDir)
	if err != nil {
		return false, err
	}

	res, err := procexec.Run(ctx, srcDir, 30*time.Second, "git", "checkout", "-f", commit)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		if isUnknownRevision(res.Stderr) {
			// Expected probe miss; the failed checkout never moved HEAD.
			return false, nil
		}
		return false, fmt.Errorf("git checkout %s in %s: %s", commit, srcDir, strings.TrimSpace(res.Stderr))
	}

	restore, err := procexec.Run(ctx, srcDir, 30*time.Second, "git", "checkout", "-f", origHead)
	if err != nil {
		return false, err
	}
	if restore.ExitCode != 0 {
		return false, fmt.Errorf("restore HEAD %s in %s: %s", origHead, srcDir, strings.TrimSpace(restore.Stderr))
	}
	return true, nil
}

func isUnknownRevision(stderr string) bool {
	for _, marker := range unknownRevisionMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func currentHead(ctx context.Context, srcDir string) (string, error) {
	res, err := procexec.Run(ctx, srcDir, 10*time.Second, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse HEAD failed: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}
