// Package gphandler implements the GP Job Handler (check_gp): validates a
// Generated Patch against the VDS it claims to fix,
// builds the CP with the patch applied, and reports ACCEPTED as soon as
// the patched build succeeds — functional-test and sanitizer-quench
// results downgrade the score silently, never the reported status.
package gphandler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/cpregistry"
	"github.com/aixcc-finals/capi-scoring/pkg/lock"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/resultsbus"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"github.com/aixcc-finals/capi-scoring/pkg/workspace"
	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// allowedExtensions are the only file extensions a patch may touch
// (case-insensitive), checked against each diff header's old path.
var allowedExtensions = map[string]bool{
	".c":    true,
	".h":    true,
	".in":   true,
	".java": true,
}

// Handler runs check_gp jobs dequeued from the Work Queue.
type Handler struct {
	Store     store.Store
	Registry  *cpregistry.Registry
	Artifacts artifact.Store
	AuditSink audit.Sink
	Results   *resultsbus.Publisher
	TempRoot  string
}

// Handle processes one GP job envelope end to end, mirroring
// vdshandler.Handler.Handle's replay-guard/lock/delegate shape.
func (h *Handler) Handle(ctx context.Context, env queue.Envelope) error {
	if env.GP == nil {
		return fmt.Errorf("gphandler: envelope missing gp_row")
	}

	current, err := h.Store.GetGP(ctx, env.GP.ID)
	if err != nil {
		return fmt.Errorf("gphandler: load gp %s: %w", env.GP.ID, err)
	}
	if current.Status != types.StatusPending {
		metrics.JobRetriesTotal.WithLabelValues(string(queue.KindGP)).Inc()
		return nil
	}

	emitter := audit.NewEmitter(h.AuditSink, audit.Context{
		TeamID:  current.TeamID,
		RunID:   env.AuditContext.RunID,
		GPUUID:  current.ID,
		CPVUUID: current.CPVUUID,
	})

	l, err := lock.Acquire(ctx, "gp", h.Store, lock.GPKey(current.TeamID, current.CPVUUID))
	if err != nil {
		return fmt.Errorf("gphandler: acquire lock: %w", err)
	}
	defer func() {
		if relErr := l.Release(ctx); relErr != nil {
			logger := log.WithComponent("gphandler")
			logger.Error().Err(relErr).Msg("failed to release lock")
		}
	}()

	return h.run(ctx, current, env, emitter)
}

func (h *Handler) run(ctx context.Context, g *types.GeneratedPatch, env queue.Envelope, emitter *audit.Emitter) error {
	if env.Duplicate {
		emitter.Emit(ctx, audit.DuplicateGPSubmission{CPVUUID: g.CPVUUID})
	}

	patchBytes, err := h.Artifacts.Get(ctx, g.DataSHA256)
	if err != nil {
		return fmt.Errorf("gphandler: fetch patch %s: %w", g.DataSHA256, err)
	}
	if !isValidUTF8(patchBytes) {
		return h.fail(ctx, emitter, g.ID, audit.ReasonMalformedPatchFile)
	}

	files, _, err := gitdiff.Parse(strings.NewReader(string(patchBytes)))
	if err != nil || len(files) == 0 {
		return h.fail(ctx, emitter, g.ID, audit.ReasonMalformedPatchFile)
	}

	if !allExtensionsAllowed(files) {
		return h.fail(ctx, emitter, g.ID, audit.ReasonDisallowedFileExtension)
	}

	vds, err := h.Store.GetVDSByCPVUUID(ctx, g.CPVUUID)
	if err != nil {
		return fmt.Errorf("gphandler: load vds for cpv_uuid %s: %w", g.CPVUUID, err)
	}

	cp, ok := h.Registry.Get(vds.CPName)
	if !ok {
		return fmt.Errorf("gphandler: cp %q vanished from registry after submission", vds.CPName)
	}

	// The VDS was accepted, so its commit must still resolve to a source;
	// a miss here is an invariant violation, not a submitter mistake.
	sourceName, ok, err := h.Registry.SourceFromRef(ctx, cp, strings.ToLower(vds.PoUCommitSHA1))
	if err != nil {
		return fmt.Errorf("gphandler: resolve source for %s: %w", vds.PoUCommitSHA1, err)
	}
	if !ok {
		return fmt.Errorf("gphandler: commit %s of accepted vds %s resolves to no source", vds.PoUCommitSHA1, vds.ID)
	}
	headRef, _ := h.Registry.HeadRefFromRef(cp, sourceName)

	ws, err := workspace.Acquire(ctx, cp, h.TempRoot, h.Artifacts, emitter, h.Results, env.RemoteContainer)
	if err != nil {
		return fmt.Errorf("gphandler: acquire workspace: %w", err)
	}
	defer ws.Release()
	ws.SelectSource(sourceName)

	if err := ws.Checkout(ctx, headRef); err != nil {
		return fmt.Errorf("gphandler: checkout %s: %w", headRef, err)
	}

	built, err := ws.Build(ctx, sourceName, g.DataSHA256)
	if err != nil {
		return fmt.Errorf("gphandler: build with patch: %w", err)
	}
	if !built {
		return h.fail(ctx, emitter, g.ID, audit.ReasonPatchFailedApplyOrBuild)
	}

	emitter.Emit(ctx, audit.GPPatchBuilt{Disposition: audit.DispositionGood})

	// The patch built successfully: report ACCEPTED now. Everything past
	// this point is scoring signal only and publishes no further Result.
	if err := h.Results.PublishResult(ctx, resultsbus.Result{
		ResultType:     resultsbus.ResultTypeGP,
		RowID:          g.ID,
		FeedbackStatus: types.StatusAccepted,
	}); err != nil {
		return fmt.Errorf("gphandler: publish accepted result: %w", err)
	}

	passed, err := ws.RunFunctionalTests(ctx)
	if err != nil {
		return fmt.Errorf("gphandler: run functional tests: %w", err)
	}
	if !passed {
		emitter.Emit(ctx, audit.GPSubmissionFailed{
			Reasons:     []string{audit.ReasonFunctionalTestsFailed},
			Disposition: audit.DispositionBad,
		})
		return nil
	}
	emitter.Emit(ctx, audit.GPFunctionalTestsPass{Disposition: audit.DispositionGood})

	triggered, err := ws.CheckSanitizers(ctx, vds.PoVDataSHA256, vds.PoVHarness)
	if errors.Is(err, workspace.ErrBadReturnCode) {
		emitter.Emit(ctx, audit.GPSubmissionFailed{
			Reasons:     []string{audit.ReasonRunPovFailed},
			Disposition: audit.DispositionBad,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("gphandler: check sanitizers: %w", err)
	}

	if triggered[vds.PoUSanitizer] {
		emitter.Emit(ctx, audit.GPSubmissionFailed{
			Reasons:     []string{audit.ReasonSanitizerFiredAfterPatch},
			Disposition: audit.DispositionBad,
		})
		return nil
	}

	emitter.Emit(ctx, audit.GPSanitizerDidNotFire{Disposition: audit.DispositionGood})
	emitter.Emit(ctx, audit.GPSubmissionSuccess{Disposition: audit.DispositionGood})
	return nil
}

// fail emits a gp_submission_failed event with one reason and publishes the
// terminal NOT_ACCEPTED result.
func (h *Handler) fail(ctx context.Context, emitter *audit.Emitter, gpID, reason string) error {
	emitter.Emit(ctx, audit.GPSubmissionFailed{
		Reasons:        []string{reason},
		Disposition:    audit.DispositionBad,
		FeedbackStatus: string(types.StatusNotAccepted),
	})
	return h.Results.PublishResult(ctx, resultsbus.Result{
		ResultType:     resultsbus.ResultTypeGP,
		RowID:          gpID,
		FeedbackStatus: types.StatusNotAccepted,
	})
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// allExtensionsAllowed reports whether every file in the diff has an old
// path (falling back to the new path for added files) whose extension is
// in allowedExtensions. A missing or unparseable path counts as
// disallowed.
func allExtensionsAllowed(files []*gitdiff.File) bool {
	for _, f := range files {
		name := f.OldName
		if name == "" {
			name = f.NewName
		}
		if name == "" {
			return false
		}
		if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
			return false
		}
	}
	return true
}
