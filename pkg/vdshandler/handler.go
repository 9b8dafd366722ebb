// Package vdshandler implements the VDS Job Handler (check_vds): validates
// a Vulnerability Discovery Submission against its CP and
// produces a terminal ACCEPTED/NOT_ACCEPTED verdict, published exactly
// once on the Results Bus alongside a rich audit trail.
package vdshandler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

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
	"github.com/google/uuid"
)

// sanitizerIteration describes one point in history the PoV is replayed
// at, and whether the expected sanitizer must or must not fire there.
type sanitizerIteration struct {
	ref            string
	mustFire       bool
	reasonMismatch string
}

// Handler runs check_vds jobs dequeued from the Work Queue.
type Handler struct {
	Store              store.Store
	Registry           *cpregistry.Registry
	Artifacts          artifact.Store
	AuditSink          audit.Sink
	Results            *resultsbus.Publisher
	TempRoot           string
	RejectDuplicateVDS bool
}

// Handle processes one VDS job envelope end to end. It never returns an
// error for a business-logic rejection (those are terminal NOT_ACCEPTED
// verdicts); a returned error means an operational failure that should
// cause the at-least-once queue to redeliver the job.
func (h *Handler) Handle(ctx context.Context, env queue.Envelope) error {
	if env.VDS == nil {
		return fmt.Errorf("vdshandler: envelope missing vds_row")
	}

	// Replay guard: re-read current state, not the enqueue-time snapshot.
	current, err := h.Store.GetVDS(ctx, env.VDS.ID)
	if err != nil {
		return fmt.Errorf("vdshandler: load vds %s: %w", env.VDS.ID, err)
	}
	if current.Status != types.StatusPending {
		metrics.JobRetriesTotal.WithLabelValues(string(queue.KindVDS)).Inc()
		return nil
	}

	emitter := audit.NewEmitter(h.AuditSink, audit.Context{
		TeamID: current.TeamID,
		RunID:  env.AuditContext.RunID,
		CPName: current.CPName,
		VDUUID: current.ID,
	})

	l, err := lock.Acquire(ctx, "vds", h.Store, lock.VDSKey(current.TeamID, current.PoUCommitSHA1))
	if err != nil {
		return fmt.Errorf("vdshandler: acquire lock: %w", err)
	}
	defer func() {
		if relErr := l.Release(ctx); relErr != nil {
			logger := log.WithComponent("vdshandler")
			logger.Error().Err(relErr).Msg("failed to release lock")
		}
	}()

	return h.run(ctx, current, env, emitter)
}

func (h *Handler) run(ctx context.Context, v *types.VulnerabilityDiscovery, env queue.Envelope, emitter *audit.Emitter) error {
	cp, ok := h.Registry.Get(v.CPName)
	if !ok {
		return fmt.Errorf("vdshandler: cp %q vanished from registry after submission", v.CPName)
	}

	expectedSubstring, ok := cp.Sanitizers[v.PoUSanitizer]
	if !ok {
		emitter.Emit(ctx, audit.VDSubmissionInvalid{
			Reason:      audit.ReasonSanitizerNotFound,
			Disposition: audit.DispositionBad,
		})
		return h.reject(ctx, v.ID)
	}

	commit := strings.ToLower(v.PoUCommitSHA1)
	sourceName, ok, err := h.Registry.SourceFromRef(ctx, cp, commit)
	if err != nil {
		return fmt.Errorf("vdshandler: resolve source for %s: %w", commit, err)
	}
	if !ok {
		emitter.Emit(ctx, audit.VDSubmissionInvalid{
			Reason:      audit.ReasonCommitNotInRepo,
			Disposition: audit.DispositionBad,
		})
		return h.reject(ctx, v.ID)
	}

	srcDir := cp.RootDir + "/src/" + sourceName
	if cpregistry.IsInitialCommit(ctx, srcDir, commit) {
		emitter.Emit(ctx, audit.VDSubmissionInvalid{
			Reason:      audit.ReasonSubmittedInitialCommit,
			Disposition: audit.DispositionBad,
		})
		return h.reject(ctx, v.ID)
	}

	ws, err := workspace.Acquire(ctx, cp, h.TempRoot, h.Artifacts, emitter, h.Results, env.RemoteContainer)
	if err != nil {
		return fmt.Errorf("vdshandler: acquire workspace: %w", err)
	}
	defer ws.Release()
	ws.SelectSource(sourceName)

	headRef, _ := h.Registry.HeadRefFromRef(cp, sourceName)

	iterations := []sanitizerIteration{
		{ref: headRef, mustFire: true, reasonMismatch: audit.ReasonSanitizerDidNotFireAtHead},
		{ref: commit, mustFire: true, reasonMismatch: audit.ReasonSanitizerDidNotFireAtSHA},
		{ref: commit + "~1", mustFire: false, reasonMismatch: audit.ReasonSanitizerFiredBeforeSHA},
	}

	var reasons []string
	for _, iter := range iterations {
		if err := ws.Checkout(ctx, iter.ref); err != nil {
			emitter.Emit(ctx, audit.VDSubmissionInvalid{
				Reason:      audit.ReasonCommitCheckoutFailed,
				Disposition: audit.DispositionBad,
			})
			return h.reject(ctx, v.ID)
		}

		// The audit trail carries the commit the checkout landed on, not
		// the ref expression it was asked for ("<sha>~1" resolves here).
		commitSHA, err := ws.HeadCommit(ctx)
		if err != nil {
			return fmt.Errorf("vdshandler: resolve checked-out commit at %s: %w", iter.ref, err)
		}

		if ok, err := ws.Build(ctx, sourceName, ""); err != nil {
			return fmt.Errorf("vdshandler: build at %s: %w", iter.ref, err)
		} else if !ok {
			emitter.Emit(ctx, audit.VDSubmissionFailed{
				Reasons:        []string{audit.ReasonRunPovFailed},
				Disposition:    audit.DispositionBad,
				FeedbackStatus: string(types.StatusNotAccepted),
			})
			return h.reject(ctx, v.ID)
		}

		triggered, err := ws.CheckSanitizers(ctx, v.PoVDataSHA256, v.PoVHarness)
		if errors.Is(err, workspace.ErrBadReturnCode) {
			emitter.Emit(ctx, audit.VDSubmissionFailed{
				Reasons:        []string{audit.ReasonRunPovFailed},
				Disposition:    audit.DispositionBad,
				FeedbackStatus: string(types.StatusNotAccepted),
			})
			return h.reject(ctx, v.ID)
		}
		if err != nil {
			return fmt.Errorf("vdshandler: check sanitizers at %s: %w", iter.ref, err)
		}

		fired := triggered[v.PoUSanitizer]
		disposition := audit.DispositionGood
		if fired != iter.mustFire {
			disposition = audit.DispositionBad
			reasons = append(reasons, iter.reasonMismatch)
		}

		emitter.Emit(ctx, audit.VDSanitizerResult{
			CommitSHA:                  commitSHA,
			Disposition:                disposition,
			ExpectedSanitizer:          expectedSubstring,
			ExpectedSanitizerTriggered: fired,
			SanitizersTriggered:        triggeredSubstrings(triggered, cp.Sanitizers),
		})
	}

	if h.RejectDuplicateVDS && env.Duplicate {
		emitter.Emit(ctx, audit.VDSubmissionFailed{
			Reasons:        []string{audit.ReasonDuplicateCommit},
			Disposition:    audit.DispositionBad,
			FeedbackStatus: string(types.StatusNotAccepted),
		})
		return h.reject(ctx, v.ID)
	}

	if len(reasons) > 0 {
		emitter.Emit(ctx, audit.VDSubmissionFailed{
			Reasons:        reasons,
			Disposition:    audit.DispositionBad,
			FeedbackStatus: string(types.StatusNotAccepted),
		})
		return h.reject(ctx, v.ID)
	}

	cpvUUID := uuid.NewString()
	emitter.SetCPVUUID(cpvUUID)
	emitter.Emit(ctx, audit.VDSubmissionSuccess{
		CPVUUID:        cpvUUID,
		Disposition:    audit.DispositionGood,
		FeedbackStatus: string(types.StatusAccepted),
	})
	return h.Results.PublishResult(ctx, resultsbus.Result{
		ResultType:     resultsbus.ResultTypeVDS,
		RowID:          v.ID,
		FeedbackStatus: types.StatusAccepted,
		CPVUUID:        cpvUUID,
	})
}

func (h *Handler) reject(ctx context.Context, vdsID string) error {
	return h.Results.PublishResult(ctx, resultsbus.Result{
		ResultType:     resultsbus.ResultTypeVDS,
		RowID:          vdsID,
		FeedbackStatus: types.StatusNotAccepted,
	})
}

// triggeredSubstrings maps the fired sanitizer ids back to the CP's
// configured output substrings, sorted for stable audit payloads.
func triggeredSubstrings(triggered map[string]bool, sanitizers map[string]string) []string {
	out := make([]string, 0, len(triggered))
	for id, fired := range triggered {
		if fired {
			out = append(out, sanitizers[id])
		}
	}
	sort.Strings(out)
	return out
}
