// Submission handlers: on submission, persist an initial PENDING row,
// perform cheap synchronous validation, enqueue exactly one job, and
// return immediately. Scoring itself always happens off the request path
// in the VDS/GP job handlers.
package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"github.com/google/uuid"
)

const (
	maxPoVDecodedBytes   = 2 * 1024 * 1024 // 2 MiB
	maxPatchDecodedBytes = 100 * 1024      // 100 KiB
)

// metadataHandler reports the run id this scoring instance was started with.
func (s *Server) metadataHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"run_id": s.RunID})
}

type vdsSubmitRequest struct {
	CPName string `json:"cp_name"`
	PoU    struct {
		CommitSHA1 string `json:"commit_sha1"`
		Sanitizer  string `json:"sanitizer"`
	} `json:"pou"`
	PoV struct {
		Harness string `json:"harness"`
		Data    string `json:"data"`
	} `json:"pov"`
}

func (s *Server) submitVDSHandler(w http.ResponseWriter, r *http.Request) {
	var req vdsSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}

	if s.MockMode {
		vdUUID := uuid.NewString()
		s.emitMock(r.Context(), "submit_vds")
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  string(types.StatusAccepted),
			"cp_name": req.CPName,
			"vd_uuid": vdUUID,
		})
		return
	}

	povData, err := base64.StdEncoding.DecodeString(req.PoV.Data)
	if err != nil || len(povData) > maxPoVDecodedBytes {
		writeError(w, http.StatusUnprocessableEntity, "pov data must be base64, decoded size <= 2 MiB")
		return
	}
	commit := strings.ToLower(strings.TrimSpace(req.PoU.CommitSHA1))
	if !isHex40(commit) {
		writeError(w, http.StatusUnprocessableEntity, "pou.commit_sha1 must be 40 hex characters")
		return
	}
	if req.PoU.Sanitizer == "" || req.PoV.Harness == "" {
		writeError(w, http.StatusUnprocessableEntity, "pou.sanitizer and pov.harness are required")
		return
	}

	team := teamFromContext(r.Context())
	ctx := r.Context()

	povSHA, err := s.Artifacts.Put(ctx, povData)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store pov blob")
		return
	}

	vds := &types.VulnerabilityDiscovery{
		ID:            uuid.NewString(),
		TeamID:        team.ID,
		CPName:        req.CPName,
		PoUCommitSHA1: commit,
		PoUSanitizer:  req.PoU.Sanitizer,
		PoVHarness:    req.PoV.Harness,
		PoVDataSHA256: povSHA,
		Status:        types.StatusPending,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.Store.CreateVDS(ctx, vds); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist submission")
		return
	}

	emitter := audit.NewEmitter(s.AuditSink, audit.Context{
		TeamID: team.ID,
		RunID:  s.RunID,
		CPName: req.CPName,
		VDUUID: vds.ID,
	})
	emitter.Emit(ctx, audit.VDSubmission{
		Harness:       req.PoV.Harness,
		PoVBlobSHA256: povSHA,
		PoUCommit:     commit,
		Sanitizer:     req.PoU.Sanitizer,
	})

	if !s.Registry.Has(req.CPName) {
		emitter.Emit(ctx, audit.VDSubmissionInvalid{
			Reason:      audit.ReasonCPNotInCPRootFolder,
			Disposition: audit.DispositionBad,
		})
		_ = s.Store.UpdateVDSStatus(ctx, vds.ID, types.StatusNotAccepted, "")
		writeError(w, http.StatusNotFound, "unknown cp_name")
		return
	}

	duplicate := false
	if s.RejectDuplicateVDS {
		n, err := s.Store.CountAcceptedVDSByCommit(ctx, team.ID, req.CPName, commit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check for duplicate submission")
			return
		}
		duplicate = n > 0
	}

	if err := s.enqueueVDS(ctx, team.ID, vds, duplicate); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue submission")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(types.StatusPending),
		"cp_name": req.CPName,
		"vd_uuid": vds.ID,
	})
}

func (s *Server) enqueueVDS(ctx context.Context, teamID string, vds *types.VulnerabilityDiscovery, duplicate bool) error {
	remoteAccessURL, _ := s.Artifacts.SignedURL(ctx, vds.PoVDataSHA256)
	workerID := queue.RouteWorker(teamID, s.Workers)
	if workerID == queue.DefaultWorker && !contains(s.Workers, teamID) {
		logger := log.WithComponent("api")
		logger.Warn().Str("team_id", teamID).Msg("team has no dedicated worker queue, routing to default")
	}

	_, err := s.Queue.Enqueue(ctx, workerID, queue.Envelope{
		Kind:  queue.KindVDS,
		JobID: queue.VDSJobID(vds.ID),
		AuditContext: audit.Context{
			TeamID: teamID,
			RunID:  s.RunID,
			CPName: vds.CPName,
			VDUUID: vds.ID,
		},
		VDS:             vds,
		Duplicate:       duplicate,
		RemoteContainer: s.RemoteContainer,
		RemoteAccessURL: remoteAccessURL,
	})
	return err
}

func (s *Server) statusVDSHandler(w http.ResponseWriter, r *http.Request) {
	vdUUID := r.PathValue("vd_uuid")

	if s.MockMode {
		s.emitMock(r.Context(), "status_vds")
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   string(types.StatusAccepted),
			"vd_uuid":  vdUUID,
			"cpv_uuid": uuid.NewString(), // mock mode holds no state; a fresh UUID per call
		})
		return
	}

	team := teamFromContext(r.Context())
	vds, err := s.Store.GetVDS(r.Context(), vdUUID)
	if err != nil || vds.TeamID != team.ID {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}

	resp := map[string]string{
		"status":  string(vds.Status),
		"vd_uuid": vds.ID,
	}
	if vds.CPVUUID != "" {
		resp["cpv_uuid"] = vds.CPVUUID
	}
	writeJSON(w, http.StatusOK, resp)
}

type gpSubmitRequest struct {
	CPVUUID string `json:"cpv_uuid"`
	Data    string `json:"data"`
}

func (s *Server) submitGPHandler(w http.ResponseWriter, r *http.Request) {
	var req gpSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}

	if s.MockMode {
		data, _ := base64.StdEncoding.DecodeString(req.Data)
		gpUUID := uuid.NewString()
		s.emitMock(r.Context(), "submit_gp")
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     string(types.StatusAccepted),
			"patch_size": len(data),
			"gp_uuid":    gpUUID,
		})
		return
	}

	patchData, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil || len(patchData) > maxPatchDecodedBytes {
		writeError(w, http.StatusUnprocessableEntity, "data must be base64, decoded size <= 100 KiB")
		return
	}
	if _, err := uuid.Parse(req.CPVUUID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "cpv_uuid must be a valid UUID")
		return
	}

	team := teamFromContext(r.Context())
	ctx := r.Context()

	patchSHA, err := s.Artifacts.Put(ctx, patchData)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store patch")
		return
	}

	gp := &types.GeneratedPatch{
		ID:         uuid.NewString(),
		TeamID:     team.ID,
		CPVUUID:    req.CPVUUID,
		DataSHA256: patchSHA,
		Status:     types.StatusPending,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.Store.CreateGP(ctx, gp); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist submission")
		return
	}

	emitter := audit.NewEmitter(s.AuditSink, audit.Context{
		TeamID:  team.ID,
		RunID:   s.RunID,
		GPUUID:  gp.ID,
		CPVUUID: gp.CPVUUID,
	})
	emitter.Emit(ctx, audit.GPSubmission{
		SubmittedCPVUUID: req.CPVUUID,
		PatchSHA256:      patchSHA,
	})

	vds, err := s.Store.GetVDSByCPVUUID(ctx, req.CPVUUID)
	if err != nil {
		if err == store.ErrNotFound {
			emitter.Emit(ctx, audit.GPSubmissionInvalid{Reason: audit.ReasonInvalidVDSID})
			_ = s.Store.UpdateGPStatus(ctx, gp.ID, types.StatusNotAccepted)
			writeError(w, http.StatusNotFound, "no accepted vulnerability discovery for that cpv_uuid")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up vulnerability discovery")
		return
	}
	if vds.TeamID != team.ID {
		emitter.Emit(ctx, audit.GPSubmissionInvalid{Reason: audit.ReasonVDSFromAnotherTeam})
		_ = s.Store.UpdateGPStatus(ctx, gp.ID, types.StatusNotAccepted)
		writeError(w, http.StatusNotFound, "no accepted vulnerability discovery for that cpv_uuid")
		return
	}

	existing, err := s.Store.CountGPByCPVUUID(ctx, req.CPVUUID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check for duplicate submission")
		return
	}
	duplicate := existing > 1 // this row itself was already counted

	remoteAccessURL, _ := s.Artifacts.SignedURL(ctx, patchSHA)
	workerID := queue.RouteWorker(team.ID, s.Workers)
	if _, err := s.Queue.Enqueue(ctx, workerID, queue.Envelope{
		Kind:  queue.KindGP,
		JobID: queue.GPJobID(gp.ID),
		AuditContext: audit.Context{
			TeamID:  team.ID,
			RunID:   s.RunID,
			GPUUID:  gp.ID,
			CPVUUID: gp.CPVUUID,
		},
		GP:              gp,
		Duplicate:       duplicate,
		RemoteContainer: s.RemoteContainer,
		RemoteAccessURL: remoteAccessURL,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue submission")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     string(types.StatusPending),
		"patch_size": len(patchData),
		"gp_uuid":    gp.ID,
	})
}

func (s *Server) statusGPHandler(w http.ResponseWriter, r *http.Request) {
	gpUUID := r.PathValue("gp_uuid")

	if s.MockMode {
		s.emitMock(r.Context(), "status_gp")
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  string(types.StatusAccepted),
			"gp_uuid": gpUUID,
		})
		return
	}

	team := teamFromContext(r.Context())
	gp, err := s.Store.GetGP(r.Context(), gpUUID)
	if err != nil || gp.TeamID != team.ID {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(gp.Status),
		"gp_uuid": gp.ID,
	})
}

type auditControlRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) auditStartHandler(w http.ResponseWriter, r *http.Request) {
	var req auditControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	emitter := audit.NewEmitter(s.AuditSink, audit.Context{RunID: s.RunID})
	emitter.Emit(r.Context(), audit.CompetitionStart{Timestamp: req.Timestamp, Official: true})
	writeJSON(w, http.StatusOK, map[string]string{"message": "competition start recorded"})
}

func (s *Server) auditStopHandler(w http.ResponseWriter, r *http.Request) {
	var req auditControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	emitter := audit.NewEmitter(s.AuditSink, audit.Context{RunID: s.RunID})
	emitter.Emit(r.Context(), audit.CompetitionStop{Timestamp: req.Timestamp})
	writeJSON(w, http.StatusOK, map[string]string{"message": "competition stop recorded"})
}

func (s *Server) emitMock(ctx context.Context, route string) {
	emitter := audit.NewEmitter(s.AuditSink, audit.Context{RunID: s.RunID})
	emitter.Emit(ctx, audit.MockResponse{Route: route})
}

func isHex40(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
