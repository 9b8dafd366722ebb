package audit

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names one structured audit event kind.
type EventType string

const (
	EventVDSubmission          EventType = "vd_submission"
	EventVDSubmissionInvalid   EventType = "vd_submission_invalid"
	EventVDSubmissionFailed    EventType = "vd_submission_failed"
	EventVDSubmissionSuccess   EventType = "vd_submission_success"
	EventVDSanitizerResult     EventType = "vd_sanitizer_result"
	EventGPSubmission          EventType = "gp_submission"
	EventGPSubmissionInvalid   EventType = "gp_submission_invalid"
	EventGPSubmissionFailed    EventType = "gp_submission_failed"
	EventGPPatchBuilt          EventType = "gp_patch_built"
	EventGPFunctionalTestsPass EventType = "gp_functional_tests_pass"
	EventGPSanitizerDidNotFire EventType = "gp_sanitizer_did_not_fire"
	EventGPSubmissionSuccess   EventType = "gp_submission_success"
	EventDuplicateGPForCPVUUID EventType = "duplicate_gp_submission_for_cpv_uuid"
	EventTimeout               EventType = "timeout"
	EventCPOutputArchived      EventType = "cp_output_archived"
	EventMockResponse          EventType = "mock_response"
	EventCompetitionStart      EventType = "competition_start"
	EventCompetitionStop       EventType = "competition_stop"
)

// Disposition grades an event outcome for downstream scoring.
type Disposition string

const (
	DispositionGood Disposition = "GOOD"
	DispositionBad  Disposition = "BAD"
)

// Failure reason codes, used inside vd_submission_invalid / vd_submission_failed
// / gp_submission_invalid / gp_submission_failed event payloads.
const (
	ReasonSanitizerNotFound         = "SANITIZER_NOT_FOUND"
	ReasonCommitNotInRepo           = "COMMIT_NOT_IN_REPO"
	ReasonSubmittedInitialCommit    = "SUBMITTED_INITIAL_COMMIT"
	ReasonCommitCheckoutFailed      = "COMMIT_CHECKOUT_FAILED"
	ReasonSanitizerDidNotFireAtHead = "SANITIZER_DID_NOT_FIRE_AT_HEAD"
	ReasonSanitizerDidNotFireAtSHA  = "SANITIZER_DID_NOT_FIRE_AT_COMMIT"
	ReasonSanitizerFiredBeforeSHA   = "SANITIZER_FIRED_BEFORE_COMMIT"
	ReasonRunPovFailed              = "RUN_POV_FAILED"
	ReasonDuplicateCommit           = "DUPLICATE_COMMIT"
	ReasonCPNotInCPRootFolder       = "CP_NOT_IN_CP_ROOT_FOLDER"
	ReasonMalformedPatchFile        = "MALFORMED_PATCH_FILE"
	ReasonDisallowedFileExtension   = "PATCHED_DISALLOWED_FILE_EXTENSION"
	ReasonPatchFailedApplyOrBuild   = "PATCH_FAILED_APPLY_OR_BUILD"
	ReasonFunctionalTestsFailed     = "FUNCTIONAL_TESTS_FAILED"
	ReasonSanitizerFiredAfterPatch  = "SANITIZER_FIRED_AFTER_PATCH"
	ReasonInvalidVDSID              = "INVALID_VDS_ID"
	ReasonVDSFromAnotherTeam        = "VDS_WAS_FROM_ANOTHER_TEAM"
)

// TimeoutContext names which workspace operation timed out.
type TimeoutContext string

const (
	TimeoutContextBuild              TimeoutContext = "BUILD"
	TimeoutContextCheckSanitizers    TimeoutContext = "CHECK_SANITIZERS"
	TimeoutContextRunFunctionalTests TimeoutContext = "RUN_FUNCTIONAL_TESTS"
)

// Event is one typed audit payload. Every event kind is its own struct, so
// the required fields of each kind are checked before transmission instead
// of travelling in a free-form dictionary. An event failing Validate is
// dropped and logged by the Emitter, never sent.
type Event interface {
	Type() EventType
	Validate() error
}

// CompetitionStart marks the official start of scoring.
type CompetitionStart struct {
	Timestamp time.Time `json:"timestamp"`
	Official  bool      `json:"official"`
}

func (CompetitionStart) Type() EventType { return EventCompetitionStart }

func (e CompetitionStart) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%s: timestamp is required", EventCompetitionStart)
	}
	return nil
}

// CompetitionStop marks the end of scoring.
type CompetitionStop struct {
	Timestamp time.Time `json:"timestamp"`
}

func (CompetitionStop) Type() EventType { return EventCompetitionStop }

func (e CompetitionStop) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%s: timestamp is required", EventCompetitionStop)
	}
	return nil
}

// MockResponse records a mock-mode short circuit of an API handler.
type MockResponse struct {
	Route string `json:"route,omitempty"`
}

func (MockResponse) Type() EventType { return EventMockResponse }
func (MockResponse) Validate() error { return nil }

// Timeout records a workspace operation hitting its hard deadline.
type Timeout struct {
	Context TimeoutContext `json:"context"`
}

func (Timeout) Type() EventType { return EventTimeout }

func (e Timeout) Validate() error {
	switch e.Context {
	case TimeoutContextBuild, TimeoutContextCheckSanitizers, TimeoutContextRunFunctionalTests:
		return nil
	}
	return fmt.Errorf("%s: unknown context %q", EventTimeout, e.Context)
}

// CPOutputArchived points at a CP command's output directory, tarballed and
// uploaded to the artifact store.
type CPOutputArchived struct {
	SHA256     string `json:"sha256"`
	Filename   string `json:"filename"`
	CPName     string `json:"cp_name"`
	ReturnCode int    `json:"return_code"`
	Command    string `json:"command"`
}

func (CPOutputArchived) Type() EventType { return EventCPOutputArchived }

func (e CPOutputArchived) Validate() error {
	if !isHex(e.SHA256, 64) {
		return fmt.Errorf("%s: sha256 must be 64 hex characters", EventCPOutputArchived)
	}
	if e.Filename == "" || e.CPName == "" || e.Command == "" {
		return fmt.Errorf("%s: filename, cp_name and command are required", EventCPOutputArchived)
	}
	return nil
}

// VDSubmission records a vulnerability discovery arriving at the API.
type VDSubmission struct {
	Harness       string `json:"harness"`
	PoVBlobSHA256 string `json:"pov_blob_sha256"`
	PoUCommit     string `json:"pou_commit"`
	Sanitizer     string `json:"sanitizer"`
}

func (VDSubmission) Type() EventType { return EventVDSubmission }

func (e VDSubmission) Validate() error {
	if e.Harness == "" || e.Sanitizer == "" {
		return fmt.Errorf("%s: harness and sanitizer are required", EventVDSubmission)
	}
	if !isHex(e.PoVBlobSHA256, 64) {
		return fmt.Errorf("%s: pov_blob_sha256 must be 64 hex characters", EventVDSubmission)
	}
	if !isHex(e.PoUCommit, 40) || e.PoUCommit != strings.ToLower(e.PoUCommit) {
		return fmt.Errorf("%s: pou_commit must be 40 lowercase hex characters", EventVDSubmission)
	}
	return nil
}

// VDSubmissionInvalid records a submission rejected before any PoV ran.
type VDSubmissionInvalid struct {
	Reason      string      `json:"reason"`
	Disposition Disposition `json:"disposition"`
}

func (VDSubmissionInvalid) Type() EventType { return EventVDSubmissionInvalid }

func (e VDSubmissionInvalid) Validate() error {
	if !oneOf(e.Reason,
		ReasonSanitizerNotFound,
		ReasonCommitCheckoutFailed,
		ReasonCPNotInCPRootFolder,
		ReasonCommitNotInRepo,
		ReasonSubmittedInitialCommit,
	) {
		return fmt.Errorf("%s: unknown reason %q", EventVDSubmissionInvalid, e.Reason)
	}
	if e.Disposition != DispositionBad {
		return fmt.Errorf("%s: disposition must be %s", EventVDSubmissionInvalid, DispositionBad)
	}
	return nil
}

// VDSubmissionFailed records a submission whose PoV ran but did not prove
// the claimed vulnerability.
type VDSubmissionFailed struct {
	Reasons        []string    `json:"reasons"`
	Disposition    Disposition `json:"disposition"`
	FeedbackStatus string      `json:"feedback_status"`
}

func (VDSubmissionFailed) Type() EventType { return EventVDSubmissionFailed }

func (e VDSubmissionFailed) Validate() error {
	if len(e.Reasons) == 0 {
		return fmt.Errorf("%s: at least one reason is required", EventVDSubmissionFailed)
	}
	for _, r := range e.Reasons {
		if !oneOf(r,
			ReasonSanitizerDidNotFireAtHead,
			ReasonSanitizerDidNotFireAtSHA,
			ReasonSanitizerFiredBeforeSHA,
			ReasonRunPovFailed,
			ReasonDuplicateCommit,
		) {
			return fmt.Errorf("%s: unknown reason %q", EventVDSubmissionFailed, r)
		}
	}
	if e.Disposition != DispositionBad {
		return fmt.Errorf("%s: disposition must be %s", EventVDSubmissionFailed, DispositionBad)
	}
	if e.FeedbackStatus != "NOT_ACCEPTED" {
		return fmt.Errorf("%s: feedback_status must be NOT_ACCEPTED", EventVDSubmissionFailed)
	}
	return nil
}

// VDSubmissionSuccess records an accepted submission and the cpv_uuid
// minted for it.
type VDSubmissionSuccess struct {
	CPVUUID        string      `json:"cpv_uuid"`
	Disposition    Disposition `json:"disposition"`
	FeedbackStatus string      `json:"feedback_status"`
}

func (VDSubmissionSuccess) Type() EventType { return EventVDSubmissionSuccess }

func (e VDSubmissionSuccess) Validate() error {
	if _, err := uuid.Parse(e.CPVUUID); err != nil {
		return fmt.Errorf("%s: cpv_uuid must be a UUID: %w", EventVDSubmissionSuccess, err)
	}
	if e.Disposition != DispositionGood {
		return fmt.Errorf("%s: disposition must be %s", EventVDSubmissionSuccess, DispositionGood)
	}
	if e.FeedbackStatus != "ACCEPTED" {
		return fmt.Errorf("%s: feedback_status must be ACCEPTED", EventVDSubmissionSuccess)
	}
	return nil
}

// VDSanitizerResult records one PoV replay: which commit was checked out,
// the sanitizer output substring the submitter expected, and the
// substrings actually observed.
type VDSanitizerResult struct {
	CommitSHA                  string      `json:"commit_sha"`
	Disposition                Disposition `json:"disposition"`
	ExpectedSanitizer          string      `json:"expected_sanitizer"`
	ExpectedSanitizerTriggered bool        `json:"expected_sanitizer_triggered"`
	SanitizersTriggered        []string    `json:"sanitizers_triggered"`
}

func (VDSanitizerResult) Type() EventType { return EventVDSanitizerResult }

func (e VDSanitizerResult) Validate() error {
	if !isHex(e.CommitSHA, 40) {
		return fmt.Errorf("%s: commit_sha must be 40 hex characters", EventVDSanitizerResult)
	}
	if e.Disposition != DispositionGood && e.Disposition != DispositionBad {
		return fmt.Errorf("%s: unknown disposition %q", EventVDSanitizerResult, e.Disposition)
	}
	if e.ExpectedSanitizer == "" {
		return fmt.Errorf("%s: expected_sanitizer is required", EventVDSanitizerResult)
	}
	return nil
}

// GPSubmission records a generated patch arriving at the API.
type GPSubmission struct {
	SubmittedCPVUUID string `json:"submitted_cpv_uuid"`
	PatchSHA256      string `json:"patch_sha256"`
}

func (GPSubmission) Type() EventType { return EventGPSubmission }

func (e GPSubmission) Validate() error {
	if _, err := uuid.Parse(e.SubmittedCPVUUID); err != nil {
		return fmt.Errorf("%s: submitted_cpv_uuid must be a UUID: %w", EventGPSubmission, err)
	}
	if !isHex(e.PatchSHA256, 64) {
		return fmt.Errorf("%s: patch_sha256 must be 64 hex characters", EventGPSubmission)
	}
	return nil
}

// GPSubmissionInvalid records a patch rejected synchronously at submit
// time because its cpv_uuid resolves to no usable discovery.
type GPSubmissionInvalid struct {
	Reason string `json:"reason"`
}

func (GPSubmissionInvalid) Type() EventType { return EventGPSubmissionInvalid }

func (e GPSubmissionInvalid) Validate() error {
	if !oneOf(e.Reason, ReasonInvalidVDSID, ReasonVDSFromAnotherTeam) {
		return fmt.Errorf("%s: unknown reason %q", EventGPSubmissionInvalid, e.Reason)
	}
	return nil
}

// GPSubmissionFailed records a patch failing a scoring step. FeedbackStatus
// is set only for failures before the patched build succeeds; later
// failures downgrade the score without changing the reported status.
type GPSubmissionFailed struct {
	Reasons        []string    `json:"reasons"`
	Disposition    Disposition `json:"disposition"`
	FeedbackStatus string      `json:"feedback_status,omitempty"`
}

func (GPSubmissionFailed) Type() EventType { return EventGPSubmissionFailed }

func (e GPSubmissionFailed) Validate() error {
	if len(e.Reasons) == 0 {
		return fmt.Errorf("%s: at least one reason is required", EventGPSubmissionFailed)
	}
	for _, r := range e.Reasons {
		if !oneOf(r,
			ReasonPatchFailedApplyOrBuild,
			ReasonSanitizerFiredAfterPatch,
			ReasonFunctionalTestsFailed,
			ReasonMalformedPatchFile,
			ReasonDisallowedFileExtension,
			ReasonRunPovFailed,
		) {
			return fmt.Errorf("%s: unknown reason %q", EventGPSubmissionFailed, r)
		}
	}
	if e.Disposition != DispositionBad {
		return fmt.Errorf("%s: disposition must be %s", EventGPSubmissionFailed, DispositionBad)
	}
	if e.FeedbackStatus != "" && e.FeedbackStatus != "NOT_ACCEPTED" {
		return fmt.Errorf("%s: feedback_status must be NOT_ACCEPTED when set", EventGPSubmissionFailed)
	}
	return nil
}

// GPPatchBuilt records the patched build succeeding, the point at which
// the submitter-visible status becomes ACCEPTED.
type GPPatchBuilt struct {
	Disposition Disposition `json:"disposition"`
}

func (GPPatchBuilt) Type() EventType { return EventGPPatchBuilt }

func (e GPPatchBuilt) Validate() error {
	return requireGood(EventGPPatchBuilt, e.Disposition)
}

// GPFunctionalTestsPass records the patched build passing functional tests.
type GPFunctionalTestsPass struct {
	Disposition Disposition `json:"disposition"`
}

func (GPFunctionalTestsPass) Type() EventType { return EventGPFunctionalTestsPass }

func (e GPFunctionalTestsPass) Validate() error {
	return requireGood(EventGPFunctionalTestsPass, e.Disposition)
}

// GPSanitizerDidNotFire records the original sanitizer staying quiet when
// the PoV is replayed against the patched build.
type GPSanitizerDidNotFire struct {
	Disposition Disposition `json:"disposition"`
}

func (GPSanitizerDidNotFire) Type() EventType { return EventGPSanitizerDidNotFire }

func (e GPSanitizerDidNotFire) Validate() error {
	return requireGood(EventGPSanitizerDidNotFire, e.Disposition)
}

// GPSubmissionSuccess records a patch passing every scoring step.
type GPSubmissionSuccess struct {
	Disposition Disposition `json:"disposition"`
}

func (GPSubmissionSuccess) Type() EventType { return EventGPSubmissionSuccess }

func (e GPSubmissionSuccess) Validate() error {
	return requireGood(EventGPSubmissionSuccess, e.Disposition)
}

// DuplicateGPSubmission is the informational notice that another patch
// already exists for the same cpv_uuid.
type DuplicateGPSubmission struct {
	CPVUUID string `json:"cpv_uuid"`
}

func (DuplicateGPSubmission) Type() EventType { return EventDuplicateGPForCPVUUID }

func (e DuplicateGPSubmission) Validate() error {
	if e.CPVUUID == "" {
		return fmt.Errorf("%s: cpv_uuid is required", EventDuplicateGPForCPVUUID)
	}
	return nil
}

func requireGood(t EventType, d Disposition) error {
	if d != DispositionGood {
		return fmt.Errorf("%s: disposition must be %s", t, DispositionGood)
	}
	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
