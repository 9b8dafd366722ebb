// Package types defines the domain entities shared across the scoring pipeline.
package types

import "time"

// SubmissionStatus is the lifecycle state of a VDS or GP row.
type SubmissionStatus string

const (
	StatusPending     SubmissionStatus = "PENDING"
	StatusAccepted    SubmissionStatus = "ACCEPTED"
	StatusNotAccepted SubmissionStatus = "NOT_ACCEPTED"
)

// TeamToken authenticates a competing team against the Submission API.
type TeamToken struct {
	ID           string    `db:"id"` // UUID, also the token value
	Name         string    `db:"name"`
	PasswordHash string    `db:"password_hash"` // bcrypt
	IsAdmin      bool      `db:"is_admin"`
	CreatedAt    time.Time `db:"created_at"`
}

// VulnerabilityDiscovery is a team's claim that a commit introduces a bug
// triggerable in a named sanitizer via a named harness fed a stored blob.
type VulnerabilityDiscovery struct {
	ID            string           `db:"id"` // UUID
	TeamID        string           `db:"team_id"`
	CPName        string           `db:"cp_name"`
	PoUCommitSHA1 string           `db:"pou_commit_sha1"` // lowercase 40-hex
	PoUSanitizer  string           `db:"pou_sanitizer"`   // CP-local sanitizer id
	PoVHarness    string           `db:"pov_harness"`     // CP-local harness id
	PoVDataSHA256 string           `db:"pov_data_sha256"` // points into the artifact store
	CPVUUID       string           `db:"cpv_uuid"`        // assigned on acceptance; empty otherwise
	Status        SubmissionStatus `db:"status"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

// GeneratedPatch is a unified diff claimed to fix the VDS identified by CPVUUID.
type GeneratedPatch struct {
	ID         string           `db:"id"` // UUID
	TeamID     string           `db:"team_id"`
	CPVUUID    string           `db:"cpv_uuid"` // FK into an accepted VulnerabilityDiscovery
	DataSHA256 string           `db:"data_sha256"`
	Status     SubmissionStatus `db:"status"`
	CreatedAt  time.Time        `db:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at"`
}

// Harness is a CP-local fuzzing/test harness entry.
type Harness struct {
	Name string
}

// SourceRef is one source sub-repository embedded in a CP, with its tracked ref.
type SourceRef struct {
	Name string
	Ref  string // defaults to "main" when absent from project.yaml
}

// ChallengeProblem is the in-memory representation of one CP's project.yaml,
// plus the filesystem location it was loaded from.
type ChallengeProblem struct {
	Name        string
	RootDir     string // filesystem path containing project.yaml and sources
	DockerImage string
	DockerArgs  []string
	Sanitizers  map[string]string // sanitizer id -> substring matched against PoV output
	Harnesses   map[string]Harness
	Sources     map[string]SourceRef
}
