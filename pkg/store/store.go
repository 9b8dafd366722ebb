// Package store implements the Postgres-backed row store for team tokens,
// vulnerability discovery submissions, and generated patch submissions,
// over jmoiron/sqlx with the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/types"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the row-store interface consumed by the Submission API handlers,
// the VDS/GP job handlers, and the Result Receiver.
type Store interface {
	CreateToken(ctx context.Context, t *types.TeamToken) error
	GetTokenByID(ctx context.Context, id string) (*types.TeamToken, error)

	CreateVDS(ctx context.Context, v *types.VulnerabilityDiscovery) error
	GetVDS(ctx context.Context, id string) (*types.VulnerabilityDiscovery, error)
	GetVDSByCPVUUID(ctx context.Context, cpvUUID string) (*types.VulnerabilityDiscovery, error)
	UpdateVDSStatus(ctx context.Context, id string, status types.SubmissionStatus, cpvUUID string) error
	CountAcceptedVDSByCommit(ctx context.Context, teamID, cpName, commit string) (int, error)

	CreateGP(ctx context.Context, g *types.GeneratedPatch) error
	GetGP(ctx context.Context, id string) (*types.GeneratedPatch, error)
	UpdateGPStatus(ctx context.Context, id string, status types.SubmissionStatus) error
	CountGPByCPVUUID(ctx context.Context, cpvUUID string) (int, error)

	// Conn pins one physical connection, for the job-lifetime advisory lock.
	Conn(ctx context.Context) (*sql.Conn, error)

	Close() error
}

// PostgresStore is the Store implementation used in production and
// integration tests; DSN is a standard postgres:// connection string.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to dsn via the pgx stdlib driver and configures pool limits.
func Open(dsn string, maxConns int32, connMaxLifetime time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(int(maxConns))
	db.SetConnMaxLifetime(connMaxLifetime)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Conn(ctx context.Context) (*sql.Conn, error) {
	return s.db.Conn(ctx)
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *types.TeamToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_tokens (id, name, password_hash, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, password_hash = EXCLUDED.password_hash, is_admin = EXCLUDED.is_admin
	`, t.ID, t.Name, t.PasswordHash, t.IsAdmin, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTokenByID(ctx context.Context, id string) (*types.TeamToken, error) {
	var t types.TeamToken
	err := s.db.GetContext(ctx, &t, `SELECT id, name, password_hash, is_admin, created_at FROM team_tokens WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateVDS(ctx context.Context, v *types.VulnerabilityDiscovery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vulnerability_discoveries
			(id, team_id, cp_name, pou_commit_sha1, pou_sanitizer, pov_harness, pov_data_sha256, cpv_uuid, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $10)
	`, v.ID, v.TeamID, v.CPName, v.PoUCommitSHA1, v.PoUSanitizer, v.PoVHarness, v.PoVDataSHA256, v.CPVUUID, v.Status, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create vds: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVDS(ctx context.Context, id string) (*types.VulnerabilityDiscovery, error) {
	var v types.VulnerabilityDiscovery
	err := s.db.GetContext(ctx, &v, `
		SELECT id, team_id, cp_name, pou_commit_sha1, pou_sanitizer, pov_harness, pov_data_sha256,
		       COALESCE(cpv_uuid, '') AS cpv_uuid, status, created_at, updated_at
		FROM vulnerability_discoveries WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vds: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) GetVDSByCPVUUID(ctx context.Context, cpvUUID string) (*types.VulnerabilityDiscovery, error) {
	var v types.VulnerabilityDiscovery
	err := s.db.GetContext(ctx, &v, `
		SELECT id, team_id, cp_name, pou_commit_sha1, pou_sanitizer, pov_harness, pov_data_sha256,
		       COALESCE(cpv_uuid, '') AS cpv_uuid, status, created_at, updated_at
		FROM vulnerability_discoveries WHERE cpv_uuid = $1
	`, cpvUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vds by cpv_uuid: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) UpdateVDSStatus(ctx context.Context, id string, status types.SubmissionStatus, cpvUUID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vulnerability_discoveries
		SET status = $2, cpv_uuid = NULLIF($3, ''), updated_at = $4
		WHERE id = $1
	`, id, status, cpvUUID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update vds status: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountAcceptedVDSByCommit(ctx context.Context, teamID, cpName, commit string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM vulnerability_discoveries
		WHERE team_id = $1 AND cp_name = $2 AND pou_commit_sha1 = $3 AND status = $4
	`, teamID, cpName, commit, types.StatusAccepted)
	if err != nil {
		return 0, fmt.Errorf("count accepted vds: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateGP(ctx context.Context, g *types.GeneratedPatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_patches (id, team_id, cpv_uuid, data_sha256, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, g.ID, g.TeamID, g.CPVUUID, g.DataSHA256, g.Status, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create gp: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGP(ctx context.Context, id string) (*types.GeneratedPatch, error) {
	var g types.GeneratedPatch
	err := s.db.GetContext(ctx, &g, `
		SELECT id, team_id, cpv_uuid, data_sha256, status, created_at, updated_at
		FROM generated_patches WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gp: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) UpdateGPStatus(ctx context.Context, id string, status types.SubmissionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generated_patches SET status = $2, updated_at = $3 WHERE id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update gp status: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountGPByCPVUUID(ctx context.Context, cpvUUID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM generated_patches WHERE cpv_uuid = $1`, cpvUUID)
	if err != nil {
		return 0, fmt.Errorf("count gp by cpv_uuid: %w", err)
	}
	return n, nil
}
