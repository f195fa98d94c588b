package crypto

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresKeyStore persists key version metadata.
type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) Versions(ctx context.Context, purpose string) ([]KeyVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT purpose, version, algorithm, status, created_at,
		       activated_at, retired_at, last_read_at, key_checksum
		FROM encryption_key_versions
		WHERE purpose = $1
		ORDER BY version
	`, purpose)
	if err != nil {
		return nil, fmt.Errorf("list key versions: %w", err)
	}
	defer rows.Close()

	var out []KeyVersion
	for rows.Next() {
		var (
			v          KeyVersion
			status     string
			activated  sql.NullTime
			retired    sql.NullTime
			lastRead   sql.NullTime
		)
		err := rows.Scan(&v.Purpose, &v.Version, &v.Algorithm, &status,
			&v.CreatedAt, &activated, &retired, &lastRead, &v.KeyChecksum)
		if err != nil {
			return nil, fmt.Errorf("scan key version: %w", err)
		}
		v.Status = KeyStatus(status)
		v.ActivatedAt = activated.Time
		v.RetiredAt = retired.Time
		v.LastReadAt = lastRead.Time
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key versions: %w", err)
	}
	return out, nil
}

func (s *PostgresKeyStore) ActiveVersion(ctx context.Context, purpose string) (*KeyVersion, error) {
	versions, err := s.Versions(ctx, purpose)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].Status == KeyActive {
			return &versions[i], nil
		}
	}
	return nil, nil
}

func (s *PostgresKeyStore) Put(ctx context.Context, version KeyVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encryption_key_versions (
			purpose, version, algorithm, status, created_at,
			activated_at, retired_at, last_read_at, key_checksum
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (purpose, version)
		DO UPDATE SET status = EXCLUDED.status,
		              activated_at = EXCLUDED.activated_at,
		              retired_at = EXCLUDED.retired_at,
		              key_checksum = EXCLUDED.key_checksum
	`,
		version.Purpose, version.Version, version.Algorithm,
		string(version.Status), version.CreatedAt,
		nullTime(version.ActivatedAt), nullTime(version.RetiredAt),
		nullTime(version.LastReadAt), version.KeyChecksum,
	)
	if err != nil {
		return fmt.Errorf("upsert key version: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) TouchRead(ctx context.Context, purpose string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE encryption_key_versions
		SET last_read_at = NOW()
		WHERE purpose = $1 AND version = $2
	`, purpose, version)
	if err != nil {
		return fmt.Errorf("touch key read marker: %w", err)
	}
	return nil
}

// PostgresRowStore reads and rewrites ciphertext rows in place.
type PostgresRowStore struct {
	db *sql.DB
}

func NewPostgresRowStore(db *sql.DB) *PostgresRowStore {
	return &PostgresRowStore{db: db}
}

func (s *PostgresRowStore) ListByVersion(ctx context.Context, purpose string, version int, afterID string, limit int) ([]CipherRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_table, entity_id, purpose, key_version, ciphertext
		FROM encrypted_fields
		WHERE purpose = $1 AND key_version = $2 AND id > $3
		ORDER BY id
		LIMIT $4
	`, purpose, version, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list encrypted rows: %w", err)
	}
	defer rows.Close()

	var out []CipherRow
	for rows.Next() {
		var row CipherRow
		err := rows.Scan(&row.ID, &row.EntityTable, &row.EntityID,
			&row.Purpose, &row.KeyVersion, &row.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("scan encrypted row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate encrypted rows: %w", err)
	}
	return out, nil
}

func (s *PostgresRowStore) Update(ctx context.Context, id string, ciphertext []byte, version int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE encrypted_fields
		SET ciphertext = $2, key_version = $3
		WHERE id = $1
	`, id, ciphertext, version)
	if err != nil {
		return fmt.Errorf("update encrypted row: %w", err)
	}
	return nil
}

func (s *PostgresRowStore) CountByVersion(ctx context.Context, purpose string, version int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM encrypted_fields
		WHERE purpose = $1 AND key_version = $2
	`, purpose, version).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count encrypted rows: %w", err)
	}
	return n, nil
}

// PostgresJobStore persists rotation jobs and audit entries.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (s *PostgresJobStore) Create(ctx context.Context, job RotationJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_rotation_jobs (
			id, key_purpose, reason, from_version, to_version, status,
			affected_records, checkpoint, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		job.ID, job.KeyPurpose, job.Reason, job.FromVersion, job.ToVersion,
		string(job.Status), job.AffectedRecords, job.Checkpoint,
		job.StartedAt, nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert rotation job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Update(ctx context.Context, job RotationJob) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE key_rotation_jobs
		SET status = $2, affected_records = $3, checkpoint = $4, completed_at = $5
		WHERE id = $1
	`,
		job.ID, string(job.Status), job.AffectedRecords, job.Checkpoint,
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update rotation job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id uuid.UUID) (*RotationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_purpose, reason, from_version, to_version, status,
		       affected_records, checkpoint, started_at, completed_at
		FROM key_rotation_jobs
		WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresJobStore) List(ctx context.Context, limit int) ([]RotationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_purpose, reason, from_version, to_version, status,
		       affected_records, checkpoint, started_at, completed_at
		FROM key_rotation_jobs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list rotation jobs: %w", err)
	}
	defer rows.Close()

	var out []RotationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rotation jobs: %w", err)
	}
	return out, nil
}

func (s *PostgresJobStore) ActiveFor(ctx context.Context, purpose string) (*RotationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_purpose, reason, from_version, to_version, status,
		       affected_records, checkpoint, started_at, completed_at
		FROM key_rotation_jobs
		WHERE key_purpose = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY started_at
		LIMIT 1
	`, purpose)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresJobStore) Audit(ctx context.Context, entry JobAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_rotation_job_audit (job_id, status, detail, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, entry.JobID, string(entry.Status), entry.Detail, entry.Recorded)
	if err != nil {
		return fmt.Errorf("insert job audit: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) AuditTrail(ctx context.Context, jobID uuid.UUID) ([]JobAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, status, detail, recorded_at
		FROM key_rotation_job_audit
		WHERE job_id = $1
		ORDER BY recorded_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job audit: %w", err)
	}
	defer rows.Close()

	var out []JobAudit
	for rows.Next() {
		var (
			entry  JobAudit
			status string
		)
		if err := rows.Scan(&entry.JobID, &status, &entry.Detail, &entry.Recorded); err != nil {
			return nil, fmt.Errorf("scan job audit: %w", err)
		}
		entry.Status = JobStatus(status)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job audit: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*RotationJob, error) {
	var (
		job       RotationJob
		status    string
		completed sql.NullTime
	)
	err := row.Scan(&job.ID, &job.KeyPurpose, &job.Reason, &job.FromVersion,
		&job.ToVersion, &status, &job.AffectedRecords, &job.Checkpoint,
		&job.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan rotation job: %w", err)
	}
	job.Status = JobStatus(status)
	job.CompletedAt = completed.Time
	return &job, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
