package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

/*
    Column    |           Type           | Collation | Nullable |  Default
--------------+--------------------------+-----------+----------+-----------
 session_id   | uuid                     |           | not null |
 tenant_id    | character varying(128)   |           | not null |
 payload      | jsonb                    |           | not null |
 status       | character varying(16)    |           | not null | 'queued'
 attempts     | integer                  |           | not null | 0
 max_attempts | integer                  |           | not null | 3
 run_after    | timestamp with time zone |           | not null | now()
 locked_by    | character varying(128)   |           |          |
 locked_at    | timestamp with time zone |           |          |
 last_error   | text                     |           |          |
 created_at   | timestamp with time zone |           | not null | now()
 updated_at   | timestamp with time zone |           | not null | now()
 reserved_tables | integer               |           | not null | 0
 reserved_mb  | double precision         |           | not null | 0
Indexes:
    "etl_jobs_pkey" PRIMARY KEY, btree (session_id)
    "etl_jobs_status_run_after_idx" btree (status, run_after)
Foreign-key constraints:
    "etl_jobs_session_id_fkey" FOREIGN KEY (session_id) REFERENCES upload_sessions(session_id) ON DELETE CASCADE
*/

type Job struct {
	SessionID   uuid.UUID    `db:"session_id"`
	TenantID    string       `db:"tenant_id"`
	Payload     pgtype.JSONB `db:"payload"` // JSONB, JobPayload
	Status      JobStatus    `db:"status"`
	Attempts    int          `db:"attempts"`
	MaxAttempts int          `db:"max_attempts"`
	RunAfter    time.Time    `db:"run_after"`
	LockedBy    string       `db:"locked_by"`
	LockedAt    *time.Time   `db:"locked_at"`
	LastError   string       `db:"last_error"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// JobPayload is everything a worker needs to run an upload without the original request.
type JobPayload struct {
	TenantID        string    `json:"tenantId"`
	FilePath        string    `json:"filePath"`
	Filename        string    `json:"filename"`
	TargetTable     string    `json:"targetTable"`
	Operation       Operation `json:"operation"`
	ConflictColumns []string  `json:"conflictColumns,omitempty"`
	DeclaredSize    int64     `json:"declaredSize"`
}

// Reservation is the quota a job charged on admission and still holds. It is kept on the
// job row until the job settles, so a recalculation never drops usage that has not landed.
type Reservation struct {
	SessionID uuid.UUID `db:"session_id"`
	TenantID  string    `db:"tenant_id"`
	Tables    int       `db:"reserved_tables"`
	SizeMB    float64   `db:"reserved_mb"`
}
