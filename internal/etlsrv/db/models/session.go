package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
)

type SessionStatus string

const (
	SessionUploading  SessionStatus = "uploading"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpsert Operation = "upsert"
)

/*
     Column     |           Type           | Collation | Nullable |         Default
----------------+--------------------------+-----------+----------+--------------------------
 session_id     | uuid                     |           | not null |
 tenant_id      | character varying(128)   |           | not null |
 filename       | character varying(512)   |           | not null |
 declared_size  | bigint                   |           | not null | 0
 target_table   | character varying(63)    |           | not null |
 operation      | character varying(16)    |           | not null |
 status         | character varying(16)    |           | not null | 'uploading'
 progress       | smallint                 |           | not null | 0
 error_message  | text                     |           |          |
 warning        | text                     |           |          |
 rows_processed | bigint                   |           | not null | 0
 created_at     | timestamp with time zone |           | not null | now()
 updated_at     | timestamp with time zone |           | not null | now()
Indexes:
    "upload_sessions_pkey" PRIMARY KEY, btree (session_id)
    "upload_sessions_tenant_id_created_at_idx" btree (tenant_id, created_at)
Check constraints:
    "upload_sessions_progress_check" CHECK (progress >= 0 AND progress <= 100)
    "upload_sessions_status_check" CHECK (status IN ('uploading', 'processing', 'completed', 'failed'))
*/

type UploadSession struct {
	SessionID     uuid.UUID     `db:"session_id"`
	TenantID      string        `db:"tenant_id"`
	Filename      string        `db:"filename"`
	DeclaredSize  int64         `db:"declared_size"`
	TargetTable   string        `db:"target_table"`
	Operation     Operation     `db:"operation"`
	Status        SessionStatus `db:"status"`
	Progress      int           `db:"progress"`
	ErrorMessage  string        `db:"error_message"`
	Warning       string        `db:"warning"`
	RowsProcessed int64         `db:"rows_processed"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

/*
    Column     |           Type           | Collation | Nullable |                  Default
---------------+--------------------------+-----------+----------+-------------------------------------------
 audit_id      | bigint                   |           | not null | nextval('etl_audit_log_audit_id_seq')
 tenant_id     | character varying(128)   |           | not null |
 operation     | character varying(32)    |           | not null |
 namespace     | character varying(63)    |           | not null |
 table_name    | character varying(63)    |           | not null |
 success       | boolean                  |           | not null |
 rows_affected | bigint                   |           | not null | 0
 error_message | text                     |           |          |
 details       | jsonb                    |           |          |
 created_at    | timestamp with time zone |           | not null | now()
Indexes:
    "etl_audit_log_pkey" PRIMARY KEY, btree (audit_id)
    "etl_audit_log_tenant_id_created_at_idx" btree (tenant_id, created_at)
*/

type AuditRecord struct {
	AuditID      int64        `db:"audit_id"`
	TenantID     string       `db:"tenant_id"`
	Operation    string       `db:"operation"`
	Namespace    string       `db:"namespace"`
	TableName    string       `db:"table_name"`
	Success      bool         `db:"success"`
	RowsAffected int64        `db:"rows_affected"`
	ErrorMessage string       `db:"error_message"`
	Details      pgtype.JSONB `db:"details"` // JSONB
	CreatedAt    time.Time    `db:"created_at"`
}
