package models

import (
	"time"

	"github.com/jackc/pgtype"
)

/*
   Column   |           Type           | Collation | Nullable | Default
------------+--------------------------+-----------+----------+---------
 tenant_id  | character varying(128)   |           | not null |
 namespace  | character varying(63)    |           | not null |
 created_at | timestamp with time zone |           | not null | now()
Indexes:
    "tenant_namespaces_pkey" PRIMARY KEY, btree (tenant_id)
    "tenant_namespaces_namespace_key" UNIQUE CONSTRAINT, btree (namespace)
*/

type TenantNamespace struct {
	TenantID  string    `db:"tenant_id"`
	Namespace string    `db:"namespace"`
	CreatedAt time.Time `db:"created_at"`
}

/*
      Column      |           Type           | Collation | Nullable |      Default
------------------+--------------------------+-----------+----------+-------------------
 tenant_id        | character varying(128)   |           | not null |
 namespace        | character varying(63)    |           | not null |
 table_name       | character varying(63)    |           | not null |
 columns          | jsonb                    |           | not null | '[]'::jsonb
 conflict_columns | text[]                   |           | not null | '{}'::text[]
 row_count        | bigint                   |           | not null | 0
 size_mb          | double precision         |           | not null | 0
 created_at       | timestamp with time zone |           | not null | now()
 updated_at       | timestamp with time zone |           | not null | now()
Indexes:
    "tenant_tables_pkey" PRIMARY KEY, btree (tenant_id, table_name)
Check constraints:
    "tenant_tables_row_count_check" CHECK (row_count >= 0)
    "tenant_tables_size_mb_check" CHECK (size_mb >= 0::double precision)
*/

type TableMetadata struct {
	TenantID        string       `db:"tenant_id"`
	Namespace       string       `db:"namespace"`
	TableName       string       `db:"table_name"`
	Columns         pgtype.JSONB `db:"columns"` // JSONB, []inference.Column
	ConflictColumns []string     `db:"conflict_columns"`
	RowCount        int64        `db:"row_count"`
	SizeMB          float64      `db:"size_mb"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

/*
        Column        |           Type           | Collation | Nullable | Default
----------------------+--------------------------+-----------+----------+---------
 tenant_id            | character varying(128)   |           | not null |
 total_tables         | integer                  |           | not null | 0
 total_size_mb        | double precision         |           | not null | 0
 max_tables           | integer                  |           | not null |
 max_size_mb          | double precision         |           | not null |
 last_recalculated_at | timestamp with time zone |           |          |
 updated_at           | timestamp with time zone |           | not null | now()
Indexes:
    "tenant_quotas_pkey" PRIMARY KEY, btree (tenant_id)
Check constraints:
    "tenant_quotas_total_tables_check" CHECK (total_tables >= 0)
    "tenant_quotas_total_size_mb_check" CHECK (total_size_mb >= 0::double precision)
*/

type Quota struct {
	TenantID           string     `db:"tenant_id"`
	TotalTables        int        `db:"total_tables"`
	TotalSizeMB        float64    `db:"total_size_mb"`
	MaxTables          int        `db:"max_tables"`
	MaxSizeMB          float64    `db:"max_size_mb"`
	LastRecalculatedAt *time.Time `db:"last_recalculated_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}
