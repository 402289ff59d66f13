package etl

import (
	"strconv"
	"strings"

	"github.com/tansive/tabletenant/internal/etlsrv/ident"
	"github.com/tansive/tabletenant/internal/etlsrv/inference"
)

// maxBindParams is the Postgres limit on parameters in one statement.
const maxBindParams = 65535

func buildColumnDef(col inference.Column) (string, error) {
	name, err := ident.Quote(col.Name)
	if err != nil {
		return "", err
	}
	def := name + " " + inference.SQLType(col.Type)
	if !col.Nullable {
		def += " NOT NULL"
	}
	return def, nil
}

func buildCreateTableSQL(qualified string, columns []inference.Column, uniqueColumns []string, ifNotExists bool) (string, error) {
	if len(columns) == 0 {
		return "", ErrInvalidColumns.Msg("a table needs at least one column")
	}
	defs := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		d, err := buildColumnDef(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, d)
	}
	if len(uniqueColumns) > 0 {
		if err := requireSubset(uniqueColumns, inference.Names(columns)); err != nil {
			return "", err
		}
		quoted, err := ident.QuoteAll(uniqueColumns)
		if err != nil {
			return "", err
		}
		defs = append(defs, "UNIQUE ("+strings.Join(quoted, ", ")+")")
	}
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(qualified)
	b.WriteString(" (\n\t")
	b.WriteString(strings.Join(defs, ",\n\t"))
	b.WriteString("\n)")
	return b.String(), nil
}

func requireSubset(subset, of []string) error {
	set := make(map[string]struct{}, len(of))
	for _, c := range of {
		set[c] = struct{}{}
	}
	seen := make(map[string]struct{}, len(subset))
	for _, c := range subset {
		if _, ok := set[c]; !ok {
			return ErrInvalidColumns.Msg("column " + c + " is not part of the table")
		}
		if _, dup := seen[c]; dup {
			return ErrInvalidColumns.Msg("column " + c + " is listed twice")
		}
		seen[c] = struct{}{}
	}
	return nil
}

// buildInsertSQL returns a multi-row INSERT for rows rows of the quoted columns, numbering
// placeholders row by row. conflictClause is appended verbatim.
func buildInsertSQL(qualified string, quotedColumns []string, rows int, conflictClause string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified)
	b.WriteString(" (")
	b.WriteString(strings.Join(quotedColumns, ", "))
	b.WriteString(") VALUES ")
	p := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range quotedColumns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(p))
			p++
		}
		b.WriteByte(')')
	}
	if conflictClause != "" {
		b.WriteByte(' ')
		b.WriteString(conflictClause)
	}
	return b.String()
}

// buildConflictClause updates every non key column from the incoming row. When every column
// is a key there is nothing to update and conflicting rows are skipped.
func buildConflictClause(columns, conflictColumns []string) (string, error) {
	if len(conflictColumns) == 0 {
		return "", ErrInvalidColumns.Msg("upsert needs at least one conflict column")
	}
	if err := requireSubset(conflictColumns, columns); err != nil {
		return "", err
	}
	keys, err := ident.QuoteAll(conflictColumns)
	if err != nil {
		return "", err
	}
	isKey := make(map[string]bool, len(conflictColumns))
	for _, c := range conflictColumns {
		isKey[c] = true
	}
	var sets []string
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		q, err := ident.Quote(c)
		if err != nil {
			return "", err
		}
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	clause := "ON CONFLICT (" + strings.Join(keys, ", ") + ")"
	if len(sets) == 0 {
		return clause + " DO NOTHING", nil
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", "), nil
}

// effectiveBatchSize keeps a batch under the bind parameter limit.
func effectiveBatchSize(requested, columns int) int {
	if requested <= 0 {
		requested = DefaultBatchSize
	}
	if columns > 0 && requested*columns > maxBindParams {
		requested = maxBindParams / columns
	}
	return max(requested, 1)
}
