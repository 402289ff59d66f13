package etl

import (
	"strconv"
	"strings"

	"github.com/tansive/tabletenant/internal/etlsrv/ident"
)

// MaxPredicateIDs bounds the IN list of a single delete.
const MaxPredicateIDs = 10000

// Predicate selects rows for deletion. The zero value matches nothing and is rejected.
type Predicate struct {
	column string
	ids    []any
}

// IDIn matches rows whose column value is one of ids.
func IDIn(column string, ids []any) (Predicate, error) {
	if _, err := ident.Sanitize(column); err != nil {
		return Predicate{}, err
	}
	if len(ids) == 0 {
		return Predicate{}, ErrInvalidPredicate.Msg("at least one id is required")
	}
	if len(ids) > MaxPredicateIDs {
		return Predicate{}, ErrInvalidPredicate.Msg("at most " + strconv.Itoa(MaxPredicateIDs) + " ids can be deleted at once")
	}
	return Predicate{column: column, ids: append([]any(nil), ids...)}, nil
}

func (p Predicate) clause() (string, []any, error) {
	if p.column == "" || len(p.ids) == 0 {
		return "", nil, ErrInvalidPredicate.Msg("empty predicate")
	}
	col, err := ident.Quote(p.column)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	b.WriteString(col)
	b.WriteString(" IN (")
	for i := range p.ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(i + 1))
	}
	b.WriteByte(')')
	return b.String(), p.ids, nil
}
