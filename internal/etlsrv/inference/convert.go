package inference

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConversionError reports a value that does not fit its column's inferred type.
type ConversionError struct {
	Column string
	Type   Type
	Value  string
}

func (e *ConversionError) Error() string {
	v := e.Value
	if len(v) > 64 {
		v = v[:64] + "..."
	}
	return fmt.Sprintf("value %q in column %s is not a valid %s", v, e.Column, e.Type)
}

// SQLType returns the Postgres column type for t.
func SQLType(t Type) string {
	switch t {
	case Integer:
		return "BIGINT"
	case Decimal:
		return "NUMERIC"
	case Date:
		return "DATE"
	case Boolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Convert turns a raw file value into the driver value for col. Empty values become nil.
func Convert(col Column, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, nil
	}
	switch col.Type {
	case Boolean:
		b, ok := parseBool(v)
		if !ok {
			return nil, &ConversionError{Column: col.Name, Type: col.Type, Value: raw}
		}
		return b, nil
	case Integer:
		if !integerRe.MatchString(v) {
			return nil, &ConversionError{Column: col.Name, Type: col.Type, Value: raw}
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &ConversionError{Column: col.Name, Type: col.Type, Value: raw}
		}
		return n, nil
	case Decimal:
		if !isDecimal(v) {
			return nil, &ConversionError{Column: col.Name, Type: col.Type, Value: raw}
		}
		return v, nil
	case Date:
		if !dateRe.MatchString(v) {
			return nil, &ConversionError{Column: col.Name, Type: col.Type, Value: raw}
		}
		layouts := dateLayouts
		if col.DateLayout != "" {
			layouts = []string{col.DateLayout}
		}
		for _, l := range layouts {
			if t, err := time.Parse(l, v); err == nil {
				return t, nil
			}
		}
		return nil, &ConversionError{Column: col.Name, Type: col.Type, Value: raw}
	default:
		return raw, nil
	}
}
