// Package inference derives a column schema from a bounded sample of raw string values.
//
// Each column is checked against boolean, integer, decimal and date in that order, over its
// non-empty values only. The first type every value satisfies wins; text always succeeds.
// Empty values never influence the type, they only make the column nullable.
package inference

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SampleSize is the number of leading data rows used for inference.
const SampleSize = 1000

type Type string

const (
	Text    Type = "text"
	Integer Type = "integer"
	Decimal Type = "decimal"
	Date    Type = "date"
	Boolean Type = "boolean"
)

// Column is one entry of a table's column schema. It is immutable once the table exists.
type Column struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
	// DateLayout is the time layout that parsed every sampled value of a date column.
	DateLayout string `json:"dateLayout,omitempty"`
}

var (
	integerRe = regexp.MustCompile(`^[+-]?\d+$`)
	decimalRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)
	dateRe    = regexp.MustCompile(`^(\d{4}[-/]\d{1,2}[-/]\d{1,2}|\d{1,2}[./]\d{1,2}[./]\d{4})$`)
)

// dateLayouts are tried in order; the first layout accepting every value of a column is kept.
var dateLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"2.1.2006",
	"2/1/2006",
	"1/2/2006",
}

func isBool(v string) bool {
	_, ok := parseBool(v)
	return ok
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true, true
	case "false", "no", "0":
		return false, true
	default:
		return false, false
	}
}

func isInteger(v string) bool {
	if !integerRe.MatchString(v) {
		return false
	}
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func isDecimal(v string) bool {
	return decimalRe.MatchString(v)
}

type columnStats struct {
	seen     bool
	nullable bool
	allBool  bool
	allInt   bool
	allDec   bool
	allDate  bool
	layouts  []string // date layouts that accepted every value so far
}

// Accumulator collects per column statistics one row at a time, so the sample never has
// to be held in memory. Rows beyond SampleSize are ignored.
type Accumulator struct {
	columns []string
	stats   []columnStats
	rows    int
}

func NewAccumulator(columns []string) *Accumulator {
	a := &Accumulator{
		columns: append([]string(nil), columns...),
		stats:   make([]columnStats, len(columns)),
	}
	for i := range a.stats {
		a.stats[i] = columnStats{
			allBool: true,
			allInt:  true,
			allDec:  true,
			allDate: true,
			layouts: append([]string(nil), dateLayouts...),
		}
	}
	return a
}

// Full reports whether SampleSize rows have been added.
func (a *Accumulator) Full() bool {
	return a.rows >= SampleSize
}

func (a *Accumulator) Rows() int {
	return a.rows
}

// Add records one row. A column missing from row counts as empty.
func (a *Accumulator) Add(row map[string]string) {
	if a.Full() {
		return
	}
	a.rows++
	for i, name := range a.columns {
		s := &a.stats[i]
		v := strings.TrimSpace(row[name])
		if v == "" {
			s.nullable = true
			continue
		}
		s.seen = true
		if s.allBool && !isBool(v) {
			s.allBool = false
		}
		if s.allInt && !isInteger(v) {
			s.allInt = false
		}
		if s.allDec && !isDecimal(v) {
			s.allDec = false
		}
		if s.allDate {
			s.layouts = matchingLayouts(v, s.layouts)
			if len(s.layouts) == 0 {
				s.allDate = false
			}
		}
	}
}

func matchingLayouts(v string, layouts []string) []string {
	if !dateRe.MatchString(v) {
		return nil
	}
	kept := layouts[:0]
	for _, l := range layouts {
		if _, err := time.Parse(l, v); err == nil {
			kept = append(kept, l)
		}
	}
	return kept
}

// Columns returns the inferred schema in header order.
func (a *Accumulator) Columns() []Column {
	out := make([]Column, len(a.columns))
	for i, name := range a.columns {
		s := a.stats[i]
		c := Column{Name: name, Type: Text, Nullable: s.nullable}
		switch {
		case !s.seen:
			// all empty, or no data rows at all
			c.Nullable = true
		case s.allBool:
			c.Type = Boolean
		case s.allInt:
			c.Type = Integer
		case s.allDec:
			c.Type = Decimal
		case s.allDate:
			c.Type = Date
			c.DateLayout = s.layouts[0]
		}
		out[i] = c
	}
	return out
}

// Infer derives the column schema from sample, using at most SampleSize rows.
// With no sample rows every column is text.
func Infer(columns []string, sample []map[string]string) []Column {
	a := NewAccumulator(columns)
	for _, row := range sample {
		if a.Full() {
			break
		}
		a.Add(row)
	}
	return a.Columns()
}

// Names returns the column names in order.
func Names(columns []Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}
