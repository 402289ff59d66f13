package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

func gjsonString(b []byte, path string) string {
	return gjson.GetBytes(b, path).String()
}

// printTable writes rows under upper-cased headers, aligned in columns.
func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	upper := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(tw, strings.Join(upper, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	tw.Flush()
}

// cellString renders a gjson value for a table cell.
func cellString(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return "NULL"
	case gjson.String:
		return v.Str
	default:
		return v.Raw
	}
}

// localTime renders an RFC3339 timestamp in local time, or the input when it does not parse.
func localTime(s string) string {
	if s == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05 MST")
}

func title(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func gjsonInt(b []byte, path string) int64 {
	return gjson.GetBytes(b, path).Int()
}
