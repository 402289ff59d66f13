package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/unicode"
)

type collected struct {
	columns  []string
	rows     []Row
	total    int
	complete bool
	err      error
}

func (c *collected) handler() Handler {
	return Handler{
		OnHeader: func(columns []string) error {
			c.columns = columns
			return nil
		},
		OnRow: func(row Row) error {
			c.rows = append(c.rows, row)
			return nil
		},
		OnComplete: func(total int) {
			c.total = total
			c.complete = true
		},
		OnError: func(err error) {
			c.err = err
		},
	}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFormatFor(t *testing.T) {
	for _, name := range []string{"a.csv", "A.CSV", "b.tsv", "c.txt"} {
		f, err := FormatFor(name)
		require.NoError(t, err, name)
		assert.Equal(t, FormatDelimited, f)
	}
	for _, name := range []string{"a.xlsx", "b.XLSM"} {
		f, err := FormatFor(name)
		require.NoError(t, err, name)
		assert.Equal(t, FormatSpreadsheet, f)
	}
	for _, name := range []string{"a.xls", "b.json", "noext"} {
		_, err := FormatFor(name)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, name)
	}
}

func TestOpenUnsupportedDoesNoIO(t *testing.T) {
	// the file does not exist; the extension check must fail first
	_, err := Open(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestStreamCSV(t *testing.T) {
	data := "\ufeffCustomer Name,Amount,Amount\n" +
		"alice, 10 ,1\n" +
		"\n" +
		"\"bob, jr\",20\n"
	path := writeFile(t, "orders.csv", []byte(data))

	r, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, FormatDelimited, r.Format())

	var c collected
	require.NoError(t, r.Stream(context.Background(), c.handler()))
	assert.Equal(t, []string{"customer_name", "amount", "amount_2"}, c.columns)
	require.Len(t, c.rows, 2)
	assert.Equal(t, "alice", c.rows[0].Values["customer_name"])
	assert.Equal(t, "10", c.rows[0].Values["amount"])
	assert.Equal(t, 2, c.rows[0].Line)
	assert.Equal(t, "bob, jr", c.rows[1].Values["customer_name"])
	assert.Equal(t, "", c.rows[1].Values["amount_2"])
	assert.True(t, c.complete)
	assert.Equal(t, 2, c.total)
	assert.NoError(t, c.err)

	// single use
	err = r.Stream(context.Background(), Handler{})
	assert.Error(t, err)
}

func TestStreamDelimiterSniffing(t *testing.T) {
	tests := map[string]string{
		"semicolon.csv": "a;b\n1;2\n",
		"tab.tsv":       "a\tb\n1\t2\n",
		"pipe.txt":      "a|b\n1|2\n",
		"quoted.csv":    "\"a;x\",b\n1,2\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := Open(writeFile(t, name, []byte(data)))
			require.NoError(t, err)
			var c collected
			require.NoError(t, r.Stream(context.Background(), c.handler()))
			require.Len(t, c.columns, 2)
			require.Len(t, c.rows, 1)
			assert.Equal(t, "2", c.rows[0].Values["b"])
		})
	}
}

func TestStreamUTF16(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	data, err := enc.Bytes([]byte("id,city\n1,Zürich\n"))
	require.NoError(t, err)

	r, err := Open(writeFile(t, "utf16.csv", data))
	require.NoError(t, err)
	var c collected
	require.NoError(t, r.Stream(context.Background(), c.handler()))
	assert.Equal(t, []string{"id", "city"}, c.columns)
	require.Len(t, c.rows, 1)
	assert.Equal(t, "Zürich", c.rows[0].Values["city"])
}

func TestStreamStopEarly(t *testing.T) {
	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	r, err := Open(writeFile(t, "many.csv", []byte(b.String())))
	require.NoError(t, err)

	seen := 0
	var c collected
	h := c.handler()
	h.OnRow = func(row Row) error {
		seen++
		if seen == 10 {
			return ErrStop
		}
		return nil
	}
	require.NoError(t, r.Stream(context.Background(), h))
	assert.Equal(t, 10, seen)
	assert.False(t, c.complete)
	assert.NoError(t, c.err)
}

func TestStreamErrors(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		r, err := Open(writeFile(t, "empty.csv", nil))
		require.NoError(t, err)
		var c collected
		err = r.Stream(context.Background(), c.handler())
		assert.ErrorIs(t, err, ErrParse)
		assert.Equal(t, err, c.err)
	})

	t.Run("too many fields", func(t *testing.T) {
		r, err := Open(writeFile(t, "wide.csv", []byte("a,b\n1,2,3\n")))
		require.NoError(t, err)
		var c collected
		err = r.Stream(context.Background(), c.handler())
		assert.ErrorIs(t, err, ErrParse)
		assert.Contains(t, err.Error(), "line 2")
		assert.False(t, c.complete)
	})

	t.Run("bad quoting", func(t *testing.T) {
		r, err := Open(writeFile(t, "quotes.csv", []byte("a,b\n\"1,2\n3,4\"x\n")))
		require.NoError(t, err)
		err = r.Stream(context.Background(), Handler{})
		assert.ErrorIs(t, err, ErrParse)
	})

	t.Run("callback error aborts", func(t *testing.T) {
		r, err := Open(writeFile(t, "ok.csv", []byte("a\n1\n2\n")))
		require.NoError(t, err)
		boom := errors.New("boom")
		var c collected
		h := c.handler()
		h.OnRow = func(Row) error { return boom }
		err = r.Stream(context.Background(), h)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, c.err, boom)
	})

	t.Run("missing file", func(t *testing.T) {
		r, err := Open(filepath.Join(t.TempDir(), "gone.csv"))
		require.NoError(t, err)
		assert.Error(t, r.Stream(context.Background(), Handler{}))
	})

	t.Run("cancelled", func(t *testing.T) {
		r, err := Open(writeFile(t, "ok.csv", []byte("a\n1\n")))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, r.Stream(ctx, Handler{}), context.Canceled)
	})
}

func TestStreamSpreadsheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"ID", "Full Name", "Active"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{1, "Ada", "yes"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A4", &[]any{2, "Linus", "no"}))
	path := filepath.Join(t.TempDir(), "people.xlsx")
	require.NoError(t, f.SaveAs(path))

	r, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, FormatSpreadsheet, r.Format())

	var c collected
	require.NoError(t, r.Stream(context.Background(), c.handler()))
	assert.Equal(t, []string{"id", "full_name", "active"}, c.columns)
	require.Len(t, c.rows, 2)
	assert.Equal(t, "1", c.rows[0].Values["id"])
	assert.Equal(t, "Linus", c.rows[1].Values["full_name"])
	assert.Equal(t, 4, c.rows[1].Line)
	assert.Equal(t, 2, c.total)
}

func TestStreamSpreadsheetCorrupt(t *testing.T) {
	r, err := Open(writeFile(t, "bad.xlsx", []byte("not a zip")))
	require.NoError(t, err)
	var c collected
	err = r.Stream(context.Background(), c.handler())
	assert.ErrorIs(t, err, ErrParse)
	assert.ErrorIs(t, c.err, ErrParse)
}

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, []string{"a", "a_2", "a_3", "column_4"}, normalizeHeader([]string{"A", "a", "A ", ""}))
	long := strings.Repeat("x", 70)
	cols := normalizeHeader([]string{long, long})
	assert.Len(t, cols[0], 63)
	assert.LessOrEqual(t, len(cols[1]), 63)
	assert.NotEqual(t, cols[0], cols[1])
}
