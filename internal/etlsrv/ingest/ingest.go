// Package ingest reads rows from uploaded files. Delimited text is streamed record by
// record; spreadsheets are loaded whole and then iterated. Both are exposed through the
// same callback based Reader so the pipeline does not care which one it got.
package ingest

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tansive/tabletenant/internal/common/apperrors"
	"github.com/tansive/tabletenant/internal/etlsrv/ident"
)

var (
	ErrUnsupportedFormat apperrors.Error = apperrors.New("unsupported file format").
				SetStatusCode(http.StatusUnsupportedMediaType).
				SetReason("UNSUPPORTED_FORMAT")
	ErrParse apperrors.Error = apperrors.New("unable to parse file").
			SetStatusCode(http.StatusUnprocessableEntity).
			SetReason("PARSE_ERROR")
)

// ErrStop may be returned from Handler.OnRow to end a read early. Stream then returns nil.
var ErrStop = errors.New("stop reading")

type Format string

const (
	FormatDelimited   Format = "delimited"
	FormatSpreadsheet Format = "spreadsheet"
)

var extensions = map[string]Format{
	".csv":  FormatDelimited,
	".tsv":  FormatDelimited,
	".txt":  FormatDelimited,
	".xlsx": FormatSpreadsheet,
	".xlsm": FormatSpreadsheet,
}

// Row is one data record keyed by normalized column name. Line is 1 based and counts the header.
type Row struct {
	Line   int
	Values map[string]string
}

// Handler receives the content of a file. Any callback may be nil.
// OnHeader is called once before any row. OnComplete reports the number of data rows
// after a full read. OnError receives the error that aborted the read, which Stream also returns.
type Handler struct {
	OnHeader   func(columns []string) error
	OnRow      func(row Row) error
	OnComplete func(total int)
	OnError    func(err error)
}

type Reader interface {
	Format() Format
	// Stream reads the source from the start. A Reader is single use.
	Stream(ctx context.Context, h Handler) error
}

// FormatFor selects the reader format from the file extension without touching the file.
func FormatFor(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if f, ok := extensions[ext]; ok {
		return f, nil
	}
	if ext == "" {
		return "", ErrUnsupportedFormat.Msg("file has no extension; expected .csv, .tsv, .txt, .xlsx or .xlsm")
	}
	return "", ErrUnsupportedFormat.Msg("unsupported file format " + strconv.Quote(ext) + "; expected .csv, .tsv, .txt, .xlsx or .xlsm")
}

// Open returns the reader for path. The format check happens before any I/O.
func Open(path string) (Reader, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatSpreadsheet:
		return &spreadsheetReader{path: path}, nil
	default:
		return &delimitedReader{path: path}, nil
	}
}

// normalizeHeader turns raw header cells into unique column identifiers.
func normalizeHeader(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		name := ident.Normalize(h, i+1)
		if n, ok := seen[name]; ok {
			for {
				n++
				candidate := name + "_" + strconv.Itoa(n)
				if len(candidate) > ident.MaxLength {
					candidate = name[:ident.MaxLength-len(strconv.Itoa(n))-1] + "_" + strconv.Itoa(n)
				}
				if _, taken := seen[candidate]; !taken {
					seen[name] = n
					name = candidate
					break
				}
			}
		}
		seen[name] = 1
		out[i] = name
	}
	return out
}

// emitter drives the handler callbacks and keeps the first error.
type emitter struct {
	h       Handler
	columns []string
	rows    int
}

func (e *emitter) header(raw []string) error {
	if len(raw) == 0 {
		return ErrParse.Msg("file has no header row")
	}
	e.columns = normalizeHeader(raw)
	if e.h.OnHeader != nil {
		return e.h.OnHeader(e.columns)
	}
	return nil
}

func (e *emitter) row(line int, record []string) error {
	if len(record) > len(e.columns) {
		for _, extra := range record[len(e.columns):] {
			if strings.TrimSpace(extra) != "" {
				return ErrParse.Msg("line " + strconv.Itoa(line) + " has " + strconv.Itoa(len(record)) +
					" fields but the header has " + strconv.Itoa(len(e.columns)))
			}
		}
	}
	values := make(map[string]string, len(e.columns))
	for i, c := range e.columns {
		if i < len(record) {
			values[c] = strings.TrimSpace(record[i])
		} else {
			values[c] = ""
		}
	}
	e.rows++
	if e.h.OnRow != nil {
		return e.h.OnRow(Row{Line: line, Values: values})
	}
	return nil
}

// finish applies the end of read contract: ErrStop is a clean early exit, any other error
// is reported once through OnError, and a full read reports the row count.
func (e *emitter) finish(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	if err != nil {
		if e.h.OnError != nil {
			e.h.OnError(err)
		}
		return err
	}
	if e.h.OnComplete != nil {
		e.h.OnComplete(e.rows)
	}
	return nil
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
