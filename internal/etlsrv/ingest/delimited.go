package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type delimitedReader struct {
	path string
	used bool
}

func (r *delimitedReader) Format() Format {
	return FormatDelimited
}

func (r *delimitedReader) Stream(ctx context.Context, h Handler) error {
	e := &emitter{h: h}
	if r.used {
		return e.finish(errors.New("reader already consumed"))
	}
	r.used = true

	f, err := os.Open(r.path)
	if err != nil {
		return e.finish(err)
	}
	defer f.Close()
	return e.finish(streamDelimited(ctx, f, e))
}

// streamDelimited decodes UTF-8 or UTF-16 (by BOM) input, sniffs the delimiter from the
// first line and feeds records to e one at a time.
func streamDelimited(ctx context.Context, src io.Reader, e *emitter) error {
	decoded := transform.NewReader(src, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	br := bufio.NewReaderSize(decoded, 64*1024)

	comma := sniffDelimiter(br)
	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err == io.EOF {
		return ErrParse.Msg("file is empty")
	}
	if err != nil {
		return ErrParse.MsgErr("read header: "+err.Error(), err)
	}
	if err := e.header(append([]string(nil), hdr...)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ErrParse.MsgErr(err.Error(), err)
		}
		if isBlank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		if err := e.row(line, rec); err != nil {
			return err
		}
	}
}

var delimiterCandidates = []byte{',', ';', '\t', '|'}

// sniffDelimiter counts candidate delimiters outside quotes in the first line.
// Ties and lines without any candidate resolve to a comma.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(br.Size())
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	counts := make(map[byte]int, len(delimiterCandidates))
	inQuotes := false
	for _, c := range peek {
		if c == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[c]++
		}
	}
	best := byte(',')
	for _, c := range delimiterCandidates {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return rune(best)
}

