package ingest

import (
	"context"
	"errors"

	"github.com/xuri/excelize/v2"
)

type spreadsheetReader struct {
	path string
	used bool
}

func (r *spreadsheetReader) Format() Format {
	return FormatSpreadsheet
}

// Stream loads the first sheet of the workbook and iterates it. The first non blank row
// is the header.
func (r *spreadsheetReader) Stream(ctx context.Context, h Handler) error {
	e := &emitter{h: h}
	if r.used {
		return e.finish(errors.New("reader already consumed"))
	}
	r.used = true

	f, err := excelize.OpenFile(r.path)
	if err != nil {
		return e.finish(ErrParse.MsgErr("unable to open workbook: "+err.Error(), err))
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return e.finish(ErrParse.Msg("workbook has no sheets"))
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return e.finish(ErrParse.MsgErr("unable to read sheet "+sheets[0]+": "+err.Error(), err))
	}
	return e.finish(iterateRows(ctx, rows, e))
}

func iterateRows(ctx context.Context, rows [][]string, e *emitter) error {
	headerSeen := false
	for i, rec := range rows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if isBlank(rec) {
			continue
		}
		if !headerSeen {
			if err := e.header(rec); err != nil {
				return err
			}
			headerSeen = true
			continue
		}
		if err := e.row(i+1, rec); err != nil {
			return err
		}
	}
	if !headerSeen {
		return ErrParse.Msg("sheet is empty")
	}
	return nil
}
