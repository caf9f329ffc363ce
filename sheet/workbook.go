package sheet

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/360EntSecGroup-Skylar/excelize/v2"
	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// WorkbookReader reads a local .xlsx file, reopening it on every fetch so
// saved edits are picked up like edits in a shared sheet.
type WorkbookReader struct {
	path      string
	worksheet string
}

// NewWorkbookReader reads worksheet from the file at path. An empty
// worksheet selects the first one.
func NewWorkbookReader(path, worksheet string) *WorkbookReader {
	return &WorkbookReader{path: path, worksheet: worksheet}
}

// Title is the file name without extension.
func (r *WorkbookReader) Title() string {
	base := filepath.Base(r.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FetchRows reads the worksheet. Cells arrive as text and are parsed as
// numeric strings.
func (r *WorkbookReader) FetchRows(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(err, ftag.With(KindFetch))
	}

	f, err := excelize.OpenFile(r.path)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("open workbook "+r.path), ftag.With(KindFetch))
	}

	ws := r.worksheet
	if ws == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return nil, fault.Wrap(fault.New("no worksheets"), fmsg.With(r.path), ftag.With(KindFetch))
		}
		ws = list[0]
	}

	cells, err := f.GetRows(ws)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("read worksheet "+ws), ftag.With(KindFetch))
	}

	grid := make([][]any, len(cells))
	for i, line := range cells {
		grid[i] = make([]any, len(line))
		for j, c := range line {
			grid[i][j] = c
		}
	}
	return RowsFromGrid(grid), nil
}
