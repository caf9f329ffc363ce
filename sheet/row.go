package sheet

import (
	"fmt"
	"strings"
)

// Row is one data row below the header, keyed by lower-cased column name.
type Row map[string]any

// Blank reports whether every cell in the row is empty.
func (r Row) Blank() bool {
	for _, v := range r {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return false
	}
	return true
}

// RowsFromGrid turns a header row followed by data rows into Rows.
// Short rows are padded with absent cells, extra cells without a header are dropped.
func RowsFromGrid(grid [][]any) []Row {
	if len(grid) == 0 {
		return nil
	}

	header := make([]string, len(grid[0]))
	for i, h := range grid[0] {
		if h == nil {
			continue
		}
		header[i] = strings.ToLower(strings.TrimSpace(fmt.Sprint(h)))
	}

	rows := make([]Row, 0, len(grid)-1)
	for _, cells := range grid[1:] {
		row := make(Row, len(header))
		for i, name := range header {
			if name == "" || i >= len(cells) {
				continue
			}
			row[name] = cells[i]
		}
		rows = append(rows, row)
	}
	return rows
}

// SheetLine converts a 0-based data row index into the 1-based line number
// a user sees in the spreadsheet (the header occupies line 1).
func SheetLine(row int) int {
	return row + 2
}
