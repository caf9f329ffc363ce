package sheet

import (
	"fmt"

	"github.com/Southclaws/fault/ftag"
)

// Error kinds attached with ftag to errors leaving this package.
const (
	KindParse ftag.Kind = "PARSE_ERROR"
	KindFetch ftag.Kind = "FETCH_ERROR"
)

// ParseError describes why a single row could not become a Note.
// The row is skipped; the rest of the poll is unaffected.
type ParseError struct {
	Row    int
	Column string
	Value  any
	Reason string
}

func (e *ParseError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("line %d: %s: %s", SheetLine(e.Row), e.Column, e.Reason)
	}
	return fmt.Sprintf("line %d: %s: %s (got %v)", SheetLine(e.Row), e.Column, e.Reason, e.Value)
}
