// Package journal keeps a sqlite history of what the sheet looked like
// during a session: every distinct snapshot and every failed fetch.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	_ "github.com/mattn/go-sqlite3"

	"spreadsheet-music/sheet"
)

// Entry kinds.
const (
	KindSnapshot = "snapshot"
	KindFailure  = "failure"
)

const schema = `
create table if not exists events
  (
	id integer not null primary key,
	at integer not null,
	kind text not null,
	seq integer,
	notes text,
	detail text
  );
`

// Entry is one journal row.
type Entry struct {
	ID     int64
	At     time.Time
	Kind   string
	Seq    uint64
	Notes  []sheet.Note
	Detail string
}

// Journal appends to a sqlite file. Methods are safe for concurrent use.
type Journal struct {
	db *sql.DB

	mu   sync.Mutex
	last string // notes of the last recorded snapshot
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("open journal "+path))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fault.Wrap(err, fmsg.With("create journal schema"))
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordSnapshot stores snap unless its notes are identical to the last
// stored snapshot. It reports whether a row was written.
func (j *Journal) RecordSnapshot(ctx context.Context, snap *sheet.Snapshot) (bool, error) {
	notes := snap.Notes
	if notes == nil {
		notes = []sheet.Note{}
	}
	data, err := json.Marshal(notes)
	if err != nil {
		return false, fault.Wrap(err, fmsg.With("encode snapshot"))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if string(data) == j.last {
		return false, nil
	}

	_, err = j.db.ExecContext(ctx,
		"insert into events(at, kind, seq, notes) values(?, ?, ?, ?)",
		snap.Taken.UnixNano(), KindSnapshot, int64(snap.Seq), string(data))
	if err != nil {
		return false, fault.Wrap(err, fmsg.With("record snapshot"))
	}
	j.last = string(data)
	return true, nil
}

// RecordFailure stores a failed fetch.
func (j *Journal) RecordFailure(ctx context.Context, at time.Time, cause error) error {
	_, err := j.db.ExecContext(ctx,
		"insert into events(at, kind, detail) values(?, ?, ?)",
		at.UnixNano(), KindFailure, cause.Error())
	if err != nil {
		return fault.Wrap(err, fmsg.With("record failure"))
	}
	return nil
}

// History returns up to limit entries, newest first.
func (j *Journal) History(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		"select id, at, kind, seq, notes, detail from events order by id desc limit ?", limit)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("query journal"))
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			at     int64
			seq    sql.NullInt64
			notes  sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Kind, &seq, &notes, &detail); err != nil {
			return nil, fault.Wrap(err, fmsg.With("scan journal row"))
		}
		e.At = time.Unix(0, at)
		e.Seq = uint64(seq.Int64)
		e.Detail = detail.String
		if notes.Valid {
			if err := decodeNotes(notes.String, &e.Notes); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// decodeNotes reads notes back from their column form.
func decodeNotes(data string, out *[]sheet.Note) error {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return fault.Wrap(err, fmsg.With("decode snapshot"))
	}
	for _, fields := range raw {
		row, _ := fields["row"].(float64)
		delete(fields, "row")
		n, err := sheet.ParseRow(int(row), sheet.Row(fields))
		if err != nil {
			return fault.Wrap(err, fmsg.With("decode snapshot"))
		}
		*out = append(*out, n)
	}
	return nil
}
