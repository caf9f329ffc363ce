package sheet

import (
	"context"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// GoogleOptions selects a Google spreadsheet. Either SpreadsheetID or Name
// must be set; Name is resolved through Drive the way a user finds a sheet
// by its title.
type GoogleOptions struct {
	CredentialsFile string // service account JSON
	SpreadsheetID   string
	Name            string
	Worksheet       string // defaults to the first worksheet
}

// GoogleReader reads rows through the Sheets API.
type GoogleReader struct {
	values    *sheets.SpreadsheetsValuesService
	id        string
	title     string
	worksheet string
}

// NewGoogleReader authenticates with a service account and resolves the
// spreadsheet and worksheet once.
func NewGoogleReader(ctx context.Context, opts GoogleOptions) (*GoogleReader, error) {
	creds := option.WithCredentialsFile(opts.CredentialsFile)

	srv, err := sheets.NewService(ctx, creds, option.WithScopes(sheets.SpreadsheetsReadonlyScope))
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("create sheets client"))
	}

	id := opts.SpreadsheetID
	if id == "" {
		if id, err = findSpreadsheet(ctx, opts.Name, creds); err != nil {
			return nil, err
		}
	}

	ss, err := srv.Spreadsheets.Get(id).Fields("properties.title", "sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("open spreadsheet "+id))
	}

	ws := opts.Worksheet
	if ws == "" {
		if len(ss.Sheets) == 0 || ss.Sheets[0].Properties == nil {
			return nil, fault.New("spreadsheet " + id + " has no worksheets")
		}
		ws = ss.Sheets[0].Properties.Title
	}

	title := id
	if ss.Properties != nil && ss.Properties.Title != "" {
		title = ss.Properties.Title
	}

	return &GoogleReader{
		values:    srv.Spreadsheets.Values,
		id:        id,
		title:     title,
		worksheet: ws,
	}, nil
}

func findSpreadsheet(ctx context.Context, name string, creds option.ClientOption) (string, error) {
	if name == "" {
		return "", fault.New("no spreadsheet id or name given")
	}
	srv, err := drive.NewService(ctx, creds, option.WithScopes(drive.DriveMetadataReadonlyScope))
	if err != nil {
		return "", fault.Wrap(err, fmsg.With("create drive client"))
	}

	q := "name = '" + escapeQuery(name) + "' and mimeType = 'application/vnd.google-apps.spreadsheet' and trashed = false"
	list, err := srv.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fault.Wrap(err, fmsg.With("search spreadsheet "+name))
	}
	if len(list.Files) == 0 {
		return "", fault.New("spreadsheet not found or not shared with the service account: " + name)
	}
	return list.Files[0].Id, nil
}

// Title is the spreadsheet title.
func (r *GoogleReader) Title() string {
	return r.title
}

// URL links to the spreadsheet in a browser.
func (r *GoogleReader) URL() string {
	return "https://docs.google.com/spreadsheets/d/" + r.id
}

// FetchRows reads the whole worksheet with unformatted values, so numbers
// arrive as numbers and text as strings.
func (r *GoogleReader) FetchRows(ctx context.Context) ([]Row, error) {
	resp, err := r.values.Get(r.id, quoteSheet(r.worksheet)).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("read "+r.worksheet), ftag.With(KindFetch))
	}
	return RowsFromGrid(resp.Values), nil
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
