package bulk

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nonatech-uk/hash-calendar-email/internal/db"
	"github.com/nonatech-uk/hash-calendar-email/internal/model"
	"github.com/nonatech-uk/hash-calendar-email/internal/reconcile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestProcessor(t *testing.T) (*Processor, *reconcile.Engine, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	engine := reconcile.New(database, nil)
	return New(engine, database, nil), engine, database
}

func seed(t *testing.T, engine *reconcile.Engine, fields ...model.Fields) {
	t.Helper()
	for _, f := range fields {
		_, err := engine.Apply(context.Background(), f)
		require.NoError(t, err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	p, engine, _ := newTestProcessor(t)
	ctx := context.Background()

	seed(t, engine,
		model.Fields{
			"run_number": "2120",
			"run_date":   "2026-03-16",
			"hares":      "Speedy",
			"location":   "Cricket Ground, Shere",
			"maps_url":   "https://maps.google.com/?q=51.22,-0.46",
			"notes":      "Bring a torch.\nShiggy in places, \"proper\" mud.",
		},
		model.Fields{"run_number": "2121", "run_date": "2026-03-23"},
		model.Fields{"run_number": "2119", "run_date": "2026-03-09", "oninn": "The Prince of Wales", "what3words": "not-a-w3w"},
	)

	data, count, err := p.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	summary := p.Import(ctx, string(data))
	assert.Empty(t, summary.Err)
	assert.Empty(t, summary.Errors)
	assert.Empty(t, summary.Created)
	assert.Empty(t, summary.Updated)
	assert.Equal(t, 3, summary.Unchanged)
}

func TestExport(t *testing.T) {
	p, engine, _ := newTestProcessor(t)
	seed(t, engine,
		model.Fields{"run_number": "2121", "run_date": "2026-03-23"},
		model.Fields{"run_number": "2120", "run_date": "2026-03-16", "hares": "Speedy", "location": "Shere"},
	)

	data, count, err := p.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	want := "run_number,title,run_date,start_time,hares,location,what3words,maps_url,oninn,notes\n" +
		"2120,Speedy - Shere,2026-03-16,,Speedy,Shere,,,,\n" +
		"2121,Run #2121,2026-03-23,,,,,,,\n"
	assert.Equal(t, want, string(data))
}

func TestExport_Empty(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	data, count, err := p.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, strings.Join(Columns, ",")+"\n", string(data))
}

func TestImport_UpdatesOnlyGivenField(t *testing.T) {
	p, engine, database := newTestProcessor(t)
	ctx := context.Background()
	seed(t, engine, model.Fields{"run_number": "2120", "run_date": "2026-03-16", "location": "Park"})

	summary := p.Import(ctx, "run_number,start_time\n2120,11:00\n")
	assert.Empty(t, summary.Errors)
	require.Len(t, summary.Updated, 1)
	assert.Equal(t, []string{"start_time"}, summary.Updated[0].Changed)

	run, err := database.FindRunByNumber(ctx, 2120)
	require.NoError(t, err)
	assert.Equal(t, "11:00", run.Attrs["start_time"])
	assert.Equal(t, "Park", run.Attrs["location"])
	assert.Equal(t, "2026-03-16", run.Attrs["run_date"])
}

func TestImport_CreatesAndCounts(t *testing.T) {
	p, engine, _ := newTestProcessor(t)
	seed(t, engine, model.Fields{"run_number": "10", "run_date": "2026-01-05", "hares": "Bob"})

	raw := "Run_Number , RUN_DATE ,Hares,ignored\r\n" +
		"10,2026-01-05,Bob,x\r\n" +
		"11,2026-01-12,Alice,x\r\n" +
		"10,2026-01-05,Bobby,x\r\n"
	summary := p.Import(context.Background(), raw)

	assert.Empty(t, summary.Err)
	assert.Empty(t, summary.Errors)
	require.Len(t, summary.Created, 1)
	assert.Equal(t, "Alice", summary.Created[0].Title)
	require.Len(t, summary.Updated, 1)
	assert.Equal(t, []string{"hares", "title"}, summary.Updated[0].Changed)
	assert.Equal(t, 1, summary.Unchanged)
}

func TestImport_RowErrors(t *testing.T) {
	p, _, database := newTestProcessor(t)
	ctx := context.Background()

	raw := "run_number,run_date,hares\n" +
		"55,,Bob\n" +
		"\n" +
		",,Nobody\n" +
		"56,2026-02-02,Carol\n"
	summary := p.Import(ctx, raw)

	assert.Equal(t, []string{
		"Row 2: " + reconcile.ErrMissingDate.Error(),
		"Row 4: no date or run number",
	}, summary.Errors)
	require.Len(t, summary.Created, 1, "the batch continues past row errors")

	runs, err := database.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestImport_BatchErrors(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", MsgEmpty},
		{"blank lines", "\n  \n\n", MsgEmpty},
		{"header only", "run_number,run_date\n", MsgEmpty},
		{"unknown header", "foo,bar\n1,2\n", MsgHeaderUnmatched},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := p.Import(ctx, tt.raw)
			assert.Equal(t, tt.want, summary.Err)
			assert.Empty(t, summary.Created)
			assert.Empty(t, summary.Errors)
		})
	}
}

func TestImport_ByteOrderMark(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	summary := p.Import(context.Background(), "\ufeffrun_date,title\n2026-05-01,AGM\n")
	assert.Empty(t, summary.Err)
	require.Len(t, summary.Created, 1)
	assert.Equal(t, "AGM", summary.Created[0].Title)
}

func TestImport_What3WordsPassThrough(t *testing.T) {
	p, _, database := newTestProcessor(t)
	ctx := context.Background()

	summary := p.Import(ctx, "run_number,run_date,what3words\n77,2026-05-01,just.two\n")
	require.Len(t, summary.Created, 1)

	run, err := database.FindRunByNumber(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, "just.two", run.Attrs["what3words"])
}
