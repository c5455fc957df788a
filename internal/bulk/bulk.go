// Package bulk imports and exports hash runs as CSV.
package bulk

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/nonatech-uk/hash-calendar-email/internal/model"
)

// Columns is the CSV column set, in export order. Imports accept any subset
// in any order.
var Columns = []string{
	model.AttrRunNumber,
	model.AttrTitle,
	model.AttrRunDate,
	model.AttrStartTime,
	model.AttrHares,
	model.AttrLocation,
	model.AttrWhat3W,
	model.AttrMapsURL,
	model.AttrOnInn,
	model.AttrNotes,
}

// Batch-fatal import messages.
const MsgEmpty = "CSV file is empty or has no data rows."

// MsgHeaderUnmatched is reported when no header column is recognised.
var MsgHeaderUnmatched = "CSV header not recognised. Expected columns: " + strings.Join(Columns, ", ")

// ExportFilename is the attachment name used for exports.
const ExportFilename = "hash-runs-export.csv"

// Applier reconciles one set of fields against storage.
type Applier interface {
	Apply(ctx context.Context, fields model.Fields) (*model.Outcome, error)
}

// Lister lists every stored run in export order.
type Lister interface {
	ListRuns(ctx context.Context) ([]*model.Run, error)
}

// Processor runs CSV imports through the reconciliation engine and renders
// exports from storage.
type Processor struct {
	engine Applier
	runs   Lister
	logger *zap.Logger
}

// New creates a Processor.
func New(engine Applier, runs Lister, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{engine: engine, runs: runs, logger: logger}
}

type row struct {
	line   int
	values []string
}

// Import applies every data row of raw. Batch-fatal problems are reported in
// Summary.Err; row problems are collected in Summary.Errors and do not stop
// the batch. Row numbers are 1-based source line numbers, header included.
func (p *Processor) Import(ctx context.Context, raw string) *model.Summary {
	summary := &model.Summary{}

	rows, parseErrs := readRows(strings.TrimPrefix(raw, "\ufeff"))
	if len(rows) < 2 {
		summary.Err = MsgEmpty
		return summary
	}

	columns := map[int]string{}
	for i, name := range rows[0].values {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, c := range Columns {
			if name == c {
				columns[i] = c
				break
			}
		}
	}
	if len(columns) == 0 {
		summary.Err = MsgHeaderUnmatched
		return summary
	}

	summary.Errors = append(summary.Errors, parseErrs...)

	for _, r := range rows[1:] {
		fields := model.Fields{}
		for i, v := range r.values {
			col, ok := columns[i]
			if !ok {
				continue
			}
			if v = strings.TrimSpace(v); v != "" {
				fields[col] = v
			}
		}

		if !fields.Has(model.AttrRunDate) && !fields.Has(model.AttrRunNumber) {
			summary.Errors = append(summary.Errors, fmt.Sprintf("Row %d: no date or run number", r.line))
			continue
		}

		outcome, err := p.engine.Apply(ctx, fields)
		switch {
		case err != nil:
			summary.Errors = append(summary.Errors, fmt.Sprintf("Row %d: %s", r.line, err.Error()))
		case outcome.Action == model.ActionCreated:
			summary.Created = append(summary.Created, outcome)
		case len(outcome.Changed) > 0:
			summary.Updated = append(summary.Updated, outcome)
		default:
			summary.Unchanged++
		}
	}

	p.logger.Info("csv import complete",
		zap.Int("created", len(summary.Created)),
		zap.Int("updated", len(summary.Updated)),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary
}

// readRows splits raw into CSV records, skipping blank ones. Quoted cells may
// span lines. Malformed records are reported as row errors.
func readRows(raw string) ([]row, []string) {
	r := csv.NewReader(strings.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows []row
	var errs []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				errs = append(errs, fmt.Sprintf("Row %d: %v", pe.StartLine, pe.Err))
				continue
			}
			errs = append(errs, err.Error())
			break
		}
		if blank(rec) {
			continue
		}
		line, _ := r.FieldPos(0)
		rows = append(rows, row{line: line, values: rec})
	}
	return rows, errs
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Export renders every stored run as CSV, header first, ordered by run date
// with undated runs last. It returns the payload and the number of runs.
func (p *Processor) Export(ctx context.Context) ([]byte, int, error) {
	runs, err := p.runs.ListRuns(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, 0, err
	}
	for _, run := range runs {
		record := make([]string, len(Columns))
		for i, c := range Columns {
			record[i] = run.Attr(c)
		}
		if err := w.Write(record); err != nil {
			return nil, 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(runs), nil
}
