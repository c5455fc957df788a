// Package reconcile applies extracted or imported fields to stored runs.
//
// A run is identified by its run number. Fields naming a known run number
// update that run; anything else creates a new run, which requires a date.
// Updates only ever add or overwrite attributes, never clear them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/nonatech-uk/hash-calendar-email/internal/db"
	"github.com/nonatech-uk/hash-calendar-email/internal/model"
	"github.com/nonatech-uk/hash-calendar-email/internal/sanitize"
)

// ErrMissingDate is returned when a new run would be created without a date.
var ErrMissingDate = errors.New("No date found in parsed data.")

// DefaultTitle is used when nothing better can be derived.
const DefaultTitle = "Hash Run"

// Repository is the run storage the engine writes through.
// FindRunByNumber returns db.ErrNotFound when no run holds the number and
// CreateRunWithAttrs returns db.ErrAlreadyExists when another run already
// does. CreateRunWithAttrs stores a published run and its attributes
// atomically.
type Repository interface {
	FindRunByNumber(ctx context.Context, runNumber int) (*model.Run, error)
	CreateRunWithAttrs(ctx context.Context, title string, runNumber *int, attrs map[string]string) (*model.Run, error)
	UpdateRunTitle(ctx context.Context, id, title string) error
	SetRunMeta(ctx context.Context, id, key, value string) error
	SetRunStatus(ctx context.Context, id, status string) error
}

// Engine reconciles fields against the repository.
type Engine struct {
	repo   Repository
	logger *zap.Logger
}

// New creates an Engine.
func New(repo Repository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, logger: logger}
}

// Apply creates or updates the run described by fields.
func (e *Engine) Apply(ctx context.Context, fields model.Fields) (*model.Outcome, error) {
	clean := Clean(fields)

	var existing *model.Run
	num, hasNum := clean.RunNumber()
	if hasNum {
		run, err := e.repo.FindRunByNumber(ctx, num)
		switch {
		case err == nil:
			existing = run
		case !errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("looking up run %d: %w", num, err)
		}
	}

	if existing == nil {
		if !clean.Has(model.AttrRunDate) {
			return nil, ErrMissingDate
		}
		outcome, err := e.create(ctx, clean, num, hasNum)
		if !errors.Is(err, db.ErrAlreadyExists) {
			return outcome, err
		}
		// Another message created this run number since the lookup.
		e.logger.Info("run number claimed concurrently, applying as update", zap.Int("run_number", num))
		if existing, err = e.repo.FindRunByNumber(ctx, num); err != nil {
			return nil, fmt.Errorf("re-reading run %d: %w", num, err)
		}
	}

	return e.update(ctx, existing, clean)
}

func (e *Engine) create(ctx context.Context, clean model.Fields, num int, hasNum bool) (*model.Outcome, error) {
	title := DeriveTitle(clean, fallbackTitle(clean, ""))

	var numPtr *int
	if hasNum {
		numPtr = &num
	}
	written := model.Fields{}
	for _, k := range model.AttrKeys {
		if clean.Has(k) {
			written[k] = clean[k]
		}
	}
	run, err := e.repo.CreateRunWithAttrs(ctx, title, numPtr, written)
	if err != nil {
		return nil, err
	}

	changed := make([]string, 0, len(written)+1)
	for _, k := range model.AttrKeys {
		if written.Has(k) {
			changed = append(changed, k)
		}
	}
	changed = append(changed, model.AttrTitle)

	return &model.Outcome{
		Action:    model.ActionCreated,
		RunID:     run.ID,
		RunNumber: numPtr,
		Title:     title,
		Written:   written,
		Changed:   changed,
	}, nil
}

func (e *Engine) update(ctx context.Context, run *model.Run, clean model.Fields) (*model.Outcome, error) {
	merged := Merge(run, clean)
	title := DeriveTitle(merged, fallbackTitle(clean, run.Title))

	if title != run.Title {
		if err := e.repo.UpdateRunTitle(ctx, run.ID, title); err != nil {
			return nil, fmt.Errorf("updating title: %w", err)
		}
	}

	written, err := e.write(ctx, run.ID, clean)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, run.ID); err != nil {
		return nil, err
	}

	return &model.Outcome{
		Action:    model.ActionUpdated,
		RunID:     run.ID,
		RunNumber: run.RunNumber,
		Title:     title,
		Written:   written,
		Changed:   Diff(run, written, title),
	}, nil
}

// write stores every present attribute of clean and returns what it wrote.
func (e *Engine) write(ctx context.Context, id string, clean model.Fields) (model.Fields, error) {
	written := model.Fields{}
	for _, k := range model.AttrKeys {
		if !clean.Has(k) {
			continue
		}
		if err := e.repo.SetRunMeta(ctx, id, k, clean[k]); err != nil {
			return nil, fmt.Errorf("writing %s: %w", k, err)
		}
		written[k] = clean[k]
	}
	return written, nil
}

// publish makes the run visible immediately. The store hides runs dated in
// the future by default; runs announced by email must show straight away.
func (e *Engine) publish(ctx context.Context, id string) error {
	if err := e.repo.SetRunStatus(ctx, id, model.StatusPublish); err != nil {
		return fmt.Errorf("publishing run: %w", err)
	}
	return nil
}

// Clean sanitizes every known field and drops the empty ones.
func Clean(fields model.Fields) model.Fields {
	clean := model.Fields{}
	for _, k := range model.AttrKeys {
		if v := sanitize.Field(k, fields[k]); v != "" {
			clean[k] = v
		}
	}
	if v := sanitize.Text(fields[model.AttrTitle]); v != "" {
		clean[model.AttrTitle] = v
	}
	return clean
}

// Merge overlays incoming fields on the stored attributes of run.
func Merge(run *model.Run, incoming model.Fields) model.Fields {
	merged := model.Fields{}
	for _, k := range model.AttrKeys {
		if incoming.Has(k) {
			merged[k] = incoming[k]
		} else if v := run.Attr(k); v != "" {
			merged[k] = v
		}
	}
	if run.RunNumber != nil && !merged.Has(model.AttrRunNumber) {
		merged[model.AttrRunNumber] = strconv.Itoa(*run.RunNumber)
	}
	return merged
}

// Diff lists the keys of written whose value differs from what run stored,
// followed by "title" when the title changed.
func Diff(run *model.Run, written model.Fields, title string) []string {
	var changed []string
	for _, k := range model.AttrKeys {
		if written.Has(k) && written[k] != run.Attr(k) {
			changed = append(changed, k)
		}
	}
	if title != run.Title {
		changed = append(changed, model.AttrTitle)
	}
	return changed
}

// DeriveTitle computes the display title of a run:
// "hares - location", hares, location, "Run #N", then fallback.
func DeriveTitle(f model.Fields, fallback string) string {
	hares, location := f[model.AttrHares], f[model.AttrLocation]
	switch {
	case hares != "" && location != "":
		return hares + " - " + location
	case hares != "":
		return hares
	case location != "":
		return location
	}
	if n, ok := f.RunNumber(); ok {
		return "Run #" + strconv.Itoa(n)
	}
	return fallback
}

func fallbackTitle(clean model.Fields, stored string) string {
	if t := clean[model.AttrTitle]; t != "" {
		return t
	}
	if stored != "" {
		return stored
	}
	return DefaultTitle
}
