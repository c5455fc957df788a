// Package model provides data models for the hash run email gateway.
package model

import (
	"strconv"
	"time"
)

// Attribute keys stored against a run.
const (
	AttrRunNumber = "run_number"
	AttrRunDate   = "run_date"
	AttrStartTime = "start_time"
	AttrHares     = "hares"
	AttrLocation  = "location"
	AttrWhat3W    = "what3words"
	AttrMapsURL   = "maps_url"
	AttrOnInn     = "oninn"
	AttrNotes     = "notes"
	AttrTitle     = "title"
)

// AttrKeys is the ordered set of attributes persisted for a run.
// The title lives on the run itself and is not part of this list.
var AttrKeys = []string{
	AttrRunNumber,
	AttrRunDate,
	AttrStartTime,
	AttrHares,
	AttrLocation,
	AttrWhat3W,
	AttrMapsURL,
	AttrOnInn,
	AttrNotes,
}

// Status values for a run.
const (
	StatusPublish = "publish"
	StatusFuture  = "future"
)

// Run represents a persisted hash run record.
type Run struct {
	ID        string            `json:"id"`
	RunNumber *int              `json:"run_number,omitempty"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	Attrs     map[string]string `json:"attrs"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Attr returns the stored value of an attribute, or "" when unset.
func (r *Run) Attr(key string) string {
	if key == AttrTitle {
		return r.Title
	}
	if r.Attrs == nil {
		return ""
	}
	return r.Attrs[key]
}

// Fields is a partial view of run attributes, as extracted from an email or
// parsed from a CSV row. A missing key means "not mentioned".
type Fields map[string]string

// Has reports whether the field is present and non-empty.
func (f Fields) Has(key string) bool {
	return f[key] != ""
}

// RunNumber returns the run number if present and a positive integer.
func (f Fields) RunNumber() (int, bool) {
	v := f[AttrRunNumber]
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Clone returns a shallow copy of the fields.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Action describes what a reconciliation did.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Outcome is the result of applying fields to the store.
type Outcome struct {
	Action    Action `json:"action"`
	RunID     string `json:"run_id"`
	RunNumber *int   `json:"run_number,omitempty"`
	Title     string `json:"title"`
	// Written holds the sanitized attributes written by this call.
	Written Fields `json:"written"`
	// Changed lists the keys whose final value differs from the value
	// stored before the call, in AttrKeys order with title last.
	Changed []string `json:"changed,omitempty"`
}

// Summary aggregates the result of a CSV import.
type Summary struct {
	// Err is a batch-fatal problem; when set no rows were processed.
	Err       string     `json:"error,omitempty"`
	Created   []*Outcome `json:"created"`
	Updated   []*Outcome `json:"updated"`
	Unchanged int        `json:"unchanged"`
	Errors    []string   `json:"errors,omitempty"`
}

// Labels are the human-readable names used in confirmation messages, in
// display order.
var Labels = []struct {
	Key   string
	Label string
}{
	{AttrRunDate, "Date"},
	{AttrHares, "Hare(s)"},
	{AttrLocation, "Location"},
	{AttrStartTime, "Start Time"},
	{AttrOnInn, "On Inn"},
	{AttrWhat3W, "What3Words"},
	{AttrMapsURL, "Maps"},
	{AttrNotes, "Notes"},
}

// AuditEntry records one handled inbound message or administrative action.
type AuditEntry struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor,omitempty"`
	Action    string            `json:"action"`
	TargetID  string            `json:"target_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"ts"`
}
