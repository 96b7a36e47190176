package syncrun

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxReportErrors caps the per-record error listing in the report.
const maxReportErrors = 50

// EntityCounts accumulates loader results for one entity across a run.
type EntityCounts struct {
	Pulled           int
	Inserted         int
	Updated          int
	Matched          int
	Skipped          int
	SourceDuplicates int
}

// Report is the human-readable summary written at the end of every run.
type Report struct {
	RunID     string
	Type      string
	Status    string
	StartedAt time.Time

	Entities map[string]*EntityCounts
	// Diagnostics are named skip-class counters, e.g.
	// responses_no_matching_score.
	Diagnostics map[string]int
	Errors      []string
	truncated   int
}

func NewReport(runID, typ string) *Report {
	return &Report{
		RunID:       runID,
		Type:        typ,
		StartedAt:   time.Now(),
		Entities:    map[string]*EntityCounts{},
		Diagnostics: map[string]int{},
	}
}

func (r *Report) Entity(name string) *EntityCounts {
	if r.Entities[name] == nil {
		r.Entities[name] = &EntityCounts{}
	}
	return r.Entities[name]
}

func (r *Report) Diag(name string, n int) {
	r.Diagnostics[name] += n
}

// RecordError appends one per-record error, capped; overflow is counted.
func (r *Report) RecordError(entity, ref, msg string) {
	if len(r.Errors) >= maxReportErrors {
		r.truncated++
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf("[%s] %s: %s", entity, ref, msg))
}

// FlatCounts renders all counters for the sync_runs counts_json column.
func (r *Report) FlatCounts() map[string]int {
	out := map[string]int{}
	for name, ec := range r.Entities {
		out[name+"_pulled"] = ec.Pulled
		out[name+"_inserted"] = ec.Inserted
		out[name+"_updated"] = ec.Updated
		out[name+"_matched"] = ec.Matched
		out[name+"_skipped"] = ec.Skipped
		out[name+"_source_duplicates"] = ec.SourceDuplicates
	}
	for name, n := range r.Diagnostics {
		out[name] = n
	}
	return out
}

// Write renders the report to dir and returns the file path.
func (r *Report) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("sync_report_%s_%s.txt", r.StartedAt.Format("20060102_150405"), r.RunID)
	path := filepath.Join(dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "Sync run %s (%s)\n", r.RunID, r.Type)
	fmt.Fprintf(&b, "Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Finished: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Status:   %s\n\n", r.Status)

	names := make([]string, 0, len(r.Entities))
	for n := range r.Entities {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ec := r.Entities[n]
		fmt.Fprintf(&b, "%-20s pulled=%-6d inserted=%-6d updated=%-6d matched=%-6d skipped=%-6d source_duplicates=%d\n",
			n, ec.Pulled, ec.Inserted, ec.Updated, ec.Matched, ec.Skipped, ec.SourceDuplicates)
	}

	if len(r.Diagnostics) > 0 {
		b.WriteString("\nDiagnostics:\n")
		keys := make([]string, 0, len(r.Diagnostics))
		for k := range r.Diagnostics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s = %d\n", k, r.Diagnostics[k])
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "\nPer-record errors (first %d):\n", maxReportErrors)
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
		if r.truncated > 0 {
			fmt.Fprintf(&b, "  ... and %d more\n", r.truncated)
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
