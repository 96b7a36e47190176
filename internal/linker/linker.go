// Package linker resolves source-system identifiers to warehouse row ids.
// Email plus academic year is the authoritative student key; source record
// ids are the fallback for records that lack email. The maps are warmed with
// one scan at sync start and extended in place as the loader inserts rows,
// so lookups never touch the warehouse mid-run.
package linker

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound reports an identifier with no warehouse row.
var ErrNotFound = errors.New("linker: not found")

type studentKey struct {
	email string
	year  string
}

type externalKey struct {
	externalID string
	year       string
}

type Linker struct {
	mu             sync.RWMutex
	byEmail        map[studentKey]int64
	byExternal     map[externalKey]int64
	establishments map[string]int64 // external id -> warehouse id
}

func New() *Linker {
	return &Linker{
		byEmail:        map[studentKey]int64{},
		byExternal:     map[externalKey]int64{},
		establishments: map[string]int64{},
	}
}

// Warm loads every existing mapping in one pass each over establishments
// and students.
func (l *Linker) Warm(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT id, external_id FROM establishments`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var ext string
		if err := rows.Scan(&id, &ext); err != nil {
			return err
		}
		l.establishments[ext] = id
	}
	if err := rows.Err(); err != nil {
		return err
	}

	srows, err := db.QueryContext(ctx, `SELECT id, email, external_id, academic_year FROM students`)
	if err != nil {
		return err
	}
	defer srows.Close()
	for srows.Next() {
		var id int64
		var email, ext, year string
		if err := srows.Scan(&id, &email, &ext, &year); err != nil {
			return err
		}
		l.put(id, email, ext, year)
	}
	return srows.Err()
}

// ResolveStudent looks up by the authoritative (email, academic_year) key.
func (l *Linker) ResolveStudent(email, academicYear string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id, ok := l.byEmail[studentKey{normEmail(email), academicYear}]; ok {
		return id, nil
	}
	return 0, ErrNotFound
}

// ResolveStudentByExternalID is the fallback for records without email.
func (l *Linker) ResolveStudentByExternalID(externalID, academicYear string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id, ok := l.byExternal[externalKey{externalID, academicYear}]; ok {
		return id, nil
	}
	return 0, ErrNotFound
}

// StudentYears returns every (academic_year -> warehouse id) row known for
// an email. Response classification uses it to find which cohort's student
// has a score for the response's cycle.
func (l *Linker) StudentYears(email string) map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e := normEmail(email)
	out := map[string]int64{}
	for k, id := range l.byEmail {
		if k.email == e {
			out[k.year] = id
		}
	}
	return out
}

func (l *Linker) ResolveEstablishment(externalID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id, ok := l.establishments[externalID]; ok {
		return id, nil
	}
	return 0, ErrNotFound
}

// AddStudent records a freshly upserted student row. Insert-only: an entry
// is never rebound mid-run.
func (l *Linker) AddStudent(id int64, email, externalID, academicYear string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.put(id, email, externalID, academicYear)
}

func (l *Linker) AddEstablishment(id int64, externalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.establishments[externalID]; !ok {
		l.establishments[externalID] = id
	}
}

func (l *Linker) put(id int64, email, externalID, year string) {
	if e := normEmail(email); e != "" {
		k := studentKey{e, year}
		if _, ok := l.byEmail[k]; !ok {
			l.byEmail[k] = id
		}
	}
	if externalID != "" {
		k := externalKey{externalID, year}
		if _, ok := l.byExternal[k]; !ok {
			l.byExternal[k] = id
		}
	}
}

func normEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
