package model

import "fmt"

// Entity names the warehouse entity kinds the pipeline moves.
type Entity string

const (
	EntityEstablishment Entity = "establishment"
	EntityStudent       Entity = "student"
	EntityVespaScore    Entity = "vespa_score"
	EntityResponse      Entity = "question_response"
)

// TriState is for source flags that may be yes, no, or never set.
type TriState int

const (
	TriUnset TriState = iota
	TriYes
	TriNo
)

// String renders the stored form: "yes", "no", or "" for unset.
func (t TriState) String() string {
	switch t {
	case TriYes:
		return "yes"
	case TriNo:
		return "no"
	}
	return ""
}

func TriFromString(s string) TriState {
	switch s {
	case "yes", "true", "Yes", "True":
		return TriYes
	case "no", "false", "No", "False":
		return TriNo
	}
	return TriUnset
}

type Establishment struct {
	ID              int64
	ExternalID      string
	Name            string
	Trust           string
	IsAustralian    bool
	UseStandardYear TriState
}

type Student struct {
	ID              int64
	ExternalID      string
	Email           string
	Name            string
	EstablishmentID int64
	YearGroup       string
	Course          string
	Faculty         string
	Group           string
	AcademicYear    string
}

// VespaScore holds the six element scores for one student and cycle.
// Elements are 1-10 integers; Overall may carry a decimal.
type VespaScore struct {
	ID           int64
	StudentID    int64
	Cycle        int
	Vision       int
	Effort       int
	Systems      int
	Practice     int
	Attitude     int
	Overall      float64
	CompletedAt  int64 // unix seconds
	AcademicYear string
}

type QuestionResponse struct {
	ID           int64
	StudentID    int64
	QuestionID   string
	Cycle        int
	Value        int
	AcademicYear string
}

type Question struct {
	ID       string
	Text     string
	Category string // vision|effort|systems|practice|attitude|outcome
	// Source field id per cycle, index 0 = cycle 1.
	CycleFields [3]string
}

// Elements in warehouse order. "overall" is the composite.
var Elements = []string{"vision", "effort", "systems", "practice", "attitude", "overall"}

type SchoolStatistic struct {
	EstablishmentID int64
	Cycle           int
	AcademicYear    string
	Element         string
	Mean            float64
	StdDev          float64
	Count           int
	P25             float64
	P50             float64
	P75             float64
	Distribution    []int // index = score bucket 0..10
}

type QuestionStatistic struct {
	EstablishmentID int64
	QuestionID      string
	Cycle           int
	AcademicYear    string
	Mean            float64
	StdDev          float64
	Count           int
	Mode            int
	Distribution    []int // index 0 unused; 1..5 response buckets
}

// RunStatus values for sync_runs.status.
const (
	RunStarted   = "started"
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

type SyncRun struct {
	ID         string
	Type       string // "full" or "refresh"
	Status     string
	StartedAt  int64
	FinishedAt int64
	Counts     map[string]int
	ErrorText  string
}

// ValidateScore checks the declared numeric ranges before a score row is
// allowed near the warehouse.
func ValidateScore(s VespaScore) error {
	for _, v := range []struct {
		name string
		val  int
	}{
		{"vision", s.Vision}, {"effort", s.Effort}, {"systems", s.Systems},
		{"practice", s.Practice}, {"attitude", s.Attitude},
	} {
		if v.val < 1 || v.val > 10 {
			return fmt.Errorf("%s score %d out of range 1-10", v.name, v.val)
		}
	}
	if s.Overall < 1 || s.Overall > 10 {
		return fmt.Errorf("overall score %.2f out of range 1-10", s.Overall)
	}
	if s.Cycle < 1 || s.Cycle > 3 {
		return fmt.Errorf("cycle %d out of range 1-3", s.Cycle)
	}
	return nil
}

func ValidateResponse(r QuestionResponse) error {
	if r.Value < 1 || r.Value > 5 {
		return fmt.Errorf("response value %d out of range 1-5", r.Value)
	}
	if r.Cycle < 1 || r.Cycle > 3 {
		return fmt.Errorf("cycle %d out of range 1-3", r.Cycle)
	}
	if r.QuestionID == "" {
		return fmt.Errorf("missing question id")
	}
	return nil
}
