package crm

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is one raw source row: the ~100-key field map exactly as the CRM
// returned it. Typed accessors below pull out the handful of fields the
// pipeline consumes; everything else rides along for diagnostics only.
type Record map[string]any

// ID returns the source record id.
func (r Record) ID() string { return asString(r["id"]) }

// Str returns a field as a flat string. Connection and email fields arrive
// as structured values; their human identifier is used.
func (r Record) Str(field string) string { return asString(r[field]) }

// ConnectionID returns the record id a connection field points at, or ""
// when the connection is empty. The raw variant of the field carries the id.
func (r Record) ConnectionID(field string) string {
	v, ok := r[field+"_raw"]
	if !ok {
		v = r[field]
	}
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				if id := asString(m["id"]); id != "" {
					return id
				}
			}
		}
	case map[string]any:
		return asString(t["id"])
	}
	return ""
}

// Email returns an email field, which may be a plain string or a
// {"email": ...} object.
func (r Record) Email(field string) string {
	if m, ok := r[field+"_raw"].(map[string]any); ok {
		if e := asString(m["email"]); e != "" {
			return strings.ToLower(strings.TrimSpace(e))
		}
	}
	return strings.ToLower(strings.TrimSpace(asString(r[field])))
}

// Date returns a date field as its string form; date fields may arrive as
// {"date": "...", "timestamp": ...} objects.
func (r Record) Date(field string) string {
	if m, ok := r[field+"_raw"].(map[string]any); ok {
		if d := asString(m["date"]); d != "" {
			return d
		}
	}
	return asString(r[field])
}

// Int parses an integer field; empty counts as absent, not zero.
func (r Record) Int(field string) (int, bool) {
	s := asString(r[field])
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Float parses a numeric field; empty counts as absent.
func (r Record) Float(field string) (float64, bool) {
	s := asString(r[field])
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool interprets the CRM's checkbox values.
func (r Record) Bool(field string) bool {
	switch strings.ToLower(asString(r[field])) {
	case "yes", "true", "1":
		return true
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers; cycle indicators arrive this way sometimes.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case map[string]any:
		for _, k := range []string{"identifier", "email", "date"} {
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	case []any:
		if len(t) > 0 {
			return asString(t[0])
		}
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// SourceEstablishment is the typed view of an object_2 record.
type SourceEstablishment struct {
	ExternalID      string
	Name            string
	Trust           string
	IsAustralian    bool
	UseStandardYear string // "yes" | "no" | ""
	Raw             Record
}

func ParseEstablishment(r Record) (SourceEstablishment, error) {
	e := SourceEstablishment{
		ExternalID:      r.ID(),
		Name:            r.Str(FieldEstName),
		Trust:           r.Str(FieldEstTrust),
		IsAustralian:    r.Bool(FieldEstIsAustralian),
		UseStandardYear: strings.ToLower(r.Str(FieldEstUseStandardYear)),
		Raw:             r,
	}
	if e.ExternalID == "" {
		return e, fmt.Errorf("establishment record missing id")
	}
	if e.Name == "" {
		return e, fmt.Errorf("establishment %s missing name", e.ExternalID)
	}
	return e, nil
}

// SourceStudent is the typed view of an object_6 record.
type SourceStudent struct {
	ExternalID      string
	Email           string
	Name            string
	EstablishmentID string // source record id of the establishment
	YearGroup       string
	Course          string
	Faculty         string
	Group           string
	Raw             Record
}

func ParseStudent(r Record) (SourceStudent, error) {
	s := SourceStudent{
		ExternalID:      r.ID(),
		Email:           r.Email(FieldStuEmail),
		Name:            r.Str(FieldStuName),
		EstablishmentID: r.ConnectionID(FieldStuEstablishment),
		YearGroup:       r.Str(FieldStuYearGroup),
		Course:          r.Str(FieldStuCourse),
		Faculty:         r.Str(FieldStuFaculty),
		Group:           r.Str(FieldStuGroup),
		Raw:             r,
	}
	if s.Email == "" {
		return s, fmt.Errorf("student record %s missing email", s.ExternalID)
	}
	return s, nil
}

// CycleScores holds one cycle's six element values from an object_10 record.
type CycleScores struct {
	Cycle    int
	Vision   int
	Effort   int
	Systems  int
	Practice int
	Attitude int
	Overall  float64
}

// SourceScore is the typed view of an object_10 record. One record carries
// up to three cycles of scores; Cycles holds only the populated ones.
type SourceScore struct {
	ExternalID      string
	Email           string
	EstablishmentID string
	CompletedDate   string
	CreatedDate     string
	Cycles          []CycleScores
	Raw             Record
}

func ParseScore(r Record) (SourceScore, error) {
	s := SourceScore{
		ExternalID:      r.ID(),
		Email:           r.Email(FieldScoreEmail),
		EstablishmentID: r.ConnectionID(FieldScoreEstablishment),
		CompletedDate:   r.Date(FieldScoreCompleted),
		CreatedDate:     r.Date(FieldScoreCreated),
		Raw:             r,
	}
	for cycle := 1; cycle <= 3; cycle++ {
		cs := CycleScores{Cycle: cycle}
		populated := 0
		for el := 0; el < 6; el++ {
			f := ScoreField(cycle, el)
			if el == 5 {
				if v, ok := r.Float(f); ok {
					cs.Overall = v
					populated++
				}
				continue
			}
			v, ok := r.Int(f)
			if !ok {
				continue
			}
			populated++
			switch el {
			case 0:
				cs.Vision = v
			case 1:
				cs.Effort = v
			case 2:
				cs.Systems = v
			case 3:
				cs.Practice = v
			case 4:
				cs.Attitude = v
			}
		}
		if populated == 6 {
			s.Cycles = append(s.Cycles, cs)
		}
	}
	if s.ExternalID == "" {
		return s, fmt.Errorf("score record missing id")
	}
	return s, nil
}

// SourceResponse is the typed view of an object_29 record: one record
// carries the whole questionnaire for one student, with one populated value
// per question for the record's cycle.
type SourceResponse struct {
	ExternalID string
	Email      string
	// ScoreRecordID is the object_10 connection; sometimes empty in the
	// source even when the link exists. Resolution policy is email first,
	// this id second, skip-and-report when both are missing.
	ScoreRecordID string
	Cycle         int
	// Values maps question id to the 1-5 response for this record's cycle.
	Values map[string]int
	Raw    Record
}

// ParseResponse extracts the per-question values using the catalog's field
// table for the record's cycle.
func ParseResponse(r Record, fieldByQuestion map[string]string) (SourceResponse, error) {
	resp := SourceResponse{
		ExternalID:    r.ID(),
		Email:         r.Email(FieldRespEmail),
		ScoreRecordID: r.ConnectionID(FieldRespScoreConn),
		Values:        map[string]int{},
		Raw:           r,
	}
	cycle, ok := r.Int(FieldRespCycle)
	if !ok {
		// Cycle indicators sometimes render as "Cycle 1".
		s := strings.TrimSpace(strings.TrimPrefix(r.Str(FieldRespCycle), "Cycle"))
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return resp, fmt.Errorf("response record %s has no cycle", resp.ExternalID)
		}
		cycle = n
	}
	resp.Cycle = cycle
	for qid, field := range fieldByQuestion {
		if v, ok := r.Int(field); ok {
			resp.Values[qid] = v
		}
	}
	return resp, nil
}
