package loader

import (
	"fmt"

	"github.com/vespa-academy/datasync/internal/model"
)

// Row builders: one per entity, producing the column map the entity's Spec
// expects. Refs are chosen so the pipeline can recover warehouse ids and
// report failures against a source-meaningful identifier.

func EstablishmentRow(e model.Establishment) Row {
	return Row{
		Ref: e.ExternalID,
		Values: map[string]any{
			"external_id":       e.ExternalID,
			"name":              e.Name,
			"trust":             e.Trust,
			"is_australian":     e.IsAustralian,
			"use_standard_year": e.UseStandardYear.String(),
		},
	}
}

// StudentRef is the Ref format for student rows: email|academic_year.
func StudentRef(email, academicYear string) string {
	return email + "|" + academicYear
}

func StudentRow(s model.Student) Row {
	return Row{
		Ref: StudentRef(s.Email, s.AcademicYear),
		Values: map[string]any{
			"external_id":      s.ExternalID,
			"email":            s.Email,
			"name":             s.Name,
			"establishment_id": s.EstablishmentID,
			"year_group":       s.YearGroup,
			"course":           s.Course,
			"faculty":          s.Faculty,
			"group_name":       s.Group,
			"academic_year":    s.AcademicYear,
		},
	}
}

func ScoreRow(s model.VespaScore) Row {
	return Row{
		Ref: fmt.Sprintf("%d|c%d|%s", s.StudentID, s.Cycle, s.AcademicYear),
		Values: map[string]any{
			"student_id":    s.StudentID,
			"cycle":         s.Cycle,
			"vision":        s.Vision,
			"effort":        s.Effort,
			"systems":       s.Systems,
			"practice":      s.Practice,
			"attitude":      s.Attitude,
			"overall":       s.Overall,
			"completed_at":  s.CompletedAt,
			"academic_year": s.AcademicYear,
		},
	}
}

func ResponseRow(r model.QuestionResponse) Row {
	return Row{
		Ref: fmt.Sprintf("%d|c%d|%s|%s", r.StudentID, r.Cycle, r.AcademicYear, r.QuestionID),
		Values: map[string]any{
			"student_id":    r.StudentID,
			"question_id":   r.QuestionID,
			"cycle":         r.Cycle,
			"value":         r.Value,
			"academic_year": r.AcademicYear,
		},
	}
}
