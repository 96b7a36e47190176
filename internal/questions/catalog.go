// Package questions holds the psychometric item catalog: the questionnaire
// statements, their VESPA category, and the source-CRM response field for
// each assessment cycle. The catalog is seeded into the warehouse once and
// is the single authority for which object_29 fields the extractor reads.
package questions

import (
	"context"
	"database/sql"

	"github.com/vespa-academy/datasync/internal/model"
)

// Catalog lists every questionnaire item in display order. Field ids are
// fixed by the source application and must not be reordered.
var Catalog = []model.Question{
	{ID: "q1", Text: "I've worked out the next steps I need to take to reach my goals", Category: "vision", CycleFields: [3]string{"field_794", "field_864", "field_900"}},
	{ID: "q2", Text: "I plan and organise my time so I can fit everything in", Category: "systems", CycleFields: [3]string{"field_795", "field_865", "field_901"}},
	{ID: "q3", Text: "I give a lot of attention to my career planning", Category: "vision", CycleFields: [3]string{"field_796", "field_866", "field_902"}},
	{ID: "q4", Text: "I complete all my homework on time", Category: "systems", CycleFields: [3]string{"field_797", "field_867", "field_903"}},
	{ID: "q5", Text: "No matter who you are, you can change your intelligence a lot", Category: "attitude", CycleFields: [3]string{"field_798", "field_868", "field_904"}},
	{ID: "q6", Text: "I use all my independent study time effectively", Category: "effort", CycleFields: [3]string{"field_799", "field_869", "field_905"}},
	{ID: "q7", Text: "I test myself on important topics until I remember them", Category: "practice", CycleFields: [3]string{"field_800", "field_870", "field_906"}},
	{ID: "q8", Text: "I have a positive view of myself", Category: "attitude", CycleFields: [3]string{"field_801", "field_871", "field_907"}},
	{ID: "q9", Text: "I am a hard working student", Category: "effort", CycleFields: [3]string{"field_802", "field_872", "field_908"}},
	{ID: "q10", Text: "I am confident in my academic ability", Category: "attitude", CycleFields: [3]string{"field_803", "field_873", "field_909"}},
	{ID: "q11", Text: "I always meet deadlines", Category: "systems", CycleFields: [3]string{"field_804", "field_874", "field_910"}},
	{ID: "q12", Text: "I spread out my revision, rather than cramming at the last minute", Category: "practice", CycleFields: [3]string{"field_805", "field_875", "field_911"}},
	{ID: "q13", Text: "I don't let a poor test/assessment result get me down for too long", Category: "attitude", CycleFields: [3]string{"field_806", "field_876", "field_912"}},
	{ID: "q14", Text: "I strive to achieve the goals I set for myself", Category: "vision", CycleFields: [3]string{"field_807", "field_877", "field_913"}},
	{ID: "q15", Text: "I summarise important information in diagrams, tables or lists", Category: "practice", CycleFields: [3]string{"field_808", "field_878", "field_914"}},
	{ID: "q16", Text: "I enjoy learning new things", Category: "attitude", CycleFields: [3]string{"field_809", "field_879", "field_915"}},
	{ID: "q17", Text: "I'm not happy unless my work is the best it can be", Category: "effort", CycleFields: [3]string{"field_810", "field_880", "field_916"}},
	{ID: "q18", Text: "I take good notes in class which are useful for revision", Category: "systems", CycleFields: [3]string{"field_811", "field_881", "field_917"}},
	{ID: "q19", Text: "When revising I mix different kinds of topics/subjects in one study session", Category: "practice", CycleFields: [3]string{"field_812", "field_882", "field_918"}},
	{ID: "q20", Text: "I feel I can cope with the pressure at school/college/University", Category: "attitude", CycleFields: [3]string{"field_813", "field_883", "field_919"}},
	{ID: "q21", Text: "I work as hard as I can in most classes", Category: "effort", CycleFields: [3]string{"field_814", "field_884", "field_920"}},
	{ID: "q22", Text: "My books/files are organised", Category: "systems", CycleFields: [3]string{"field_815", "field_885", "field_921"}},
	{ID: "q23", Text: "When I get stuck with my work I don't give up easily", Category: "attitude", CycleFields: [3]string{"field_816", "field_886", "field_922"}},
	{ID: "q24", Text: "I know what I want to achieve in the future", Category: "vision", CycleFields: [3]string{"field_817", "field_887", "field_923"}},
	{ID: "q25", Text: "I practise answering exam questions under timed conditions", Category: "practice", CycleFields: [3]string{"field_818", "field_888", "field_924"}},
	{ID: "q26", Text: "Your intelligence is something about you that you can change very much", Category: "attitude", CycleFields: [3]string{"field_819", "field_889", "field_925"}},
	{ID: "q27", Text: "I like hearing feedback about how I can improve", Category: "attitude", CycleFields: [3]string{"field_820", "field_890", "field_926"}},
	{ID: "q28", Text: "I can control my nerves in tests/practical assessments", Category: "attitude", CycleFields: [3]string{"field_821", "field_891", "field_927"}},
	{ID: "q29", Text: "I understand why education is important for my future", Category: "vision", CycleFields: [3]string{"field_822", "field_892", "field_928"}},
}

// ByID returns the catalog indexed by question id.
func ByID() map[string]model.Question {
	m := make(map[string]model.Question, len(Catalog))
	for _, q := range Catalog {
		m[q.ID] = q
	}
	return m
}

// FieldForCycle returns the object_29 response field for a question at the
// given cycle (1-3), or "" if the cycle is out of range.
func FieldForCycle(q model.Question, cycle int) string {
	if cycle < 1 || cycle > 3 {
		return ""
	}
	return q.CycleFields[cycle-1]
}

// Seed upserts the catalog into the read-only questions table.
func Seed(ctx context.Context, db *sql.DB) error {
	for _, q := range Catalog {
		_, err := db.ExecContext(ctx,
			`INSERT INTO questions (id, text, category, cycle1_field, cycle2_field, cycle3_field)
			 VALUES ($1,$2,$3,$4,$5,$6)
			 ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, category=EXCLUDED.category,
			   cycle1_field=EXCLUDED.cycle1_field, cycle2_field=EXCLUDED.cycle2_field, cycle3_field=EXCLUDED.cycle3_field`,
			q.ID, q.Text, q.Category, q.CycleFields[0], q.CycleFields[1], q.CycleFields[2])
		if err != nil {
			return err
		}
	}
	return nil
}
