package crm

// Object is a source-CRM object key.
type Object string

const (
	ObjectEstablishments Object = "object_2"
	ObjectStudents       Object = "object_6"
	ObjectScores         Object = "object_10"
	ObjectResponses      Object = "object_29"
	ObjectNational       Object = "object_120"
)

// Field ids per object. These are fixed by the source application; the
// pipeline knows them bit-exact and nothing else about the objects.
const (
	// object_2: establishments
	FieldEstName            = "field_44"
	FieldEstTrust           = "field_48"
	FieldEstIsAustralian    = "field_3573"
	FieldEstUseStandardYear = "field_3648"

	// object_6: students
	FieldStuEmail         = "field_91"
	FieldStuName          = "field_90"
	FieldStuYearGroup     = "field_145"
	FieldStuCourse        = "field_2299"
	FieldStuFaculty       = "field_782"
	FieldStuGroup         = "field_223"
	FieldStuEstablishment = "field_179" // connection -> object_2

	// object_10: VESPA scores
	FieldScoreEmail         = "field_197"
	FieldScoreEstablishment = "field_133" // connection -> object_2
	FieldScoreCurrentCycle  = "field_146"
	FieldScoreCompleted     = "field_855"
	FieldScoreCreated       = "field_856"

	// object_29: question responses
	FieldRespEmail         = "field_2732"
	FieldRespScoreConn     = "field_792"  // connection -> object_10 record
	FieldRespEstablishment = "field_1821" // connection -> object_2
	FieldRespCycle         = "field_863"
	FieldRespCompleted     = "field_2734" // completion date

	// object_120: national averages write-back
	FieldNatYear = "field_3308"
)

// scoreFields[cycle-1][element] is the object_10 field for that cycle's
// element, elements ordered vision, effort, systems, practice, attitude,
// overall.
var scoreFields = [3][6]string{
	{"field_155", "field_156", "field_157", "field_158", "field_159", "field_160"},
	{"field_161", "field_162", "field_163", "field_164", "field_165", "field_166"},
	{"field_167", "field_168", "field_169", "field_170", "field_171", "field_172"},
}

// ScoreField returns the object_10 field id for (cycle 1-3, element 0-5).
func ScoreField(cycle, element int) string {
	return scoreFields[cycle-1][element]
}

// nationalFields[cycle-1][element] is the object_120 field holding the
// national mean for that cycle and element.
var nationalFields = [3][6]string{
	{"field_3309", "field_3310", "field_3311", "field_3312", "field_3313", "field_3314"},
	{"field_3315", "field_3316", "field_3317", "field_3318", "field_3319", "field_3320"},
	{"field_3321", "field_3322", "field_3323", "field_3324", "field_3325", "field_3326"},
}

// NationalField returns the object_120 field id for (cycle 1-3, element 0-5).
func NationalField(cycle, element int) string {
	return nationalFields[cycle-1][element]
}
