package db

// The uniqueness constraints below are load-bearing: the loader's upsert
// conflict keys must match them exactly, and historical-year rows rely on
// academic_year being part of every key.

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS establishments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  external_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  trust TEXT NOT NULL DEFAULT '',
  is_australian INTEGER NOT NULL DEFAULT 0,
  use_standard_year TEXT NOT NULL DEFAULT ''   -- 'yes' | 'no' | '' (unset)
);

CREATE TABLE IF NOT EXISTS students (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  external_id TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  year_group TEXT NOT NULL DEFAULT '',
  course TEXT NOT NULL DEFAULT '',
  faculty TEXT NOT NULL DEFAULT '',
  group_name TEXT NOT NULL DEFAULT '',
  academic_year TEXT NOT NULL,
  UNIQUE (email, academic_year)
);

CREATE TABLE IF NOT EXISTS vespa_scores (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  cycle INTEGER NOT NULL,
  vision INTEGER NOT NULL,
  effort INTEGER NOT NULL,
  systems INTEGER NOT NULL,
  practice INTEGER NOT NULL,
  attitude INTEGER NOT NULL,
  overall REAL NOT NULL,
  completed_at INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS question_responses (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  value INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year, question_id)
);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  category TEXT NOT NULL,
  cycle1_field TEXT NOT NULL,
  cycle2_field TEXT NOT NULL,
  cycle3_field TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS school_statistics (
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean REAL NOT NULL,
  std_dev REAL NOT NULL,
  count INTEGER NOT NULL,
  p25 REAL NOT NULL,
  p50 REAL NOT NULL,
  p75 REAL NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS question_statistics (
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean REAL NOT NULL,
  std_dev REAL NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS national_statistics (
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean REAL NOT NULL,
  std_dev REAL NOT NULL,
  count INTEGER NOT NULL,
  p25 REAL NOT NULL,
  p50 REAL NOT NULL,
  p75 REAL NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS national_question_statistics (
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean REAL NOT NULL,
  std_dev REAL NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS sync_runs (
  id TEXT PRIMARY KEY,
  typ TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER,
  counts_json TEXT NOT NULL DEFAULT '{}',
  error_text TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS establishments (
  id BIGSERIAL PRIMARY KEY,
  external_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  trust TEXT NOT NULL DEFAULT '',
  is_australian BOOLEAN NOT NULL DEFAULT FALSE,
  use_standard_year TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS students (
  id BIGSERIAL PRIMARY KEY,
  external_id TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  year_group TEXT NOT NULL DEFAULT '',
  course TEXT NOT NULL DEFAULT '',
  faculty TEXT NOT NULL DEFAULT '',
  group_name TEXT NOT NULL DEFAULT '',
  academic_year TEXT NOT NULL,
  UNIQUE (email, academic_year)
);

CREATE TABLE IF NOT EXISTS vespa_scores (
  id BIGSERIAL PRIMARY KEY,
  student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  cycle INTEGER NOT NULL,
  vision INTEGER NOT NULL,
  effort INTEGER NOT NULL,
  systems INTEGER NOT NULL,
  practice INTEGER NOT NULL,
  attitude INTEGER NOT NULL,
  overall DOUBLE PRECISION NOT NULL,
  completed_at BIGINT NOT NULL,
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS question_responses (
  id BIGSERIAL PRIMARY KEY,
  student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  value INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year, question_id)
);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  category TEXT NOT NULL,
  cycle1_field TEXT NOT NULL,
  cycle2_field TEXT NOT NULL,
  cycle3_field TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS school_statistics (
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  std_dev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  p25 DOUBLE PRECISION NOT NULL,
  p50 DOUBLE PRECISION NOT NULL,
  p75 DOUBLE PRECISION NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS question_statistics (
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  std_dev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS national_statistics (
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  std_dev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  p25 DOUBLE PRECISION NOT NULL,
  p50 DOUBLE PRECISION NOT NULL,
  p75 DOUBLE PRECISION NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS national_question_statistics (
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  std_dev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS sync_runs (
  id TEXT PRIMARY KEY,
  typ TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at BIGINT NOT NULL,
  finished_at BIGINT,
  counts_json TEXT NOT NULL DEFAULT '{}',
  error_text TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_events (
  seq BIGSERIAL PRIMARY KEY,
  run_id TEXT NOT NULL,
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`
