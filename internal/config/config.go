package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string

	DBDriver string
	DBDSN    string

	// Source CRM credentials and endpoint.
	CRMBaseURL string
	CRMAppID   string
	CRMAPIKey  string

	// Requests per second against the source CRM.
	CRMRateLimit float64
	// Concurrent in-flight page fetches.
	CRMConcurrency int
	PageSize       int

	// Per-entity upsert batch sizes.
	BatchSizes map[string]int
	// Concurrent loader batch submissions per entity.
	LoaderConcurrency int

	// Bearer auth for /refresh: bcrypt hash of the shared token, plus the
	// HMAC secret used to verify dashboard-issued JWTs.
	RefreshTokenHash string
	AuthHMACSecret   string

	CORSOrigins []string

	ReportDir      string
	CheckpointPath string
	LogLevel       string
	LogFile        string

	ExtractTimeout time.Duration
	LoadTimeout    time.Duration
	RefreshTimeout time.Duration
}

func FromEnv() Config {
	return Config{
		HTTPAddr: envOr("HTTP_ADDR", ":8090"),

		DBDriver: envOr("DB_DRIVER", "postgres"),
		DBDSN:    envOr("DB_DSN", ""),

		CRMBaseURL: envOr("CRM_BASE_URL", "https://api.knack.com"),
		CRMAppID:   os.Getenv("CRM_APP_ID"),
		CRMAPIKey:  os.Getenv("CRM_API_KEY"),

		CRMRateLimit:   envFloat("CRM_RATE_LIMIT", 8),
		CRMConcurrency: envInt("CRM_CONCURRENCY", 4),
		PageSize:       envInt("CRM_PAGE_SIZE", 1000),

		BatchSizes: map[string]int{
			"establishment":     50,
			"student":           envInt("BATCH_SIZE_STUDENTS", 200),
			"vespa_score":       envInt("BATCH_SIZE_SCORES", 200),
			"question_response": envInt("BATCH_SIZE_RESPONSES", 300),
		},
		LoaderConcurrency: envInt("LOADER_CONCURRENCY", 2),

		RefreshTokenHash: os.Getenv("REFRESH_TOKEN_HASH"),
		AuthHMACSecret:   envOr("AUTH_HMAC_SECRET", ""),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),

		ReportDir:      envOr("REPORT_DIR", "./reports"),
		CheckpointPath: envOr("CHECKPOINT_PATH", "./reports/sync_checkpoint.json"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFile:        os.Getenv("LOG_FILE"),

		ExtractTimeout: envDur("EXTRACT_TIMEOUT", 30*time.Second),
		LoadTimeout:    envDur("LOAD_TIMEOUT", 60*time.Second),
		RefreshTimeout: envDur("REFRESH_TIMEOUT", 300*time.Second),
	}
}

// Validate reports the first fatal misconfiguration, if any.
func (c Config) Validate() error {
	switch {
	case c.CRMAppID == "":
		return errMissing("CRM_APP_ID")
	case c.CRMAPIKey == "":
		return errMissing("CRM_API_KEY")
	case c.DBDriver == "postgres" && c.DBDSN == "":
		return errMissing("DB_DSN")
	}
	return nil
}

type missingEnvError string

func errMissing(k string) error { return missingEnvError(k) }

func (e missingEnvError) Error() string {
	return "missing required environment variable " + string(e)
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
