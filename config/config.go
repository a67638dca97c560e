package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Politeness pause between page fetches of one crawl. Deliberate
	// backpressure towards the source sites, not a tunable speed knob.
	CrawlDelayMs int
	// A crawl in newest-first mode stops once a page yields this many or
	// fewer genuinely new records.
	MinNewPerPage int
	// Page cap for newest-first crawls. Full crawls ignore it.
	MaxPages int
	PageSize int

	MaxRetries    int
	FetchTimeoutS int

	// Bounded concurrency for the per-postal-code sub-crawls of crawl-all.
	MaxConcurrency int

	DawaBaseURL string
	LogLevel    string

	CSVOutputPath string
	ChromeBin     string

	CrawlCron   string
	ProcessCron string
	RefreshCron string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "boki"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "boki"),
		PostgresDB:       getEnv("POSTGRES_DB", "boki"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		CrawlDelayMs:  getEnvInt("CRAWL_DELAY_MS", 5000),
		MinNewPerPage: getEnvInt("MIN_NEW_PER_PAGE", 8),
		MaxPages:      getEnvInt("MAX_PAGES", 5),
		PageSize:      getEnvInt("PAGE_SIZE", 10),

		MaxRetries:    getEnvInt("MAX_RETRIES", 3),
		FetchTimeoutS: getEnvInt("FETCH_TIMEOUT_S", 30),

		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 3),

		DawaBaseURL: getEnv("DAWA_BASE_URL", "https://api.dataforsyningen.dk"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "./output/listings.csv"),
		ChromeBin:     getEnv("CHROME_BIN", ""),

		CrawlCron:   getEnv("CRAWL_CRON", "*/30 * * * *"),
		ProcessCron: getEnv("PROCESS_CRON", "* * * * *"),
		RefreshCron: getEnv("REFRESH_CRON", "*/5 * * * *"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
