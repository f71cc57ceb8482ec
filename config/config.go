package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Takt der Verarbeitung; RUN_ONCE führt genau einen Zyklus aus und beendet sich.
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"* * * * *"`
	RunOnce      bool   `envconfig:"RUN_ONCE" default:"false"`

	MaxImportRetries int `envconfig:"MAX_IMPORT_RETRIES" default:"10"`
	// 0 = Anzahl der CPUs
	ProcessWorkers   int `envconfig:"PROCESS_WORKERS" default:"0"`
	TransformWorkers int `envconfig:"TRANSFORM_WORKERS" default:"4"`
	StreamBuffer     int `envconfig:"STREAM_BUFFER" default:"256"`
	BulkBatchSize    int `envconfig:"BULK_BATCH_SIZE" default:"1000"`

	// Kommagetrennte Liste der Quell-Adapter, z.B. "standard,http"
	EnabledSources string `envconfig:"ENABLED_SOURCES" default:"standard"`
	// Abruf-Rate der HTTP-Quellen pro Sekunde
	HTTPSourceRate float64 `envconfig:"HTTP_SOURCE_RATE" default:"2"`

	// Archiv für abgelaufene Staging-Zeilen
	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket string `envconfig:"S3_BUCKET"`

	RetentionCronSchedule string `envconfig:"RETENTION_CRON_SCHEDULE" default:"0 3 * * *"`
	RetentionBatchSize    int    `envconfig:"RETENTION_BATCH_SIZE" default:"5000"`
	ArchiveKeep           int    `envconfig:"ARCHIVE_KEEP" default:"30"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

// URL gibt die Verbindung als postgres:// URL zurück, z.B. für Migrationen.
func (c *Config) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// Workers liefert die Größe des Worker-Pools.
func (c *Config) Workers() int {
	if c.ProcessWorkers <= 0 {
		return runtime.NumCPU()
	}
	return c.ProcessWorkers
}

// Sources liefert die aktivierten Quell-Adapter.
func (c *Config) Sources() []string {
	var out []string
	for _, s := range strings.Split(c.EnabledSources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

// ArchiveEnabled meldet, ob ein S3-Archiv konfiguriert ist.
func (c *Config) ArchiveEnabled() bool {
	return c.S3URL != "" && c.S3Bucket != ""
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
