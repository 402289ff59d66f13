package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ConfigParam struct {
	ServerPort string          `toml:"server_port"`
	HandleCORS bool            `toml:"handle_cors"`
	CORSOrigin []string        `toml:"cors_origins"`
	LogLevel   string          `toml:"log_level"`
	LogPretty  bool            `toml:"log_pretty"`
	DB         DBConfig        `toml:"db"`
	Quota      QuotaConfig     `toml:"quota"`
	Jobs       JobsConfig      `toml:"jobs"`
	Upload     UploadConfig    `toml:"upload"`
	Retention  RetentionConfig `toml:"retention"`
	Metrics    MetricsConfig   `toml:"metrics"`
}

type DBConfig struct {
	// DSN takes precedence over the individual connection fields.
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
	SSLMode  string `toml:"sslmode"`

	StatementTimeout     string `toml:"statement_timeout"`
	LockTimeout          string `toml:"lock_timeout"`
	BulkStatementTimeout string `toml:"bulk_statement_timeout"`
	MaxOpenConns         int    `toml:"max_open_conns"`
	MaxIdleConns         int    `toml:"max_idle_conns"`
}

type QuotaConfig struct {
	MaxTables   int     `toml:"max_tables"`
	MaxSizeMB   float64 `toml:"max_size_mb"`
	WarnPercent float64 `toml:"warn_percent"`
	// Serializer is "advisory" (Postgres advisory locks) or "local" (in-process mutex).
	Serializer string `toml:"serializer"`
}

type JobsConfig struct {
	Workers       int    `toml:"workers"`
	PollInterval  string `toml:"poll_interval"`
	RetryAttempts uint   `toml:"retry_attempts"`
	MaxAttempts   int    `toml:"max_attempts"`
	RetryDelay    string `toml:"retry_delay"`
	MaxRetryDelay string `toml:"max_retry_delay"`
	StaleAfter    string `toml:"stale_after"`
	ShutdownGrace string `toml:"shutdown_grace"`
	BatchSize     int    `toml:"batch_size"`
}

type UploadConfig struct {
	Dir           string `toml:"dir"`
	MaxFileSizeMB int64  `toml:"max_file_size_mb"`
}

type RetentionConfig struct {
	SessionRetention string `toml:"session_retention"`
	AuditRetention   string `toml:"audit_retention"`
	SweepInterval    string `toml:"sweep_interval"`
}

type MetricsConfig struct {
	// Backend is "none" or "datadog".
	Backend       string   `toml:"backend"`
	Env           string   `toml:"env"`
	Tags          []string `toml:"tags"`
	FlushInterval string   `toml:"flush_interval"`
}

const DsnEnvVar = "ETLSRV_DB_DSN"

var cfg *ConfigParam

func Config() *ConfigParam {
	return cfg
}

func Default() *ConfigParam {
	return &ConfigParam{
		ServerPort: "8194",
		HandleCORS: false,
		LogLevel:   "info",
		DB: DBConfig{
			Host:                 "localhost",
			Port:                 5432,
			User:                 "etl_api",
			DBName:               "tabletenant",
			SSLMode:              "disable",
			StatementTimeout:     "30s",
			LockTimeout:          "5s",
			BulkStatementTimeout: "5m",
			MaxOpenConns:         20,
			MaxIdleConns:         5,
		},
		Quota: QuotaConfig{
			MaxTables:   20,
			MaxSizeMB:   1024,
			WarnPercent: 80,
			Serializer:  "advisory",
		},
		Jobs: JobsConfig{
			Workers:       4,
			PollInterval:  "2s",
			RetryAttempts: 3,
			MaxAttempts:   3,
			RetryDelay:    "1s",
			MaxRetryDelay: "30s",
			StaleAfter:    "30m",
			ShutdownGrace: "30s",
			BatchSize:     1000,
		},
		Upload: UploadConfig{
			Dir:           os.TempDir(),
			MaxFileSizeMB: 512,
		},
		Retention: RetentionConfig{
			SessionRetention: "30d",
			AuditRetention:   "1y",
			SweepInterval:    "1h",
		},
		Metrics: MetricsConfig{
			Backend:       "none",
			FlushInterval: "60s",
		},
	}
}

// LoadConfig loads filename over the defaults. An empty filename loads the defaults only.
// The DSN can be overridden with the ETLSRV_DB_DSN environment variable.
func LoadConfig(filename string) error {
	cp := Default()
	if filename != "" {
		content, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("error reading config file: %v", err)
		}
		if _, err := toml.Decode(string(content), cp); err != nil {
			return fmt.Errorf("error parsing config file: %v", err)
		}
	}
	if dsn := os.Getenv(DsnEnvVar); dsn != "" {
		cp.DB.DSN = dsn
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	cfg = cp
	return nil
}

func (c *ConfigParam) Validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("server port not defined")
	}
	if c.Quota.MaxTables <= 0 || c.Quota.MaxSizeMB <= 0 {
		return fmt.Errorf("quota limits must be positive")
	}
	if c.Quota.WarnPercent <= 0 || c.Quota.WarnPercent >= 100 {
		return fmt.Errorf("quota warn_percent must be between 0 and 100")
	}
	switch c.Quota.Serializer {
	case "advisory", "local":
	default:
		return fmt.Errorf("unknown quota serializer %q", c.Quota.Serializer)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	if c.Jobs.BatchSize <= 0 {
		return fmt.Errorf("jobs.batch_size must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be positive")
	}
	switch c.Metrics.Backend {
	case "", "none", "datadog":
	default:
		return fmt.Errorf("unknown metrics backend %q", c.Metrics.Backend)
	}
	durations := map[string]string{
		"db.statement_timeout":        c.DB.StatementTimeout,
		"db.lock_timeout":             c.DB.LockTimeout,
		"db.bulk_statement_timeout":   c.DB.BulkStatementTimeout,
		"jobs.poll_interval":          c.Jobs.PollInterval,
		"jobs.retry_delay":            c.Jobs.RetryDelay,
		"jobs.max_retry_delay":        c.Jobs.MaxRetryDelay,
		"jobs.stale_after":            c.Jobs.StaleAfter,
		"jobs.shutdown_grace":         c.Jobs.ShutdownGrace,
		"retention.session_retention": c.Retention.SessionRetention,
		"retention.audit_retention":   c.Retention.AuditRetention,
		"retention.sweep_interval":    c.Retention.SweepInterval,
		"metrics.flush_interval":      c.Metrics.FlushInterval,
	}
	for name, v := range durations {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %v", name, err)
		}
	}
	return nil
}

// Dsn returns the connection string for the metadata and tenant database.
func (c DBConfig) Dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// MustDuration parses a value already checked by Validate.
func MustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDuration accepts Go durations ("90s", "1h30m") as well as whole days and
// years ("30d", "1y"). An empty string is zero.
func ParseDuration(input string) (time.Duration, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(input); err == nil {
		return d, nil
	}
	if len(input) < 2 {
		return 0, fmt.Errorf("invalid duration %q", input)
	}
	unit := input[len(input)-1:]
	value, err := strconv.Atoi(input[:len(input)-1])
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid duration %q", input)
	}
	switch unit {
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	case "y":
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit in %q", input)
	}
}
