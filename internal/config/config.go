package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Port            int
	DockerHost      string
	DeployAPIURL    string
	Domain          string
	ContainerPrefix string
	StaticDir       string
	TemplatesFile   string

	BuildStepDelay time.Duration
	BuildRetention time.Duration
	LogRetention   time.Duration
	LogMaxLines    int

	DBType             string
	DBPath             string
	DBConnectionString string
	HistoryMaxAge      time.Duration
	HistoryKeep        int

	BackupDir         string
	BackupDatabaseURL string
	BackupPaths       []string
	BackupKeep        int
	BackupCompression string

	LogLevel  slog.Level
	LogFormat string
}

// Keys doubles as the environment variable names: viper upper-cases keys when
// looking them up in the environment.
var defaults = map[string]any{
	"port":                 8080,
	"docker_host":          "",
	"deploy_api_url":       "http://localhost:8000",
	"platform_domain":      "localhost",
	"container_prefix":     "app-",
	"static_dir":           "/app/dashboard",
	"templates_file":       "",
	"build_step_delay":     "2s",
	"build_retention":      "1h",
	"log_retention":        "1h",
	"log_max_lines":        5000,
	"db_type":              "sqlite",
	"db_path":              "/data/edge.db",
	"db_connection_string": "",
	"history_max_age":      "720h",
	"history_keep":         500,
	"backup_dir":           "/app/backups",
	"backup_database_url":  "",
	"backup_paths":         "/app/data,/tmp/builds,/app/dashboard",
	"backup_keep":          10,
	"backup_compression":   "gzip",
	"log_level":            "info",
	"log_format":           "json",
}

// New returns a viper instance with defaults and environment lookup wired.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// BindFlags registers the command-line overrides and binds them to v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.Int("port", 8080, "service port")
	flags.String("docker-host", "", "container engine endpoint (defaults to DOCKER_HOST / local socket)")
	flags.String("deploy-api-url", "http://localhost:8000", "orchestration API base URL")
	flags.String("static", "/app/dashboard", "dashboard static files directory")
	flags.String("db", "/data/edge.db", "SQLite history database path")
	flags.String("templates", "", "YAML template catalog")

	bindings := map[string]string{
		"port":           "port",
		"docker_host":    "docker-host",
		"deploy_api_url": "deploy-api-url",
		"static_dir":     "static",
		"db_path":        "db",
		"templates_file": "templates",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:               v.GetInt("port"),
		DockerHost:         strings.TrimSpace(v.GetString("docker_host")),
		DeployAPIURL:       strings.TrimRight(strings.TrimSpace(v.GetString("deploy_api_url")), "/"),
		Domain:             v.GetString("platform_domain"),
		ContainerPrefix:    v.GetString("container_prefix"),
		StaticDir:          v.GetString("static_dir"),
		TemplatesFile:      strings.TrimSpace(v.GetString("templates_file")),
		LogMaxLines:        v.GetInt("log_max_lines"),
		DBType:             strings.ToLower(strings.TrimSpace(v.GetString("db_type"))),
		DBPath:             v.GetString("db_path"),
		DBConnectionString: v.GetString("db_connection_string"),
		HistoryKeep:        v.GetInt("history_keep"),
		BackupDir:          v.GetString("backup_dir"),
		BackupDatabaseURL:  v.GetString("backup_database_url"),
		BackupPaths:        splitList(v.GetString("backup_paths")),
		BackupKeep:         v.GetInt("backup_keep"),
		BackupCompression:  strings.ToLower(strings.TrimSpace(v.GetString("backup_compression"))),
		LogFormat:          strings.ToLower(v.GetString("log_format")),
	}

	var err error
	if cfg.BuildStepDelay, err = duration(v, "build_step_delay"); err != nil {
		return Config{}, err
	}
	if cfg.BuildRetention, err = duration(v, "build_retention"); err != nil {
		return Config{}, err
	}
	if cfg.LogRetention, err = duration(v, "log_retention"); err != nil {
		return Config{}, err
	}
	if cfg.HistoryMaxAge, err = duration(v, "history_max_age"); err != nil {
		return Config{}, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %s", v.GetString("log_level"))
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if _, err := url.ParseRequestURI(cfg.DeployAPIURL); err != nil {
		return Config{}, fmt.Errorf("invalid DEPLOY_API_URL: %s", cfg.DeployAPIURL)
	}
	switch cfg.DBType {
	case "sqlite":
	case "postgres":
		if cfg.DBConnectionString == "" {
			return Config{}, fmt.Errorf("DB_CONNECTION_STRING is required for postgres")
		}
	default:
		return Config{}, fmt.Errorf("invalid DB_TYPE: %s", cfg.DBType)
	}
	switch cfg.BackupCompression {
	case "gzip", "zstd", "lz4":
	default:
		return Config{}, fmt.Errorf("invalid BACKUP_COMPRESSION: %s", cfg.BackupCompression)
	}
	if cfg.LogMaxLines < 0 {
		cfg.LogMaxLines = 0
	}
	if cfg.HistoryKeep < 0 {
		cfg.HistoryKeep = 0
	}
	if cfg.BackupKeep <= 0 {
		cfg.BackupKeep = 10
	}

	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", strings.ToUpper(key), raw)
	}
	return parsed, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
