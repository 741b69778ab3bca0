package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rmax-ai/graphlord/pkg/rules"
)

const (
	defaultAddr = "127.0.0.1:8090"
	defaultSink = "sqlite"
)

type Config struct {
	RulesDir     string
	FactsPath    string
	Addr         string
	Sink         string
	DBPath       string
	RedisAddr    string
	RedisPrefix  string
	Threshold    rules.Severity
	AuthToken    string
	QueryTimeout time.Duration
	RetentionTTL time.Duration
	ArchiveDir   string
	TLSCertFile  string
	TLSKeyFile   string
	LogLevel     string
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultDBPath := filepath.Join(cwd, "graphlord.db")
	defaultRulesDir := filepath.Join(cwd, "rules")

	rulesDir := envOrDefault("GRAPHLORD_RULES_DIR", defaultRulesDir)
	factsPath := os.Getenv("GRAPHLORD_FACTS")
	dbPath := envOrDefault("GRAPHLORD_DB_PATH", defaultDBPath)
	addr := addrFromEnv(defaultAddr)
	sink := envOrDefault("GRAPHLORD_SINK", defaultSink)
	redisAddr := envOrDefault("GRAPHLORD_REDIS_ADDR", "127.0.0.1:6379")
	redisPrefix := envOrDefault("GRAPHLORD_REDIS_PREFIX", "graphlord")
	threshold := envOrDefault("GRAPHLORD_THRESHOLD", rules.SeverityMajor.String())
	token := os.Getenv("GRAPHLORD_AUTH_TOKEN")
	logLevel := envOrDefault("GRAPHLORD_LOG_LEVEL", "info")

	queryTimeout, err := durationFromEnv("GRAPHLORD_QUERY_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	retention, err := durationFromEnv("GRAPHLORD_RETENTION", 0)
	if err != nil {
		return Config{}, err
	}

	flagSet := flag.NewFlagSet("graphlord-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagRules := flagSet.String("rules", rulesDir, "directory of YAML rule files")
	flagFacts := flagSet.String("facts", factsPath, "JSON Lines facts file loaded at startup")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagSink := flagSet.String("sink", sink, "run history: sqlite|redis|off")
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagRedis := flagSet.String("redis-addr", redisAddr, "Redis address when sink=redis")
	flagPrefix := flagSet.String("redis-prefix", redisPrefix, "Redis key prefix")
	flagThreshold := flagSet.String("threshold", threshold, "severity from which failed rules fail an analysis")
	flagToken := flagSet.String("auth-token", token, "bearer token required on write endpoints")
	flagTimeout := flagSet.String("query-timeout", queryTimeout.String(), "timeout for one statement or analysis, 0 for none")
	flagRetention := flagSet.String("retention", retention.String(), "delete runs older than this, 0 keeps everything")
	flagArchive := flagSet.String("archive-dir", os.Getenv("GRAPHLORD_ARCHIVE_DIR"), "move expired runs here instead of deleting them")
	flagCert := flagSet.String("tls-cert", os.Getenv("GRAPHLORD_TLS_CERT"), "TLS certificate file")
	flagKey := flagSet.String("tls-key", os.Getenv("GRAPHLORD_TLS_KEY"), "TLS key file")
	flagLogLevel := flagSet.String("log-level", logLevel, "debug|info|warn|error")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	queryTimeoutParsed, err := time.ParseDuration(*flagTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("invalid query timeout: %w", err)
	}
	retentionParsed, err := time.ParseDuration(*flagRetention)
	if err != nil {
		return Config{}, fmt.Errorf("invalid retention: %w", err)
	}
	sev, err := rules.ParseSeverity(strings.TrimSpace(*flagThreshold))
	if err != nil {
		return Config{}, fmt.Errorf("invalid threshold: %w", err)
	}

	config := Config{
		RulesDir:     resolvePath(*flagRules, cwd),
		FactsPath:    resolvePath(*flagFacts, cwd),
		Addr:         strings.TrimSpace(*flagAddr),
		Sink:         normalizeSink(*flagSink),
		DBPath:       resolvePath(*flagDB, cwd),
		RedisAddr:    strings.TrimSpace(*flagRedis),
		RedisPrefix:  strings.TrimSpace(*flagPrefix),
		Threshold:    sev,
		AuthToken:    *flagToken,
		QueryTimeout: queryTimeoutParsed,
		RetentionTTL: retentionParsed,
		ArchiveDir:   resolvePath(*flagArchive, cwd),
		TLSCertFile:  resolvePath(*flagCert, cwd),
		TLSKeyFile:   resolvePath(*flagKey, cwd),
		LogLevel:     strings.ToLower(strings.TrimSpace(*flagLogLevel)),
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if config.RulesDir == "" {
		return Config{}, errors.New("rules cannot be empty")
	}
	if config.QueryTimeout < 0 {
		return Config{}, errors.New("query timeout must not be negative")
	}
	if config.RetentionTTL < 0 {
		return Config{}, errors.New("retention must not be negative")
	}
	if config.ArchiveDir != "" && config.RetentionTTL == 0 {
		return Config{}, errors.New("archive-dir requires retention")
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}

	switch config.Sink {
	case "sqlite":
		if config.DBPath == "" {
			return Config{}, errors.New("sink=sqlite requires db")
		}
	case "redis":
		if config.RedisAddr == "" {
			return Config{}, errors.New("sink=redis requires redis-addr")
		}
	case "off":
	default:
		return Config{}, fmt.Errorf("unsupported sink: %s", config.Sink)
	}

	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("unsupported log level: %s", config.LogLevel)
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return parsed, nil
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("GRAPHLORD_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("GRAPHLORD_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}

func normalizeSink(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	case "redis":
		return "redis"
	case "off", "none", "disabled":
		return "off"
	default:
		return strings.ToLower(strings.TrimSpace(kind))
	}
}
