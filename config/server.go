// Package config loads process configuration for the API server and the
// terminal client.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultListenPort     = "8080"
	defaultCacheTTL       = 5 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
	defaultJWKSCacheTTL   = 15 * time.Minute
	defaultJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
)

// Issuers Google signs ID tokens with.
var defaultIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// Server is the configuration of cmd/todo-api.
type Server struct {
	StorageConnectionString string
	TasksTable              string
	EventsQueue             string

	// Redis is nil when REDIS_CONNECTION_STRING is unset; caching and
	// idempotent replay are then disabled.
	Redis          *redis.Options
	CacheTTL       time.Duration
	IdempotencyTTL time.Duration

	AuthAudience string
	AuthIssuers  []string
	JWKSURL      string
	JWKSCacheTTL time.Duration
	// LocalAuthSecret enables HS256 verification instead of JWKS.
	LocalAuthSecret []byte

	ListenAddr string
	Debug      bool
	JSONLogs   bool
}

// ServerFromEnv reads the server configuration from the environment.
func ServerFromEnv() (Server, error) {
	return serverFromLookup(os.LookupEnv)
}

func serverFromLookup(lookup func(string) (string, bool)) (Server, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := Server{
		StorageConnectionString: get("STORAGE_CONNECTION_STRING"),
		TasksTable:              get("TASKS_TABLE"),
		EventsQueue:             get("EVENTS_QUEUE"),
		AuthAudience:            get("AUTH_AUDIENCE"),
		JWKSURL:                 get("AUTH_JWKS_URL"),
		ListenAddr:              ":" + defaultListenPort,
		JSONLogs:                strings.EqualFold(get("LOG_FORMAT"), "json"),
	}
	if cfg.StorageConnectionString == "" || cfg.TasksTable == "" {
		return Server{}, errors.New("missing storage config: STORAGE_CONNECTION_STRING and TASKS_TABLE are required")
	}

	var err error
	if cfg.Debug, err = envBool(get, "DEBUG"); err != nil {
		return Server{}, err
	}
	if cfg.CacheTTL, err = envDur(get, "CACHE_TTL", defaultCacheTTL); err != nil {
		return Server{}, err
	}
	if cfg.IdempotencyTTL, err = envDur(get, "IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Server{}, err
	}
	if cfg.JWKSCacheTTL, err = envDur(get, "JWKS_CACHE_TTL", defaultJWKSCacheTTL); err != nil {
		return Server{}, err
	}
	if conn := get("REDIS_CONNECTION_STRING"); conn != "" {
		cfg.Redis = ParseRedisConnectionString(conn)
	}
	if port, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && strings.TrimSpace(port) != "" {
		if _, err := strconv.Atoi(strings.TrimSpace(port)); err != nil {
			return Server{}, fmt.Errorf("invalid FUNCTIONS_CUSTOMHANDLER_PORT: %w", err)
		}
		cfg.ListenAddr = ":" + strings.TrimSpace(port)
	}

	localMode, err := envBool(get, "LOCAL_AUTH_MODE")
	if err != nil {
		return Server{}, err
	}
	if localMode {
		secret := get("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			return Server{}, errors.New("LOCAL_AUTH_MODE requires LOCAL_AUTH_SHARED_SECRET")
		}
		cfg.LocalAuthSecret = []byte(secret)
	} else if cfg.AuthAudience == "" {
		return Server{}, errors.New("missing auth config: AUTH_AUDIENCE is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = defaultJWKSURL
	}
	cfg.AuthIssuers = splitList(get("AUTH_ISSUER"))
	if len(cfg.AuthIssuers) == 0 && !localMode {
		cfg.AuthIssuers = append([]string(nil), defaultIssuers...)
	}
	return cfg, nil
}

// ParseRedisConnectionString accepts either a redis:// URL or the Azure
// "host:port,password=...,ssl=True" form.
func ParseRedisConnectionString(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

func envBool(get func(string) string, key string) (bool, error) {
	v := get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func envDur(get func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := get(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
