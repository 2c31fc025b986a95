package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	appDirName         = "todo-meister"
	defaultAPIURL      = "http://localhost:8080"
	defaultHTTPTimeout = 30 * time.Second
)

// Client is the configuration of the todo terminal client.
type Client struct {
	APIURL  string   `toml:"api_url"`
	Timeout Duration `toml:"timeout"`
	LogFile string   `toml:"log_file"`

	// OAuth client registered with Google for the installed-app flow.
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	// RedirectPort of the localhost listener; 0 picks a free port.
	RedirectPort int    `toml:"redirect_port"`
	TokenFile    string `toml:"token_file"`

	// Token is a pre-issued bearer. When set, the OAuth flow is skipped.
	Token string `toml:"-"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultClientConfigPath returns ~/.config/todo-meister/config.toml or the
// OS equivalent.
func DefaultClientConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appDirName, "config.toml")
}

// LoadClient loads configuration in priority order: defaults, the TOML file
// at path (missing is fine), then TODO_* environment variables.
func LoadClient(path string) (Client, error) {
	return loadClient(path, os.LookupEnv)
}

func loadClient(path string, lookup func(string) (string, bool)) (Client, error) {
	cfg := Client{}
	setClientDefaults(&cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Client{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if v, ok := lookup("TODO_API_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.APIURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("TODO_TOKEN"); ok {
		cfg.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup("TODO_LOG_FILE"); ok && strings.TrimSpace(v) != "" {
		cfg.LogFile = strings.TrimSpace(v)
	}

	if err := finalizeClient(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func setClientDefaults(cfg *Client) {
	cfg.APIURL = defaultAPIURL
	cfg.Timeout = Duration{defaultHTTPTimeout}
	if dir, err := os.UserCacheDir(); err == nil {
		cfg.LogFile = filepath.Join(dir, appDirName, "todo.log")
		cfg.TokenFile = filepath.Join(dir, appDirName, "token.json")
	}
}

func finalizeClient(cfg *Client) error {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.APIURL == "" {
		return errors.New("api_url must not be empty")
	}
	if cfg.Timeout.Duration < 0 {
		return fmt.Errorf("invalid timeout %s", cfg.Timeout.Duration)
	}
	if cfg.RedirectPort < 0 || cfg.RedirectPort > 65535 {
		return fmt.Errorf("invalid redirect_port %d", cfg.RedirectPort)
	}
	cfg.LogFile = expandPath(cfg.LogFile)
	cfg.TokenFile = expandPath(cfg.TokenFile)
	return nil
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
