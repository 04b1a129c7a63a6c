package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const DefaultDotEnv = ".env"

var (
	ErrDotEnv  = errors.New("unable to load dotenv file")
	ErrParse   = errors.New("unable to parse environment")
	ErrInvalid = errors.New("invalid configuration")
)

var loginFields = []string{"identifier", "email", "username"}

// Config holds client settings read from the environment. Command line
// flags override them.
type Config struct {
	APIBaseURL      string        `env:"CHAT_API_BASE_URL"     envDefault:"http://localhost:8080"`
	SocketURL       string        `env:"CHAT_SOCKET_URL"`
	LoginField      string        `env:"CHAT_LOGIN_FIELD"      envDefault:"identifier"`
	Room            string        `env:"CHAT_ROOM"             envDefault:"general"`
	HistoryLimit    int           `env:"CHAT_HISTORY_LIMIT"    envDefault:"50"`
	RetryDelay      time.Duration `env:"CHAT_RETRY_DELAY"      envDefault:"1s"`
	MaxRetryDelay   time.Duration `env:"CHAT_MAX_RETRY_DELAY"`
	DialTimeout     time.Duration `env:"CHAT_DIAL_TIMEOUT"     envDefault:"10s"`
	ReconcileWindow time.Duration `env:"CHAT_RECONCILE_WINDOW" envDefault:"30s"`
	Cache           string        `env:"CHAT_CACHE"            envDefault:"memory"`
	HTTPTimeout     time.Duration `env:"CHAT_HTTP_TIMEOUT"     envDefault:"10s"`
}

// Load reads the given dotenv files, skipping missing ones, and then parses
// the environment. Variables already set win over dotenv values.
func Load(dotenv ...string) (*Config, error) {
	for _, file := range dotenv {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Join(ErrDotEnv, fmt.Errorf("%s: %w", file, err))
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Join(ErrParse, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if !validLoginField(cfg.LoginField) {
		return errors.Join(ErrInvalid, fmt.Errorf("login field must be one of %s", strings.Join(loginFields, ", ")))
	}
	if cfg.HistoryLimit < 0 {
		return errors.Join(ErrInvalid, errors.New("history limit cannot be negative"))
	}
	if cfg.RetryDelay <= 0 {
		return errors.Join(ErrInvalid, errors.New("retry delay must be positive"))
	}
	if _, err := url.Parse(cfg.APIBaseURL); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	return nil
}

// WebsocketURL is SocketURL, or the API base with a /ws path when unset.
func (cfg *Config) WebsocketURL() string {
	if cfg.SocketURL != "" {
		return cfg.SocketURL
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("ws").String()
}

func validLoginField(field string) bool {
	for _, f := range loginFields {
		if f == field {
			return true
		}
	}
	return false
}
