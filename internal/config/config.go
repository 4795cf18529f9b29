// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendWS     = "ws"
)

// Config holds every environment setting read by the client and relay processes.
type Config struct {
	LogLevel  string
	LogFormat string

	Backend       string
	BackendURL    string
	IdentityToken string
	DisplayName   string

	LobbyBucket     string
	LobbyName       string
	LobbyMaxPlayers int
	LobbySearchMax  int

	SessionBucket    string
	SessionName      string
	DefaultPort      int
	ForceLocalServer bool
	HostAddress      string
	HostSessions     bool

	PumpInterval time.Duration
	JoinDelayMin time.Duration
	JoinDelayMax time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	ListenAddr  string
	AuthKeySeed string
	TokenTTL    time.Duration
}

// LoadDotEnv reads files into the environment without overriding variables already set.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var errs []error
	c := Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		Backend:       strings.ToLower(getEnv("MATCH_BACKEND", BackendMemory)),
		BackendURL:    getEnv("MATCH_BACKEND_URL", "ws://localhost:8090/backend/ws"),
		IdentityToken: getEnv("MATCH_IDENTITY_TOKEN", ""),
		DisplayName:   getEnv("MATCH_DISPLAY_NAME", ""),

		LobbyBucket:     getEnv("MATCH_LOBBY_BUCKET", "DefaultBucket"),
		LobbyName:       getEnv("MATCH_LOBBY_NAME", "DefaultLobby"),
		LobbyMaxPlayers: getEnvInt("MATCH_LOBBY_MAX_PLAYERS", 4, &errs),
		LobbySearchMax:  getEnvInt("MATCH_LOBBY_SEARCH_MAX", 50, &errs),

		SessionBucket:    getEnv("MATCH_SESSION_BUCKET", "GameSession"),
		SessionName:      getEnv("MATCH_SESSION_NAME", "MyGameSession"),
		DefaultPort:      getEnvInt("MATCH_DEFAULT_PORT", 7777, &errs),
		ForceLocalServer: getEnvBool("MATCH_FORCE_LOCAL_SERVER", false, &errs),
		HostAddress:      getEnv("MATCH_HOST_ADDRESS", ""),
		HostSessions:     getEnvBool("MATCH_HOST_SESSIONS", false, &errs),

		PumpInterval: getEnvDuration("MATCH_PUMP_INTERVAL", 100*time.Millisecond, &errs),
		JoinDelayMin: getEnvDuration("MATCH_JOIN_DELAY_MIN", 500*time.Millisecond, &errs),
		JoinDelayMax: getEnvDuration("MATCH_JOIN_DELAY_MAX", 2*time.Second, &errs),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0, &errs),
		RedisChannel:  getEnv("REDIS_EVENTS_CHANNEL", "matchmaking:events"),

		ListenAddr:  getEnv("BACKEND_LISTEN_ADDR", ":8090"),
		AuthKeySeed: getEnv("AUTH_KEY_SEED", ""),
		TokenTTL:    time.Duration(getEnvInt("TOKEN_EXPIRE_TIME", 86400, &errs)) * time.Second,
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Backend != BackendMemory && c.Backend != BackendWS {
		errs = append(errs, fmt.Errorf("MATCH_BACKEND must be %q or %q, got %q", BackendMemory, BackendWS, c.Backend))
	}
	if c.Backend == BackendWS && c.BackendURL == "" {
		errs = append(errs, errors.New("MATCH_BACKEND_URL is required for the ws backend"))
	}
	if c.LobbyMaxPlayers <= 0 {
		errs = append(errs, errors.New("MATCH_LOBBY_MAX_PLAYERS must be positive"))
	}
	if c.LobbySearchMax <= 0 {
		errs = append(errs, errors.New("MATCH_LOBBY_SEARCH_MAX must be positive"))
	}
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("MATCH_DEFAULT_PORT out of range: %d", c.DefaultPort))
	}
	if c.PumpInterval <= 0 {
		errs = append(errs, errors.New("MATCH_PUMP_INTERVAL must be positive"))
	}
	if c.JoinDelayMin < 0 || c.JoinDelayMax < c.JoinDelayMin {
		errs = append(errs, fmt.Errorf("join delay window [%s, %s] is invalid", c.JoinDelayMin, c.JoinDelayMax))
	}
	if c.TokenTTL < 0 {
		errs = append(errs, errors.New("TOKEN_EXPIRE_TIME must not be negative"))
	}
	return errors.Join(errs...)
}

// getEnv reads an environment variable or returns def.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func getEnvBool(key string, def bool, errs *[]error) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}
