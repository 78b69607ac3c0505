// Package config loads the process envelope from the environment (§6.5).
// It deliberately only covers what must exist before the database
// connection (and hence the Settings cache, C2) is available: connection
// strings, credentials, and the handful of knobs needed to get logging and
// the daemon's shutdown behaviour going. Everything tunable at runtime
// lives in Settings (internal/settings), not here.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Env is the parsed process envelope.
type Env struct {
	DatabaseURL       string
	DatabaseURLListen string // optional: dedicated connection for LISTEN/NOTIFY
	EncryptionSecret  string
	TelegramAPIID     int
	TelegramAPIHash   string
	LogLevel          string
	LogFile           string // MIRROR_LOG_FILE, optional
	FloodWaitMaxSec   int    // MIRROR_FLOOD_WAIT_MAX_SEC override, 0 means the rate limiter's default of 3600
	ShutdownBudget    time.Duration
	PeerCacheFile     string // local bbolt cache for resolved peer entities
}

const (
	defaultLogLevel       = "info"
	defaultShutdownSec    = 30
	defaultPeerCacheFile  = "data/peers_cache.bbolt"
)

var (
	once sync.Once
	env  Env
	err  error
)

// Load reads .env (if present; a missing file is not an error, matching
// deployments that inject real environment variables instead) and the
// process environment, and caches the result. Load is idempotent; later
// calls return the first result.
func Load(envPath string) (Env, error) {
	once.Do(func() {
		if envPath != "" {
			if loadErr := godotenv.Load(envPath); loadErr != nil && !os.IsNotExist(loadErr) {
				err = fmt.Errorf("load .env: %w", loadErr)
				return
			}
		}
		env, err = parseEnv()
	})
	return env, err
}

func parseEnv() (Env, error) {
	var e Env

	e.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if e.DatabaseURL == "" {
		return e, errors.New("env DATABASE_URL must be set")
	}
	e.DatabaseURLListen = strings.TrimSpace(os.Getenv("DATABASE_URL_LISTEN"))

	e.EncryptionSecret = os.Getenv("ENCRYPTION_SECRET")
	if e.EncryptionSecret == "" {
		return e, errors.New("env ENCRYPTION_SECRET must be set")
	}

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return e, err
	}
	e.TelegramAPIID = apiID

	e.TelegramAPIHash = strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if e.TelegramAPIHash == "" {
		return e, errors.New("env TELEGRAM_API_HASH must be set")
	}

	e.LogLevel = sanitizeLogLevel(os.Getenv("MIRROR_LOG_LEVEL"))
	e.LogFile = strings.TrimSpace(os.Getenv("MIRROR_LOG_FILE"))

	e.FloodWaitMaxSec = parseIntDefault("MIRROR_FLOOD_WAIT_MAX_SEC", 0)

	shutdownSec := parseIntDefault("MIRROR_SHUTDOWN_BUDGET_SEC", defaultShutdownSec)
	if shutdownSec <= 0 {
		shutdownSec = defaultShutdownSec
	}
	e.ShutdownBudget = time.Duration(shutdownSec) * time.Second

	e.PeerCacheFile = strings.TrimSpace(os.Getenv("MIRROR_PEER_CACHE_FILE"))
	if e.PeerCacheFile == "" {
		e.PeerCacheFile = defaultPeerCacheFile
	}

	return e, nil
}

func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

func parseIntDefault(name string, defaultVal int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return defaultVal
	}
	return v
}

func sanitizeLogLevel(level string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		return defaultLogLevel
	}
}
