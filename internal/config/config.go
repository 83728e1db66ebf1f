package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every tunable of the coordination core. All paths derive
// from RuntimeDir and Namespace so independent applications (and tests)
// never collide.
type Config struct {
	RuntimeDir        string
	Namespace         string
	JournalPath       string
	ProcessID         int
	DialTimeout       time.Duration
	UnaryTimeout      time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	RetryBackoff      []time.Duration
	JournalRetention  time.Duration
	LogLevel          string
	LogDevelopment    bool
}

// envOverrides is the subset of Config settable from the environment.
type envOverrides struct {
	RuntimeDir        string        `envconfig:"RUNTIME_DIR"`
	Namespace         string        `envconfig:"NAMESPACE"`
	JournalPath       string        `envconfig:"JOURNAL_PATH"`
	DialTimeout       time.Duration `envconfig:"DIAL_TIMEOUT"`
	UnaryTimeout      time.Duration `envconfig:"UNARY_TIMEOUT"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	JournalRetention  time.Duration `envconfig:"JOURNAL_RETENTION"`
	LogLevel          string        `envconfig:"LOG_LEVEL"`
	LogDevelopment    bool          `envconfig:"LOG_DEV"`
}

func DefaultConfig() Config {
	return Config{
		RuntimeDir:        defaultRuntimeDir(),
		Namespace:         "court",
		ProcessID:         os.Getpid(),
		DialTimeout:       3 * time.Second,
		UnaryTimeout:      10 * time.Second,
		HeartbeatInterval: 1 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		RetryBackoff:      []time.Duration{50 * time.Millisecond, 250 * time.Millisecond, 1 * time.Second},
		JournalRetention:  14 * 24 * time.Hour,
		LogLevel:          "info",
	}
}

// FromEnv returns DefaultConfig with COURT_* environment overrides applied.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	var env envOverrides
	if err := envconfig.Process("COURT", &env); err != nil {
		return cfg, fmt.Errorf("process env config: %w", err)
	}
	if env.RuntimeDir != "" {
		cfg.RuntimeDir = env.RuntimeDir
	}
	if env.Namespace != "" {
		cfg.Namespace = env.Namespace
	}
	if env.JournalPath != "" {
		cfg.JournalPath = env.JournalPath
	}
	if env.DialTimeout > 0 {
		cfg.DialTimeout = env.DialTimeout
	}
	if env.UnaryTimeout > 0 {
		cfg.UnaryTimeout = env.UnaryTimeout
	}
	if env.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = env.HeartbeatInterval
	}
	if env.JournalRetention > 0 {
		cfg.JournalRetention = env.JournalRetention
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.LogDevelopment {
		cfg.LogDevelopment = true
	}
	return cfg, nil
}

// SocketPath is the well-known monarch socket for this namespace.
func (c Config) SocketPath() string {
	return filepath.Join(c.RuntimeDir, c.Namespace+".sock")
}

// LockPath is the advisory lock backing the singleton registration.
func (c Config) LockPath() string {
	return filepath.Join(c.RuntimeDir, c.Namespace+".lock")
}

// PeasantSocketPath is the per-process socket the monarch dispatches to.
func (c Config) PeasantSocketPath(pid int) string {
	return filepath.Join(c.RuntimeDir, fmt.Sprintf("%s-peasant-%d.sock", c.Namespace, pid))
}

// JournalFile resolves the journal location, defaulting under the state dir.
func (c Config) JournalFile() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return c.Namespace + ".db"
	}
	return filepath.Join(home, ".local", "state", c.Namespace, "journal.db")
}

func defaultRuntimeDir() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "court")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".court"
	}
	return filepath.Join(home, ".local", "state", "court")
}
