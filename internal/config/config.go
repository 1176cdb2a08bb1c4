package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config holds the engine configuration. Retry counts and delays are
// operational tuning knobs, not correctness invariants, so they live here
// rather than as package constants.
type Config struct {
	Repos []string `json:"repos"`

	DatabasePath        string `json:"database_path,omitempty"`         // SQLite database location
	DefaultBranchPrefix string `json:"default_branch_prefix,omitempty"` // Prefix for session branch names (e.g., "conductor/")
	DefaultModel        string `json:"default_model,omitempty"`         // Model used when a session doesn't pick one
	DefaultProvider     string `json:"default_provider,omitempty"`      // Provider used when a session doesn't pick one

	NotificationsEnabled bool `json:"notifications_enabled,omitempty"` // Desktop notifications on review/merge outcomes

	// Bounded-retry tuning
	GitLockRetries           int `json:"git_lock_retries,omitempty"`             // Attempts for transient index.lock contention
	GitLockRetryDelayMS      int `json:"git_lock_retry_delay_ms,omitempty"`      // Base delay between index.lock retries
	AssistMaxAttempts        int `json:"assist_max_attempts,omitempty"`          // Attempts per assist loop
	AssistMaxIdenticalErrors int `json:"assist_max_identical_errors,omitempty"`  // Identical-failure streak before giving up
	AgentRestartAttempts     int `json:"agent_restart_attempts,omitempty"`       // Persistent transport restarts before failing a turn
	AgentRestartDelayMS      int `json:"agent_restart_delay_ms,omitempty"`       // Delay between transport restarts
	TurnTimeoutMinutes       int `json:"turn_timeout_minutes,omitempty"`         // Hard cap on one turn
	EventBusCapacity         int `json:"event_bus_capacity,omitempty"`           // Bounded event channel size
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds,omitempty"`   // Ledger heartbeat cadence for running operations

	mu       sync.RWMutex
	filePath string
}

// Defaults applied when a field is zero after load.
const (
	DefaultGitLockRetries           = 3
	DefaultGitLockRetryDelayMS      = 500
	DefaultAssistMaxAttempts        = 3
	DefaultAssistMaxIdenticalErrors = 3
	DefaultAgentRestartAttempts     = 3
	DefaultAgentRestartDelayMS      = 500
	DefaultTurnTimeoutMinutes       = 30
	DefaultEventBusCapacity         = 256
	DefaultHeartbeatSeconds         = 15
	DefaultBranchPrefixValue        = "conductor/"
)

// configDir returns the path to the config directory
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".conductor"), nil
}

// configPath returns the path to the config file
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultDatabasePath returns the SQLite path used when the config doesn't
// override it.
func DefaultDatabasePath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "conductor.db"), nil
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by tests and by the
// --config flag.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Repos:    []string{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure slices are initialized and zero tuning fields get defaults
	// before Validate() since Validate() only reads.
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero-valued fields. Not thread-safe; only called from
// Load before the Config is shared across goroutines.
func (c *Config) applyDefaults() {
	if c.Repos == nil {
		c.Repos = []string{}
	}
	if c.DefaultBranchPrefix == "" {
		c.DefaultBranchPrefix = DefaultBranchPrefixValue
	}
	if c.GitLockRetries == 0 {
		c.GitLockRetries = DefaultGitLockRetries
	}
	if c.GitLockRetryDelayMS == 0 {
		c.GitLockRetryDelayMS = DefaultGitLockRetryDelayMS
	}
	if c.AssistMaxAttempts == 0 {
		c.AssistMaxAttempts = DefaultAssistMaxAttempts
	}
	if c.AssistMaxIdenticalErrors == 0 {
		c.AssistMaxIdenticalErrors = DefaultAssistMaxIdenticalErrors
	}
	if c.AgentRestartAttempts == 0 {
		c.AgentRestartAttempts = DefaultAgentRestartAttempts
	}
	if c.AgentRestartDelayMS == 0 {
		c.AgentRestartDelayMS = DefaultAgentRestartDelayMS
	}
	if c.TurnTimeoutMinutes == 0 {
		c.TurnTimeoutMinutes = DefaultTurnTimeoutMinutes
	}
	if c.EventBusCapacity == 0 {
		c.EventBusCapacity = DefaultEventBusCapacity
	}
	if c.HeartbeatIntervalSeconds == 0 {
		c.HeartbeatIntervalSeconds = DefaultHeartbeatSeconds
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seenRepos := make(map[string]bool)
	for _, repo := range c.Repos {
		if repo == "" {
			return fmt.Errorf("empty repo path found")
		}
		if seenRepos[repo] {
			return fmt.Errorf("duplicate repo: %s", repo)
		}
		seenRepos[repo] = true
	}

	if c.GitLockRetries < 0 {
		return fmt.Errorf("git_lock_retries must be non-negative")
	}
	if c.AssistMaxAttempts < 1 {
		return fmt.Errorf("assist_max_attempts must be at least 1")
	}
	if c.AgentRestartAttempts < 0 {
		return fmt.Errorf("agent_restart_attempts must be non-negative")
	}
	if c.EventBusCapacity < 1 {
		return fmt.Errorf("event_bus_capacity must be at least 1")
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// AddRepo adds a repository path if it doesn't already exist
func (c *Config) AddRepo(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.Repos {
		if r == path {
			return false
		}
	}

	c.Repos = append(c.Repos, path)
	return true
}

// RemoveRepo removes a repository from the config.
// Returns true if the repo was found and removed, false otherwise.
func (c *Config) RemoveRepo(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.Repos {
		if r == path {
			c.Repos = append(c.Repos[:i], c.Repos[i+1:]...)
			return true
		}
	}
	return false
}

// GetRepos returns a copy of the repos slice
func (c *Config) GetRepos() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	repos := make([]string, len(c.Repos))
	copy(repos, c.Repos)
	return repos
}

// GetNotificationsEnabled returns whether desktop notifications are enabled
func (c *Config) GetNotificationsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NotificationsEnabled
}

// SetNotificationsEnabled sets whether desktop notifications are enabled
func (c *Config) SetNotificationsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NotificationsEnabled = enabled
}

// GetDefaultBranchPrefix returns the branch prefix for new session branches
func (c *Config) GetDefaultBranchPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultBranchPrefix
}

// SetDefaultBranchPrefix sets the branch prefix for new session branches
func (c *Config) SetDefaultBranchPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultBranchPrefix = prefix
}

// GitLockRetryDelay returns the base delay between index.lock retries.
func (c *Config) GitLockRetryDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.GitLockRetryDelayMS) * time.Millisecond
}

// AgentRestartDelay returns the delay between persistent transport restarts.
func (c *Config) AgentRestartDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.AgentRestartDelayMS) * time.Millisecond
}

// TurnTimeout returns the hard cap on a single turn.
func (c *Config) TurnTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.TurnTimeoutMinutes) * time.Minute
}

// HeartbeatInterval returns the ledger heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
