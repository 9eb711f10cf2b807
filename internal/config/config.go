// Package config assembles the runtime configuration for the vault from
// environment variables, an optional YAML file, and an external key source.
// Precedence is env > file > defaults. Key material is validated here, at
// the edge: everything past this package assumes usable keys.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyderive"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyring"
)

const (
	// EnvPrimaryKey holds the base64-encoded 32-byte encryption key for
	// version v1.
	EnvPrimaryKey = "GDRIVE_TOKEN_ENCRYPTION_KEY"

	// EnvConfigFile points at an optional YAML configuration file.
	EnvConfigFile = "GDRIVE_CONFIG"

	EnvClientID     = "GDRIVE_CLIENT_ID"
	EnvClientSecret = "GDRIVE_CLIENT_SECRET"
)

// numberedKeyPattern matches GDRIVE_TOKEN_ENCRYPTION_KEY_V<n> variables,
// which register additional key versions v<n>.
var numberedKeyPattern = regexp.MustCompile(`^GDRIVE_TOKEN_ENCRYPTION_KEY_V(\d+)=(.*)$`)

// Config is the fully resolved runtime configuration.
type Config struct {
	// Keys in registration order; the last entry is the current version.
	Keys       []keyring.KeySpec
	Iterations int

	TokenPath string
	AuditPath string
	BackupDir string

	UserID       string
	ClientID     string
	ClientSecret string
	Scopes       []string

	MonitorInterval time.Duration
	ExpiryBuffer    time.Duration
	MaxRetries      int
	BaseRetryDelay  time.Duration

	Debug   bool
	NoColor bool
}

// fileConfig is the YAML file shape. All fields are optional; unset fields
// keep their defaults or env-derived values.
type fileConfig struct {
	TokenFile         string   `yaml:"token_file"`
	AuditFile         string   `yaml:"audit_file"`
	BackupDir         string   `yaml:"backup_dir"`
	UserID            string   `yaml:"user_id"`
	ClientID          string   `yaml:"client_id"`
	ClientSecret      string   `yaml:"client_secret"`
	Scopes            []string `yaml:"scopes"`
	PBKDF2Iterations  int      `yaml:"pbkdf2_iterations"`
	MonitorInterval   string   `yaml:"monitor_interval"`
	ExpiryBuffer      string   `yaml:"expiry_buffer"`
	MaxRetries        int      `yaml:"max_retries"`
	BaseRetryDelay    string   `yaml:"base_retry_delay"`
	KeySource         string   `yaml:"key_source"` // env, keychain, gcp
	KeychainService   string   `yaml:"keychain_service"`
	KeychainAccount   string   `yaml:"keychain_account"`
	GCPSecretResource string   `yaml:"gcp_secret_resource"`
}

// DefaultScopes is the Drive access the vault requests during consent.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/drive",
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".gdrive-vault")
	return &Config{
		Iterations:      keyderive.DefaultIterations,
		TokenPath:       filepath.Join(base, "tokens.enc"),
		AuditPath:       filepath.Join(base, "audit.log"),
		BackupDir:       filepath.Join(base, "backups"),
		Scopes:          DefaultScopes,
		MonitorInterval: 30 * time.Minute,
		ExpiryBuffer:    10 * time.Minute,
		MaxRetries:      3,
		BaseRetryDelay:  time.Second,
	}
}

// Load resolves the configuration. The YAML file named by GDRIVE_CONFIG (or
// the explicit path argument, which wins) is read first, then environment
// variables override it. An empty path with no GDRIVE_CONFIG set skips the
// file entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}

	var file fileConfig
	if path != "" {
		if err := loadFile(path, &file); err != nil {
			return nil, err
		}
		if err := cfg.applyFile(&file); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.loadKeys(&file); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, file *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.ConfigError{
				Field:      "config file",
				Value:      path,
				Message:    "configuration file not found",
				Suggestion: "Create the file or unset " + EnvConfigFile,
			}
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, file); err != nil {
		return errors.ConfigError{
			Field:      "config file",
			Value:      path,
			Message:    "invalid YAML syntax",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
		}
	}
	return nil
}

func (c *Config) applyFile(file *fileConfig) error {
	if file.TokenFile != "" {
		c.TokenPath = file.TokenFile
	}
	if file.AuditFile != "" {
		c.AuditPath = file.AuditFile
	}
	if file.BackupDir != "" {
		c.BackupDir = file.BackupDir
	}
	if file.UserID != "" {
		c.UserID = file.UserID
	}
	if file.ClientID != "" {
		c.ClientID = file.ClientID
	}
	if file.ClientSecret != "" {
		c.ClientSecret = file.ClientSecret
	}
	if len(file.Scopes) > 0 {
		c.Scopes = file.Scopes
	}
	if file.PBKDF2Iterations != 0 {
		c.Iterations = file.PBKDF2Iterations
	}
	if file.MaxRetries != 0 {
		c.MaxRetries = file.MaxRetries
	}

	for _, d := range []struct {
		raw   string
		field string
		dst   *time.Duration
	}{
		{file.MonitorInterval, "monitor_interval", &c.MonitorInterval},
		{file.ExpiryBuffer, "expiry_buffer", &c.ExpiryBuffer},
		{file.BaseRetryDelay, "base_retry_delay", &c.BaseRetryDelay},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return errors.ConfigError{
				Field:      d.field,
				Value:      d.raw,
				Message:    "invalid duration",
				Suggestion: `Use Go duration syntax, e.g. "30m" or "1h10m"`,
			}
		}
		*d.dst = parsed
	}

	return nil
}

func (c *Config) applyEnv() error {
	for env, dst := range map[string]*string{
		"GDRIVE_TOKEN_FILE": &c.TokenPath,
		"GDRIVE_AUDIT_FILE": &c.AuditPath,
		"GDRIVE_BACKUP_DIR": &c.BackupDir,
		"GDRIVE_USER_ID":    &c.UserID,
		EnvClientID:         &c.ClientID,
		EnvClientSecret:     &c.ClientSecret,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("GDRIVE_PBKDF2_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.ConfigError{
				Field:      "GDRIVE_PBKDF2_ITERATIONS",
				Value:      v,
				Message:    "not a number",
				Suggestion: fmt.Sprintf("Use an integer of at least %d", keyderive.MinIterations),
			}
		}
		c.Iterations = n
	}

	if v := os.Getenv("GDRIVE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errors.ConfigError{
				Field:      "GDRIVE_MAX_RETRIES",
				Value:      v,
				Message:    "not a non-negative integer",
				Suggestion: "Use a small integer such as 3",
			}
		}
		c.MaxRetries = n
	}

	for env, dst := range map[string]*time.Duration{
		"GDRIVE_MONITOR_INTERVAL": &c.MonitorInterval,
		"GDRIVE_EXPIRY_BUFFER":    &c.ExpiryBuffer,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.ConfigError{
				Field:      env,
				Value:      v,
				Message:    "invalid duration",
				Suggestion: `Use Go duration syntax, e.g. "30m" or "1h10m"`,
			}
		}
		*dst = parsed
	}

	if c.Iterations < keyderive.MinIterations {
		return errors.ConfigError{
			Field:      "pbkdf2 iterations",
			Value:      c.Iterations,
			Message:    "iteration count below the accepted minimum",
			Suggestion: fmt.Sprintf("Use at least %d iterations", keyderive.MinIterations),
		}
	}

	return nil
}

// loadKeys assembles the key list. Environment keys are collected first
// (v1 from the primary variable, v<n> from numbered variants, current =
// highest version); if none are set, the file's key_source is consulted.
func (c *Config) loadKeys(file *fileConfig) error {
	specs, err := envKeys(os.Environ())
	if err != nil {
		return err
	}

	if len(specs) == 0 && file != nil {
		specs, err = externalKeys(file)
		if err != nil {
			return err
		}
	}

	if len(specs) == 0 {
		return errors.ConfigError{
			Field:      EnvPrimaryKey,
			Message:    "no encryption key configured",
			Suggestion: "Set " + EnvPrimaryKey + " to a base64-encoded 32-byte key, or configure key_source in the config file",
		}
	}

	c.Keys = specs
	return nil
}

// envKeys scans the environment for key variables and returns specs ordered
// by version, oldest first. The caller treats the last spec as current.
func envKeys(environ []string) ([]keyring.KeySpec, error) {
	type numbered struct {
		n    int
		spec keyring.KeySpec
	}
	var found []numbered

	if raw := os.Getenv(EnvPrimaryKey); raw != "" {
		key, err := decodeKey(EnvPrimaryKey, raw)
		if err != nil {
			return nil, err
		}
		found = append(found, numbered{n: 1, spec: keyring.KeySpec{Version: "v1", Secret: key}})
	}

	for _, kv := range environ {
		m := numberedKeyPattern.FindStringSubmatch(kv)
		if m == nil || m[2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 2 {
			continue
		}
		key, err := decodeKey(fmt.Sprintf("%s_V%d", EnvPrimaryKey, n), m[2])
		if err != nil {
			return nil, err
		}
		found = append(found, numbered{n: n, spec: keyring.KeySpec{Version: fmt.Sprintf("v%d", n), Secret: key}})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	specs := make([]keyring.KeySpec, 0, len(found))
	for _, f := range found {
		specs = append(specs, f.spec)
	}
	return specs, nil
}

// decodeKey validates one base64 key variable. Unusable key material is
// fatal; there is no fallback key.
func decodeKey(name, raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.ConfigError{
			Field:      name,
			Message:    "key is not valid base64",
			Suggestion: "Generate a key with: openssl rand -base64 32",
		}
	}

	if len(key) != keyderive.KeyLength {
		return nil, errors.ConfigError{
			Field:      name,
			Message:    fmt.Sprintf("key decodes to %d bytes, need %d", len(key), keyderive.KeyLength),
			Suggestion: "Generate a key with: openssl rand -base64 32",
		}
	}

	if !keyderive.ValidateKeyStrength(key) {
		return nil, errors.ConfigError{
			Field:      name,
			Message:    "key material is too weak (repeating pattern)",
			Suggestion: "Generate a key with: openssl rand -base64 32",
		}
	}

	return key, nil
}

// CurrentVersion returns the version label of the newest configured key.
func (c *Config) CurrentVersion() string {
	if len(c.Keys) == 0 {
		return ""
	}
	return c.Keys[len(c.Keys)-1].Version
}

// NewKeyring builds the key registry from the configured specs. The newest
// key becomes current.
func (c *Config) NewKeyring() (*keyring.Manager, error) {
	// keyring.New treats the first spec as current, so feed newest first.
	ordered := make([]keyring.KeySpec, len(c.Keys))
	for i, spec := range c.Keys {
		ordered[len(c.Keys)-1-i] = spec
	}
	return keyring.New(ordered, c.Iterations)
}
