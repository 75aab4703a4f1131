// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	lockedByEnv      = "environment"
	lockedByEnvEmpty = "environment (empty)"
)

// persistMu serialises writers of config.toml.
var persistMu sync.Mutex

type LogSettings struct {
	Level      string            `json:"level"`
	Path       string            `json:"path"`
	MaxSize    int               `json:"maxSize"`
	MaxBackups int               `json:"maxBackups"`
	ConfigPath string            `json:"configPath,omitempty"`
	Locked     map[string]string `json:"locked,omitempty"`
}

type LogSettingsUpdate struct {
	Level      *string `json:"level,omitempty"`
	Path       *string `json:"path,omitempty"`
	MaxSize    *int    `json:"maxSize,omitempty"`
	MaxBackups *int    `json:"maxBackups,omitempty"`
}

var logSettingEnv = map[string]string{
	"level":      "LOG_LEVEL",
	"path":       "LOG_PATH",
	"maxSize":    "LOG_MAX_SIZE",
	"maxBackups": "LOG_MAX_BACKUPS",
}

// LockedLogSettings lists log settings pinned by environment variables.
func (c *AppConfig) LockedLogSettings() map[string]string {
	locked := make(map[string]string)
	for key, env := range logSettingEnv {
		value, ok := os.LookupEnv(envPrefix + env)
		switch {
		case !ok:
		case strings.TrimSpace(value) == "":
			locked[key] = lockedByEnvEmpty
		default:
			locked[key] = lockedByEnv
		}
	}
	return locked
}

func (c *AppConfig) LogSettings() LogSettings {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.logSettingsLocked()
}

func (c *AppConfig) logSettingsLocked() LogSettings {
	return LogSettings{
		Level:      canonicalizeLogLevel(c.Config.LogLevel),
		Path:       c.ResolveLogPath(c.Config.LogPath),
		MaxSize:    c.Config.LogMaxSize,
		MaxBackups: c.Config.LogMaxBackups,
		ConfigPath: c.viper.ConfigFileUsed(),
		Locked:     c.LockedLogSettings(),
	}
}

// UpdateLogSettings applies and persists new log settings. Settings locked by
// the environment cannot be changed. Nothing is kept if applying fails.
func (c *AppConfig) UpdateLogSettings(update LogSettingsUpdate) (LogSettings, error) {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	locked := c.LockedLogSettings()
	for key, changed := range map[string]bool{
		"level":      update.Level != nil,
		"path":       update.Path != nil,
		"maxSize":    update.MaxSize != nil,
		"maxBackups": update.MaxBackups != nil,
	} {
		if changed && locked[key] != "" {
			return LogSettings{}, fmt.Errorf("cannot modify %s: locked by %s", key, locked[key])
		}
	}

	prev := *c.Config
	if update.Level != nil {
		c.Config.LogLevel = canonicalizeLogLevel(*update.Level)
	}
	if update.Path != nil {
		c.Config.LogPath = strings.TrimSpace(*update.Path)
	}
	if update.MaxSize != nil {
		c.Config.LogMaxSize = *update.MaxSize
	}
	if update.MaxBackups != nil {
		c.Config.LogMaxBackups = *update.MaxBackups
	}

	rollback := func() {
		c.Config.LogLevel = prev.LogLevel
		c.Config.LogPath = prev.LogPath
		c.Config.LogMaxSize = prev.LogMaxSize
		c.Config.LogMaxBackups = prev.LogMaxBackups
		_ = c.ApplyLogConfig()
	}

	if err := c.ApplyLogConfig(); err != nil {
		rollback()
		return LogSettings{}, fmt.Errorf("failed to apply log configuration: %w", err)
	}

	values := []tomlValue{
		{key: "logLevel", value: strconv.Quote(c.Config.LogLevel)},
		{key: "logPath", value: strconv.Quote(c.Config.LogPath), comment: c.Config.LogPath == ""},
		{key: "logMaxSize", value: strconv.Itoa(c.Config.LogMaxSize)},
		{key: "logMaxBackups", value: strconv.Itoa(c.Config.LogMaxBackups)},
	}
	if err := c.persistRootKeys(values); err != nil {
		rollback()
		return LogSettings{}, fmt.Errorf("failed to persist settings: %w", err)
	}

	c.viper.Set("logLevel", c.Config.LogLevel)
	c.viper.Set("logPath", c.Config.LogPath)
	c.viper.Set("logMaxSize", c.Config.LogMaxSize)
	c.viper.Set("logMaxBackups", c.Config.LogMaxBackups)

	return c.logSettingsLocked(), nil
}

// EnsureAPIKey returns the API key, generating and persisting one when none
// is configured. A key set through the environment is never written back.
func (c *AppConfig) EnsureAPIKey() (key string, generated bool, err error) {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	if c.Config.APIKey != "" {
		return c.Config.APIKey, false, nil
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", false, errors.Wrap(err, "could not generate api key")
	}
	key = hex.EncodeToString(buf)

	if err := c.persistRootKeys([]tomlValue{{key: "apiKey", value: strconv.Quote(key)}}); err != nil {
		return "", false, errors.Wrap(err, "could not persist api key")
	}

	c.Config.APIKey = key
	c.viper.Set("apiKey", key)
	return key, true, nil
}

func (c *AppConfig) persistRootKeys(values []tomlValue) error {
	persistMu.Lock()
	defer persistMu.Unlock()

	configPath := c.viper.ConfigFileUsed()
	if configPath == "" {
		return errors.New("no config file path available")
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return writeFileAtomic(configPath, []byte(setRootKeys(string(content), values)))
}

type tomlValue struct {
	key   string
	value string
	// comment writes the key commented out
	comment bool
}

func (v tomlValue) line() string {
	if v.comment {
		return fmt.Sprintf("#%s = %s", v.key, v.value)
	}
	return fmt.Sprintf("%s = %s", v.key, v.value)
}

// setRootKeys rewrites root table keys in TOML content, keeping comments and
// every table section intact. Keys not present are inserted before the first
// table header.
func setRootKeys(content string, values []tomlValue) string {
	byKey := make(map[string]tomlValue, len(values))
	for _, v := range values {
		byKey[strings.ToLower(v.key)] = v
	}

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines)+len(values)+2)
	seen := make(map[string]bool)
	inRoot := true

	flushMissing := func() {
		var missing []string
		for _, v := range values {
			if !seen[strings.ToLower(v.key)] && !v.comment {
				missing = append(missing, v.line())
			}
		}
		if len(missing) > 0 {
			out = append(out, missing...)
			out = append(out, "")
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inRoot && strings.HasPrefix(trimmed, "[") {
			flushMissing()
			inRoot = false
		}

		if inRoot {
			if v, ok := byKey[strings.ToLower(rootKey(trimmed))]; ok && !seen[strings.ToLower(v.key)] {
				seen[strings.ToLower(v.key)] = true
				out = append(out, v.line())
				continue
			}
		}

		out = append(out, line)
	}

	if inRoot {
		flushMissing()
	}

	return strings.Join(out, "\n")
}

// rootKey returns the key of a "key = value" line, also when commented out.
func rootKey(line string) string {
	line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
	key, _, found := strings.Cut(line, "=")
	if !found {
		return ""
	}
	key = strings.TrimSpace(key)
	if strings.ContainsAny(key, " \t") {
		return ""
	}
	return key
}

// writeFileAtomic writes data next to path, syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config.toml.tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP the API listens on
host = "localhost"
port = 7480

# Base path when served behind a reverse proxy
baseUrl = "/"

# Where progate.db is stored. Defaults to the config directory.
#dataDir = ""

# Origins allowed to call the API from a browser. Empty means same origin only.
#corsAllowedOrigins = ["http://localhost:5173"]

# Sent as X-API-Key on every API call. Generated on first serve when empty.
#apiKey = ""

# TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"
#logPath = "log/progate.log"
logMaxSize = 50
logMaxBackups = 3

# Prometheus metrics on a separate listener
metricsEnabled = false
metricsHost = "127.0.0.1"
metricsPort = 9074
# Comma separated user:password pairs
#metricsBasicAuthUsers = ""

# Publish license state to redis for other processes
#redisUrl = "redis://localhost:6379/0"
#redisPrefix = "progate:license"

[polar]
organizationId = ""
# production or sandbox
environment = "production"
# Overrides the environment host, for a proxy in front of the API
#baseUrl = ""

[product]
# Product ID from the licensing backend
productId = ""
productName = ""
vendorName = ""
price = 0.0
currency = "USD"
# timeLimited or none
trialType = "timeLimited"
trialDays = 14

[license]
# How often the scheduler is consulted
checkInterval = "1m"
# Delay before retrying an unverified answer
retryDelay = "3s"
# Verify on every check. Only for testing.
debugVerify = false
checkoutTimeout = "15m"
# Minimum time between forced verifications from the API
verifyRateLimit = "10s"
`

// WriteDefaultConfig writes the default config to path. An existing file is
// an error.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(defaultConfigTemplate); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
