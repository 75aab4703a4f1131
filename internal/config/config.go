// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/progate/internal/domain"
	"github.com/autobrr/progate/internal/license"
	"github.com/autobrr/progate/pkg/debounce"
)

const (
	envPrefix      = "PROGATE__"
	configFileName = "config.toml"
	databaseName   = "progate.db"
	reloadDelay    = 500 * time.Millisecond
)

// envBindings maps config keys to environment variables (without prefix).
var envBindings = map[string]string{
	"host":                  "HOST",
	"port":                  "PORT",
	"baseUrl":               "BASE_URL",
	"dataDir":               "DATA_DIR",
	"corsAllowedOrigins":    "CORS_ALLOWED_ORIGINS",
	"apiKey":                "API_KEY",
	"logLevel":              "LOG_LEVEL",
	"logPath":               "LOG_PATH",
	"logMaxSize":            "LOG_MAX_SIZE",
	"logMaxBackups":         "LOG_MAX_BACKUPS",
	"metricsEnabled":        "METRICS_ENABLED",
	"metricsHost":           "METRICS_HOST",
	"metricsPort":           "METRICS_PORT",
	"metricsBasicAuthUsers": "METRICS_BASIC_AUTH_USERS",
	"redisUrl":              "REDIS_URL",
	"redisPrefix":           "REDIS_PREFIX",

	"polar.organizationId": "POLAR_ORGANIZATION_ID",
	"polar.environment":    "POLAR_ENVIRONMENT",
	"polar.baseUrl":        "POLAR_BASE_URL",
	"polar.retryAttempts":  "POLAR_RETRY_ATTEMPTS",
	"polar.retryDelay":     "POLAR_RETRY_DELAY",

	"product.vendorId":    "PRODUCT_VENDOR_ID",
	"product.productId":   "PRODUCT_ID",
	"product.productName": "PRODUCT_NAME",
	"product.vendorName":  "PRODUCT_VENDOR_NAME",
	"product.price":       "PRODUCT_PRICE",
	"product.currency":    "PRODUCT_CURRENCY",
	"product.trialDays":   "PRODUCT_TRIAL_DAYS",
	"product.trialType":   "PRODUCT_TRIAL_TYPE",
	"product.trialText":   "PRODUCT_TRIAL_TEXT",
	"product.imagePath":   "PRODUCT_IMAGE_PATH",

	"license.checkInterval":        "LICENSE_CHECK_INTERVAL",
	"license.callTimeout":          "LICENSE_CALL_TIMEOUT",
	"license.retryDelay":           "LICENSE_RETRY_DELAY",
	"license.debugVerify":          "LICENSE_DEBUG_VERIFY",
	"license.checkoutTimeout":      "LICENSE_CHECKOUT_TIMEOUT",
	"license.checkoutPollInterval": "LICENSE_CHECKOUT_POLL_INTERVAL",
	"license.verifyRateLimit":      "LICENSE_VERIFY_RATE_LIMIT",
	"license.historySize":          "LICENSE_HISTORY_SIZE",
}

type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configMu   sync.Mutex
	configDir  string
	logManager *LogManager
	reloader   *debounce.Debouncer
	listeners  []func(*domain.Config)
}

// New loads config.toml from configPath, which may be a directory or a file.
// A default file is written when none exists.
func New(configPath string, version string) (*AppConfig, error) {
	configFile := resolveConfigFile(configPath)

	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefaultConfig(configFile); err != nil {
			return nil, err
		}
		log.Info().Str("path", configFile).Msg("Created default config file")
	}

	c := &AppConfig{
		viper:      viper.New(),
		configDir:  filepath.Dir(configFile),
		logManager: NewLogManager(version),
	}

	c.defaults()
	c.viper.SetConfigFile(configFile)
	c.viper.SetConfigType("toml")

	for key, env := range envBindings {
		if err := c.viper.BindEnv(key, envPrefix+env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	return c, nil
}

func resolveConfigFile(configPath string) string {
	if configPath == "" {
		configPath = GetDefaultConfigDir()
	}
	if strings.HasSuffix(strings.ToLower(configPath), ".toml") {
		return configPath
	}
	return filepath.Join(configPath, configFileName)
}

func (c *AppConfig) defaults() {
	v := c.viper

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 7480)
	v.SetDefault("baseUrl", "/")
	v.SetDefault("dataDir", "")
	v.SetDefault("corsAllowedOrigins", []string{})
	v.SetDefault("apiKey", "")

	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logPath", "")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)

	v.SetDefault("metricsEnabled", false)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 9074)
	v.SetDefault("metricsBasicAuthUsers", "")

	v.SetDefault("redisUrl", "")
	v.SetDefault("redisPrefix", "progate:license")

	v.SetDefault("polar.organizationId", "")
	v.SetDefault("polar.environment", "production")
	v.SetDefault("polar.baseUrl", "")
	v.SetDefault("polar.retryAttempts", 3)
	v.SetDefault("polar.retryDelay", time.Second)

	v.SetDefault("product.trialDays", 14)
	v.SetDefault("product.trialType", string(license.TrialTypeTimeLimited))
	v.SetDefault("product.currency", "USD")

	v.SetDefault("license.checkInterval", license.DefaultCheckInterval)
	v.SetDefault("license.callTimeout", license.DefaultCallTimeout)
	v.SetDefault("license.retryDelay", license.DefaultRetryDelay)
	v.SetDefault("license.debugVerify", false)
	v.SetDefault("license.checkoutTimeout", 15*time.Minute)
	v.SetDefault("license.checkoutPollInterval", 3*time.Second)
	v.SetDefault("license.verifyRateLimit", 10*time.Second)
	v.SetDefault("license.historySize", 100)
}

func (c *AppConfig) load() (*domain.Config, error) {
	cfg := &domain.Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		cfg.DataDir = c.configDir
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateConfig(cfg *domain.Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// ConfigDir returns the directory holding config.toml.
func (c *AppConfig) ConfigDir() string {
	return c.configDir
}

func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.Config.DataDir, databaseName)
}

// Product converts the product section into the engine's configuration.
func (c *AppConfig) Product() license.Product {
	p := c.Config.Product
	return license.Product{
		VendorID:    p.VendorID,
		ProductID:   p.ProductID,
		ProductName: p.ProductName,
		VendorName:  p.VendorName,
		Price:       p.Price,
		Currency:    p.Currency,
		TrialDays:   p.TrialDays,
		TrialType:   license.TrialType(p.TrialType),
		TrialText:   p.TrialText,
		ImagePath:   p.ImagePath,
	}
}

// ResolveLogPath makes relative log paths relative to the config directory.
func (c *AppConfig) ResolveLogPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.configDir, path)
}

func (c *AppConfig) LogManager() *LogManager {
	return c.logManager
}

// ApplyLogConfig applies the current log settings to the global logger.
func (c *AppConfig) ApplyLogConfig() error {
	c.logManager.Initialize()
	return c.logManager.Apply(
		c.Config.LogLevel,
		c.ResolveLogPath(c.Config.LogPath),
		c.Config.LogMaxSize,
		c.Config.LogMaxBackups,
	)
}

// OnReload registers fn to run after the config file changed and was reloaded.
func (c *AppConfig) OnReload(fn func(*domain.Config)) {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Watch reloads the config file when it changes on disk. Bursts of write
// events are coalesced.
func (c *AppConfig) Watch() {
	c.reloader = debounce.New(reloadDelay)
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c.reloader.Do(c.reload)
	})
	c.viper.WatchConfig()
}

// StopWatching drops pending reloads.
func (c *AppConfig) StopWatching() {
	if c.reloader != nil {
		c.reloader.Stop()
	}
}

func (c *AppConfig) reload() {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	cfg, err := c.load()
	if err != nil {
		log.Error().Err(err).Msg("Ignoring invalid config change")
		return
	}

	c.Config.LogLevel = cfg.LogLevel
	c.Config.LogPath = cfg.LogPath
	c.Config.LogMaxSize = cfg.LogMaxSize
	c.Config.LogMaxBackups = cfg.LogMaxBackups

	if err := c.ApplyLogConfig(); err != nil {
		log.Error().Err(err).Msg("Failed to apply reloaded log settings")
	}

	log.Info().Str("path", c.viper.ConfigFileUsed()).Msg("Config reloaded")

	for _, fn := range c.listeners {
		fn(cfg)
	}
}

// GetDefaultConfigDir returns the OS specific config directory.
func GetDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		// docker images mount config at /config
		if filepath.Clean(xdg) == "/config" {
			return "/config"
		}
		return filepath.Join(xdg, "progate")
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "progate")
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "progate")
}
