// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Host               string   `toml:"host" mapstructure:"host"`
	Port               int      `toml:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	BaseURL            string   `toml:"baseUrl" mapstructure:"baseUrl"`
	DataDir            string   `toml:"dataDir" mapstructure:"dataDir"`
	CORSAllowedOrigins []string `toml:"corsAllowedOrigins" mapstructure:"corsAllowedOrigins"`
	APIKey             string   `toml:"apiKey" mapstructure:"apiKey"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort" validate:"gte=0,lte=65535"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	RedisURL    string `toml:"redisUrl" mapstructure:"redisUrl"`
	RedisPrefix string `toml:"redisPrefix" mapstructure:"redisPrefix"`

	Polar   PolarConfig   `toml:"polar" mapstructure:"polar"`
	Product ProductConfig `toml:"product" mapstructure:"product"`
	License LicenseConfig `toml:"license" mapstructure:"license"`
}

type PolarConfig struct {
	OrganizationID string        `toml:"organizationId" mapstructure:"organizationId"`
	Environment    string        `toml:"environment" mapstructure:"environment" validate:"omitempty,oneof=production sandbox"`
	BaseURL        string        `toml:"baseUrl" mapstructure:"baseUrl" validate:"omitempty,http_url"`
	RetryAttempts  uint          `toml:"retryAttempts" mapstructure:"retryAttempts"`
	RetryDelay     time.Duration `toml:"retryDelay" mapstructure:"retryDelay"`
}

type ProductConfig struct {
	VendorID    string  `toml:"vendorId" mapstructure:"vendorId"`
	ProductID   string  `toml:"productId" mapstructure:"productId" validate:"required"`
	ProductName string  `toml:"productName" mapstructure:"productName"`
	VendorName  string  `toml:"vendorName" mapstructure:"vendorName"`
	Price       float64 `toml:"price" mapstructure:"price" validate:"gte=0"`
	Currency    string  `toml:"currency" mapstructure:"currency" validate:"omitempty,len=3,uppercase"`
	TrialDays   int     `toml:"trialDays" mapstructure:"trialDays" validate:"gte=0"`
	TrialType   string  `toml:"trialType" mapstructure:"trialType" validate:"oneof=timeLimited none"`
	TrialText   string  `toml:"trialText" mapstructure:"trialText"`
	ImagePath   string  `toml:"imagePath" mapstructure:"imagePath"`
}

type LicenseConfig struct {
	CheckInterval        time.Duration `toml:"checkInterval" mapstructure:"checkInterval" validate:"gte=0"`
	CallTimeout          time.Duration `toml:"callTimeout" mapstructure:"callTimeout" validate:"gte=0"`
	RetryDelay           time.Duration `toml:"retryDelay" mapstructure:"retryDelay" validate:"gte=0"`
	DebugVerify          bool          `toml:"debugVerify" mapstructure:"debugVerify"`
	CheckoutTimeout      time.Duration `toml:"checkoutTimeout" mapstructure:"checkoutTimeout" validate:"gte=0"`
	CheckoutPollInterval time.Duration `toml:"checkoutPollInterval" mapstructure:"checkoutPollInterval" validate:"gte=0"`
	VerifyRateLimit      time.Duration `toml:"verifyRateLimit" mapstructure:"verifyRateLimit" validate:"gte=0"`
	HistorySize          int           `toml:"historySize" mapstructure:"historySize" validate:"gte=0"`
}
