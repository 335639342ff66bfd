/*
Copyright 2025 Satsback Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	// DefaultFallbackRate is the fixed units-per-BTC rate applied when no
	// rate provider can answer. Conversion degrades rather than fails.
	DefaultFallbackRate = 50_000

	// DefaultMaxInflightWebhooks caps concurrent webhook processing.
	// Requests beyond the ceiling queue, they are not rejected.
	DefaultMaxInflightWebhooks = 100

	DefaultSweepIntervalSec    = 60
	DefaultSweepMaxRetries     = 10
	DefaultDisplayDurationSec  = 30
	DefaultClaimExpiryHours    = 72
	DefaultRateCacheTTLSeconds = 30
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SATSBACK_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SATSBACK_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SATSBACK_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"SATSBACK_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SATSBACK_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SATSBACK_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SATSBACK_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SATSBACK_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SATSBACK_REDIS_SKIP_TLS_VERIFY"`
}

// RatesConfig configures fiat to BTC conversion.
type RatesConfig struct {
	// DefaultProvider is substituted when a requested provider is not
	// registered.
	DefaultProvider string `json:"default_provider" envconfig:"SATSBACK_RATES_DEFAULT_PROVIDER"`
	// FallbackRate is the units-per-BTC constant used when every provider
	// path fails.
	FallbackRate    float64 `json:"fallback_rate" envconfig:"SATSBACK_RATES_FALLBACK_RATE"`
	CacheTTLSeconds int     `json:"cache_ttl_sec" envconfig:"SATSBACK_RATES_CACHE_TTL_SEC"`
	KrakenURL       string  `json:"kraken_url" envconfig:"SATSBACK_RATES_KRAKEN_URL"`
}

// WebhookConfig bounds inbound webhook handling.
type WebhookConfig struct {
	MaxInflight int `json:"max_inflight" envconfig:"SATSBACK_WEBHOOK_MAX_INFLIGHT"`
}

// SweepConfig drives the failed-transaction retry sweep.
type SweepConfig struct {
	IntervalSec int `json:"interval_sec" envconfig:"SATSBACK_SWEEP_INTERVAL_SEC"`
	MaxRetries  int `json:"max_retries" envconfig:"SATSBACK_SWEEP_MAX_RETRIES"`
}

type QueueConfig struct {
	DeliveryQueue  string `json:"delivery_queue"`
	EventQueue     string `json:"event_queue"`
	MonitoringPort string `json:"monitoring_port"`
}

// LightningConfig points at the lightning pull-payment collaborator.
type LightningConfig struct {
	Url    string `json:"url" envconfig:"SATSBACK_LIGHTNING_URL"`
	ApiKey string `json:"api_key" envconfig:"SATSBACK_LIGHTNING_API_KEY"`
}

// SquareConfig points at the Square REST API used for customer lookups.
// Access tokens live in per-store settings, only the endpoint is global.
type SquareConfig struct {
	Url string `json:"url" envconfig:"SATSBACK_SQUARE_URL"`
}

// OnchainConfig points at the on-chain payout collaborator.
type OnchainConfig struct {
	Url    string `json:"url" envconfig:"SATSBACK_ONCHAIN_URL"`
	ApiKey string `json:"api_key" envconfig:"SATSBACK_ONCHAIN_API_KEY"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type MailConfig struct {
	Url     string            `json:"url" envconfig:"SATSBACK_MAIL_URL"`
	From    string            `json:"from" envconfig:"SATSBACK_MAIL_FROM"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
	Mail  MailConfig   `json:"mail"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SATSBACK_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SATSBACK_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SATSBACK_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"SATSBACK_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Rates        RatesConfig      `json:"rates"`
	Webhook      WebhookConfig    `json:"webhook"`
	Sweep        SweepConfig      `json:"sweep"`
	Queue        QueueConfig      `json:"queue"`
	Lightning    LightningConfig  `json:"lightning"`
	Onchain      OnchainConfig    `json:"onchain"`
	Square       SquareConfig     `json:"square"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("satsback", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called satsback.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Satsback Server"
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Rates.DefaultProvider == "" {
		cnf.Rates.DefaultProvider = "kraken"
	}
	if cnf.Rates.FallbackRate <= 0 {
		cnf.Rates.FallbackRate = DefaultFallbackRate
	}
	if cnf.Rates.CacheTTLSeconds <= 0 {
		cnf.Rates.CacheTTLSeconds = DefaultRateCacheTTLSeconds
	}
	if cnf.Rates.KrakenURL == "" {
		cnf.Rates.KrakenURL = "https://api.kraken.com/0/public/Ticker"
	}

	if cnf.Square.Url == "" {
		cnf.Square.Url = "https://connect.squareup.com"
	}

	if cnf.Webhook.MaxInflight <= 0 {
		cnf.Webhook.MaxInflight = DefaultMaxInflightWebhooks
	}

	if cnf.Sweep.IntervalSec <= 0 {
		cnf.Sweep.IntervalSec = DefaultSweepIntervalSec
	}
	if cnf.Sweep.MaxRetries <= 0 {
		cnf.Sweep.MaxRetries = DefaultSweepMaxRetries
	}

	if cnf.Queue.DeliveryQueue == "" {
		cnf.Queue.DeliveryQueue = "reward_delivery"
	}
	if cnf.Queue.EventQueue == "" {
		cnf.Queue.EventQueue = "invoice_events"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5003"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes. Defaults are
// filled in so tests only set the fields they care about.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
