/*
Copyright 2025 Tradepost Authors.

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
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"ESCROW_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"ESCROW_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"ESCROW_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ESCROW_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ESCROW_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ESCROW_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	WebhookQueue    string `json:"webhook_queue" envconfig:"ESCROW_QUEUE_WEBHOOK"`
	HoldExpiryQueue string `json:"hold_expiry_queue" envconfig:"ESCROW_QUEUE_HOLD_EXPIRY"`
	SweepQueue      string `json:"sweep_queue" envconfig:"ESCROW_QUEUE_SWEEP"`
	WorkerCount     int    `json:"worker_count" envconfig:"ESCROW_QUEUE_WORKER_COUNT"`
	MonitoringPort  string `json:"monitoring_port" envconfig:"ESCROW_QUEUE_MONITORING_PORT"`
}

// PolicyConfig carries the escrow business knobs: platform fee, the
// deadlines the sweeper enforces, and the sweep cadence.
type PolicyConfig struct {
	FeeBPS                 int64         `json:"fee_bps" envconfig:"ESCROW_POLICY_FEE_BPS"`
	DeliveryConfirmTimeout time.Duration `json:"delivery_confirm_timeout" envconfig:"ESCROW_POLICY_DELIVERY_CONFIRM_TIMEOUT"`
	PaymentTimeout         time.Duration `json:"payment_timeout" envconfig:"ESCROW_POLICY_PAYMENT_TIMEOUT"`
	DisputeSLA             time.Duration `json:"dispute_sla" envconfig:"ESCROW_POLICY_DISPUTE_SLA"`
	SweepInterval          time.Duration `json:"sweep_interval" envconfig:"ESCROW_POLICY_SWEEP_INTERVAL"`
	SweepBatchSize         int           `json:"sweep_batch_size" envconfig:"ESCROW_POLICY_SWEEP_BATCH_SIZE"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ESCROW_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ESCROW_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ESCROW_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

// OtelConfig forwards exporter settings to the standard
// OTEL_EXPORTER_OTLP_* environment variables consumed by the SDK.
type OtelConfig struct {
	OtelExporterOtlpProtocol string `json:"otel_exporter_otlp_protocol" envconfig:"ESCROW_OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtelExporterOtlpEndpoint string `json:"otel_exporter_otlp_endpoint" envconfig:"ESCROW_OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpHeaders  string `json:"otel_exporter_otlp_headers" envconfig:"ESCROW_OTEL_EXPORTER_OTLP_HEADERS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"ESCROW_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"ESCROW_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Policy          PolicyConfig     `json:"policy"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	Otel            OtelConfig       `json:"otel"`
	Notification    Notification     `json:"notification"`
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
	err = envconfig.Process("escrow", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called escrow.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Escrow Engine"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.HoldExpiryQueue == "" {
		cnf.Queue.HoldExpiryQueue = "new:hold-expiry"
	}
	if cnf.Queue.SweepQueue == "" {
		cnf.Queue.SweepQueue = "new:sweep"
	}
	if cnf.Queue.WorkerCount <= 0 {
		cnf.Queue.WorkerCount = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5402"
	}

	if cnf.Policy.FeeBPS < 0 {
		return errors.New("fee basis points cannot be negative")
	}
	if cnf.Policy.FeeBPS == 0 {
		cnf.Policy.FeeBPS = 250
	}
	if cnf.Policy.DeliveryConfirmTimeout <= 0 {
		cnf.Policy.DeliveryConfirmTimeout = 72 * time.Hour
	}
	if cnf.Policy.PaymentTimeout <= 0 {
		cnf.Policy.PaymentTimeout = 30 * time.Minute
	}
	if cnf.Policy.DisputeSLA <= 0 {
		cnf.Policy.DisputeSLA = 48 * time.Hour
	}
	if cnf.Policy.SweepInterval <= 0 {
		cnf.Policy.SweepInterval = time.Minute
	}
	if cnf.Policy.SweepBatchSize <= 0 {
		cnf.Policy.SweepBatchSize = 100
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

	return nil
}

// SetOtelExporterEnvs copies the exporter settings from the loaded
// configuration into the environment variables the OpenTelemetry SDK
// reads. Values already present in the environment win.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}

	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.Otel.OtelExporterOtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.Otel.OtelExporterOtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.Otel.OtelExporterOtlpHeaders,
	}
	for key, value := range envs {
		if value == "" || os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.validateDefaultsForMock()
	ConfigStore.Store(mockConfig)
}

func (cnf *Configuration) validateDefaultsForMock() {
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.HoldExpiryQueue == "" {
		cnf.Queue.HoldExpiryQueue = "new:hold-expiry"
	}
	if cnf.Queue.SweepQueue == "" {
		cnf.Queue.SweepQueue = "new:sweep"
	}
	if cnf.Queue.WorkerCount <= 0 {
		cnf.Queue.WorkerCount = 1
	}
	if cnf.Policy.FeeBPS == 0 {
		cnf.Policy.FeeBPS = 250
	}
	if cnf.Policy.DeliveryConfirmTimeout <= 0 {
		cnf.Policy.DeliveryConfirmTimeout = 72 * time.Hour
	}
	if cnf.Policy.PaymentTimeout <= 0 {
		cnf.Policy.PaymentTimeout = 30 * time.Minute
	}
	if cnf.Policy.DisputeSLA <= 0 {
		cnf.Policy.DisputeSLA = 48 * time.Hour
	}
	if cnf.Policy.SweepInterval <= 0 {
		cnf.Policy.SweepInterval = time.Minute
	}
	if cnf.Policy.SweepBatchSize <= 0 {
		cnf.Policy.SweepBatchSize = 100
	}
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
