package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Intake     IntakeConfig     `json:"intake" yaml:"intake"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Processing ProcessingConfig `json:"processing" yaml:"processing"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
	DeadLetter DeadLetterConfig `json:"dead_letter" yaml:"dead_letter"`
	API        APIConfig        `json:"api" yaml:"api"`
}

type IntakeConfig struct {
	REST         RESTConfig    `json:"rest" yaml:"rest"`
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// KafkaTopicConfig configures an outbound publisher (alerts, dead letters).
type KafkaTopicConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type ClassifierConfig struct {
	// MaxPlausibleKWH is the absolute ceiling for a single reading; values at
	// or above it are flagged as sensor glitches.
	MaxPlausibleKWH float64 `json:"max_plausible_kwh" yaml:"max_plausible_kwh"`
}

type ProcessingConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	RetryBackoff    time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	DispatchTimeout time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int              `json:"store_limit" yaml:"store_limit"`
	Kafka      KafkaTopicConfig `json:"kafka" yaml:"kafka"`
}

type DeadLetterConfig struct {
	Kafka KafkaTopicConfig `json:"kafka" yaml:"kafka"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Intake: IntakeConfig{
			REST:         RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:        KafkaConfig{Enabled: false},
			FetchTimeout: 10 * time.Second,
		},
		Classifier: ClassifierConfig{
			MaxPlausibleKWH: 10000,
		},
		Processing: ProcessingConfig{
			MaxAttempts:     3,
			RetryBackoff:    2 * time.Second,
			WriteTimeout:    15 * time.Second,
			DispatchTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:energy.db?_pragma=busy_timeout(5000)"},
		Alerts: AlertsConfig{
			StoreLimit: 1000,
			Kafka:      KafkaTopicConfig{Enabled: false, Topic: "energy.alerts"},
		},
		DeadLetter: DeadLetterConfig{
			Kafka: KafkaTopicConfig{Enabled: false, Topic: "energy.deadletter"},
		},
		API: APIConfig{Enabled: true, Addr: ":8081"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Intake.FetchTimeout <= 0 {
		cfg.Intake.FetchTimeout = 10 * time.Second
	}
	if cfg.Classifier.MaxPlausibleKWH <= 0 {
		cfg.Classifier.MaxPlausibleKWH = 10000
	}
	if cfg.Processing.MaxAttempts <= 0 {
		cfg.Processing.MaxAttempts = 3
	}
	if cfg.Processing.RetryBackoff <= 0 {
		cfg.Processing.RetryBackoff = 2 * time.Second
	}
	if cfg.Processing.WriteTimeout <= 0 {
		cfg.Processing.WriteTimeout = 15 * time.Second
	}
	if cfg.Processing.DispatchTimeout <= 0 {
		cfg.Processing.DispatchTimeout = 5 * time.Second
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Alerts.Kafka.Topic == "" {
		cfg.Alerts.Kafka.Topic = "energy.alerts"
	}
	if cfg.DeadLetter.Kafka.Topic == "" {
		cfg.DeadLetter.Kafka.Topic = "energy.deadletter"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Intake.REST.Enabled && cfg.Intake.REST.Addr == "" {
		return errors.New("intake.rest.addr required when intake.rest.enabled is true")
	}
	if cfg.Intake.Kafka.Enabled {
		if len(cfg.Intake.Kafka.Brokers) == 0 || cfg.Intake.Kafka.Topic == "" || cfg.Intake.Kafka.GroupID == "" {
			return errors.New("intake.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Alerts.Kafka.Enabled && len(cfg.Alerts.Kafka.Brokers) == 0 {
		return errors.New("alerts.kafka requires brokers")
	}
	if cfg.DeadLetter.Kafka.Enabled && len(cfg.DeadLetter.Kafka.Brokers) == 0 {
		return errors.New("dead_letter.kafka requires brokers")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
	if cfg.Classifier.MaxPlausibleKWH <= 0 {
		return errors.New("classifier.max_plausible_kwh must be > 0")
	}
	if cfg.Processing.MaxAttempts < 1 {
		return errors.New("processing.max_attempts must be >= 1")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewManagerFromConfig builds a manager around an already-validated config,
// with no backing file. Reload and Watch are no-ops for such managers.
func NewManagerFromConfig(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
