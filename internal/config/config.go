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
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ChannelBuffer   int         `json:"channel_buffer" yaml:"channel_buffer"`
	MaxPayloadBytes int64       `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	REST            RESTConfig  `json:"rest" yaml:"rest"`
	Kafka           KafkaConfig `json:"kafka" yaml:"kafka"`
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

type MonitorConfig struct {
	BufferCapacity     int                `json:"buffer_capacity" yaml:"buffer_capacity"`
	AssembleInterval   time.Duration      `json:"assemble_interval" yaml:"assemble_interval"`
	PatternInterval    time.Duration      `json:"pattern_interval" yaml:"pattern_interval"`
	PatternThreshold   int                `json:"pattern_threshold" yaml:"pattern_threshold"`
	AudioFeatureLength int                `json:"audio_feature_length" yaml:"audio_feature_length"`
	AlertCooldown      time.Duration      `json:"alert_cooldown" yaml:"alert_cooldown"`
	AlertThresholds    map[string]float64 `json:"alert_thresholds" yaml:"alert_thresholds"`
	Landmarks          LandmarksConfig    `json:"landmarks" yaml:"landmarks"`
}

type LandmarksConfig struct {
	Pose int `json:"pose" yaml:"pose"`
	Hand int `json:"hand" yaml:"hand"`
	Face int `json:"face" yaml:"face"`
}

type WorkerConfig struct {
	Python         string        `json:"python" yaml:"python"`
	Script         string        `json:"script" yaml:"script"`
	HealthScript   string        `json:"health_script" yaml:"health_script"`
	WorkDir        string        `json:"work_dir" yaml:"work_dir"`
	StagingDir     string        `json:"staging_dir" yaml:"staging_dir"`
	AnalyzeTimeout time.Duration `json:"analyze_timeout" yaml:"analyze_timeout"`
	HealthTimeout  time.Duration `json:"health_timeout" yaml:"health_timeout"`
	BatchTimeout   time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	BatchItemBonus time.Duration `json:"batch_item_bonus" yaml:"batch_item_bonus"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type BroadcastConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

const DefaultAlertThreshold = 0.8

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer:   10000,
			MaxPayloadBytes: 50 << 20,
			REST:            RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:           KafkaConfig{Enabled: false},
		},
		Monitor: MonitorConfig{
			BufferCapacity:     10,
			AssembleInterval:   5 * time.Second,
			PatternInterval:    30 * time.Second,
			PatternThreshold:   10,
			AudioFeatureLength: 10,
			AlertCooldown:      0,
			AlertThresholds:    map[string]float64{},
			Landmarks:          LandmarksConfig{Pose: 33, Hand: 21, Face: 468},
		},
		Worker: WorkerConfig{
			Python:         "python3",
			Script:         "ml/ml_analyzer.py",
			HealthScript:   "ml/health_check.py",
			AnalyzeTimeout: 60 * time.Second,
			HealthTimeout:  10 * time.Second,
			BatchTimeout:   60 * time.Second,
			BatchItemBonus: 15 * time.Second,
		},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:behaviorwatch.db?_pragma=busy_timeout(5000)"},
		Broadcast: BroadcastConfig{Enabled: false, RedisAddr: "localhost:6379", ChannelPrefix: "behaviorwatch"},
		Alerts:    AlertsConfig{StoreLimit: 1000},
	}
}

// AlertThreshold returns the alert threshold for one behavior, falling
// back to the package default when the behavior has no explicit entry.
func (c *Config) AlertThreshold(behavior string) float64 {
	if v, ok := c.Monitor.AlertThresholds[behavior]; ok && v > 0 {
		return v
	}
	return DefaultAlertThreshold
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
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.MaxPayloadBytes <= 0 {
		cfg.Ingest.MaxPayloadBytes = def.Ingest.MaxPayloadBytes
	}
	if cfg.Monitor.BufferCapacity <= 0 {
		cfg.Monitor.BufferCapacity = def.Monitor.BufferCapacity
	}
	if cfg.Monitor.AssembleInterval <= 0 {
		cfg.Monitor.AssembleInterval = def.Monitor.AssembleInterval
	}
	if cfg.Monitor.PatternInterval <= 0 {
		cfg.Monitor.PatternInterval = def.Monitor.PatternInterval
	}
	if cfg.Monitor.PatternThreshold <= 0 {
		cfg.Monitor.PatternThreshold = def.Monitor.PatternThreshold
	}
	if cfg.Monitor.AudioFeatureLength <= 0 {
		cfg.Monitor.AudioFeatureLength = def.Monitor.AudioFeatureLength
	}
	if cfg.Monitor.AlertThresholds == nil {
		cfg.Monitor.AlertThresholds = map[string]float64{}
	}
	if cfg.Monitor.Landmarks.Pose <= 0 {
		cfg.Monitor.Landmarks.Pose = def.Monitor.Landmarks.Pose
	}
	if cfg.Monitor.Landmarks.Hand <= 0 {
		cfg.Monitor.Landmarks.Hand = def.Monitor.Landmarks.Hand
	}
	if cfg.Monitor.Landmarks.Face <= 0 {
		cfg.Monitor.Landmarks.Face = def.Monitor.Landmarks.Face
	}
	if cfg.Worker.Python == "" {
		cfg.Worker.Python = def.Worker.Python
	}
	if cfg.Worker.AnalyzeTimeout <= 0 {
		cfg.Worker.AnalyzeTimeout = def.Worker.AnalyzeTimeout
	}
	if cfg.Worker.HealthTimeout <= 0 {
		cfg.Worker.HealthTimeout = def.Worker.HealthTimeout
	}
	if cfg.Worker.BatchTimeout <= 0 {
		cfg.Worker.BatchTimeout = def.Worker.BatchTimeout
	}
	if cfg.Worker.BatchItemBonus < 0 {
		cfg.Worker.BatchItemBonus = def.Worker.BatchItemBonus
	}
	if cfg.Broadcast.ChannelPrefix == "" {
		cfg.Broadcast.ChannelPrefix = def.Broadcast.ChannelPrefix
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Worker.Script == "" {
		return errors.New("worker.script is required")
	}
	if cfg.Broadcast.Enabled && cfg.Broadcast.RedisAddr == "" {
		return errors.New("broadcast.redis_addr required when broadcast.enabled is true")
	}
	for behavior, v := range cfg.Monitor.AlertThresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("monitor.alert_thresholds[%s] must be in [0,1]", behavior)
		}
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

// NewStaticManager wraps an in-memory config with no backing file. Used
// when the service runs on defaults, and in tests.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
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

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
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
