package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"vigil/internal/model"
)

type Config struct {
	LogLevel      string               `json:"log_level" yaml:"log_level"`
	Streams       []model.StreamConfig `json:"streams" yaml:"streams"`
	Capture       CaptureConfig        `json:"capture" yaml:"capture"`
	Inference     InferenceConfig      `json:"inference" yaml:"inference"`
	Detection     DetectionConfig      `json:"detection" yaml:"detection"`
	Notifications NotificationsConfig  `json:"notifications" yaml:"notifications"`
	Hub           HubConfig            `json:"hub" yaml:"hub"`
	API           APIConfig            `json:"api" yaml:"api"`
	Storage       StorageConfig        `json:"storage" yaml:"storage"`
	Export        ExportConfig         `json:"export" yaml:"export"`
	Retention     RetentionConfig      `json:"retention" yaml:"retention"`
	Alerts        AlertsConfig         `json:"alerts" yaml:"alerts"`
}

type CaptureConfig struct {
	FFmpegPath       string        `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	Transport        string        `json:"transport" yaml:"transport"`
	FrameWidth       int           `json:"frame_width" yaml:"frame_width"`
	FrameHeight      int           `json:"frame_height" yaml:"frame_height"`
	FrameSkip        int           `json:"frame_skip" yaml:"frame_skip"`
	ReadTimeout      time.Duration `json:"read_timeout" yaml:"read_timeout"`
	ReconnectInitial time.Duration `json:"reconnect_initial" yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `json:"reconnect_max" yaml:"reconnect_max"`
}

type InferenceConfig struct {
	URL              string        `json:"url" yaml:"url"`
	ModelName        string        `json:"model_name" yaml:"model_name"`
	ModelVersion     string        `json:"model_version" yaml:"model_version"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	OfflineThreshold int           `json:"offline_threshold" yaml:"offline_threshold"`
}

type DetectionConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	GraceFrames         int     `json:"grace_frames" yaml:"grace_frames"`
}

type NotificationsConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	BotToken             string        `json:"bot_token" yaml:"bot_token"`
	ChatID               string        `json:"chat_id" yaml:"chat_id"`
	NotificationInterval time.Duration `json:"notification_interval" yaml:"notification_interval"`
	MaxPerEvent          int           `json:"max_per_event" yaml:"max_per_event"`
	SendThumbnails       bool          `json:"send_thumbnails" yaml:"send_thumbnails"`
	CriticalThreshold    float64       `json:"critical_threshold" yaml:"critical_threshold"`
}

type HubConfig struct {
	FrameQueue     int           `json:"frame_queue" yaml:"frame_queue"`
	StatusInterval time.Duration `json:"status_interval" yaml:"status_interval"`
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

type ExportConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type RetentionConfig struct {
	Days int `json:"days" yaml:"days"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			FFmpegPath:       "ffmpeg",
			Transport:        "tcp",
			FrameWidth:       640,
			FrameHeight:      480,
			FrameSkip:        3,
			ReadTimeout:      10 * time.Second,
			ReconnectInitial: 1 * time.Second,
			ReconnectMax:     30 * time.Second,
		},
		Inference: InferenceConfig{
			URL:              "http://localhost:8000",
			ModelName:        "violence_model",
			ModelVersion:     "1",
			Timeout:          5 * time.Second,
			OfflineThreshold: 3,
		},
		Detection: DetectionConfig{
			ConfidenceThreshold: 0.7,
			GraceFrames:         2,
		},
		Notifications: NotificationsConfig{
			Enabled:              false,
			NotificationInterval: 300 * time.Second,
			MaxPerEvent:          5,
			SendThumbnails:       true,
			CriticalThreshold:    0.8,
		},
		Hub: HubConfig{
			FrameQueue:     8,
			StatusInterval: 1 * time.Second,
		},
		API:       APIConfig{Enabled: true, Addr: ":8003"},
		Storage:   StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:vigil.db?_pragma=busy_timeout(5000)"},
		Export:    ExportConfig{Enabled: false, Topic: "vigil.detections"},
		Retention: RetentionConfig{Days: 30},
		Alerts:    AlertsConfig{StoreLimit: 1000},
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
	if cfg.Capture.FFmpegPath == "" {
		cfg.Capture.FFmpegPath = "ffmpeg"
	}
	if cfg.Capture.Transport == "" {
		cfg.Capture.Transport = "tcp"
	}
	if cfg.Capture.FrameWidth <= 0 {
		cfg.Capture.FrameWidth = 640
	}
	if cfg.Capture.FrameHeight <= 0 {
		cfg.Capture.FrameHeight = 480
	}
	if cfg.Capture.FrameSkip <= 0 {
		cfg.Capture.FrameSkip = 3
	}
	if cfg.Capture.ReadTimeout <= 0 {
		cfg.Capture.ReadTimeout = 10 * time.Second
	}
	if cfg.Capture.ReconnectInitial <= 0 {
		cfg.Capture.ReconnectInitial = 1 * time.Second
	}
	if cfg.Capture.ReconnectMax < cfg.Capture.ReconnectInitial {
		cfg.Capture.ReconnectMax = 30 * time.Second
	}
	if cfg.Inference.Timeout <= 0 {
		cfg.Inference.Timeout = 5 * time.Second
	}
	if cfg.Inference.OfflineThreshold <= 0 {
		cfg.Inference.OfflineThreshold = 3
	}
	if cfg.Detection.GraceFrames <= 0 {
		cfg.Detection.GraceFrames = 2
	}
	if cfg.Notifications.NotificationInterval <= 0 {
		cfg.Notifications.NotificationInterval = 300 * time.Second
	}
	if cfg.Notifications.MaxPerEvent <= 0 {
		cfg.Notifications.MaxPerEvent = 5
	}
	if cfg.Notifications.CriticalThreshold <= 0 {
		cfg.Notifications.CriticalThreshold = 0.8
	}
	if cfg.Hub.FrameQueue <= 0 {
		cfg.Hub.FrameQueue = 8
	}
	if cfg.Hub.StatusInterval <= 0 {
		cfg.Hub.StatusInterval = 1 * time.Second
	}
	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = 30
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Inference.URL == "" {
		return errors.New("inference.url is required")
	}
	if cfg.Inference.ModelName == "" {
		return errors.New("inference.model_name is required")
	}
	if cfg.Detection.ConfidenceThreshold <= 0 || cfg.Detection.ConfidenceThreshold > 1 {
		return errors.New("detection.confidence_threshold must be in (0, 1]")
	}
	if cfg.Notifications.CriticalThreshold <= 0 || cfg.Notifications.CriticalThreshold > 1 {
		return errors.New("notifications.critical_threshold must be in (0, 1]")
	}
	if cfg.Export.Enabled {
		if len(cfg.Export.Brokers) == 0 || cfg.Export.Topic == "" {
			return errors.New("export requires brokers and topic when enabled")
		}
	}
	seen := make(map[string]struct{}, len(cfg.Streams))
	for _, s := range cfg.Streams {
		if s.ID == "" {
			return errors.New("streams entries require an id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate stream id in config: %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if err := ValidateStreamURL(s.URL); err != nil {
			return fmt.Errorf("stream %q: %w", s.ID, err)
		}
	}
	return nil
}

// ValidateStreamURL accepts rtsp/rtsps URLs with a host.
func ValidateStreamURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	switch u.Scheme {
	case "rtsp", "rtsps":
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url is missing a host")
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

// NewStaticManager wraps an in-memory config with no backing file. Used in
// tests and when running without a config file on disk.
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

// Update swaps the active snapshot and persists it. Hot-path readers pick
// up the new snapshot on their next Get.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
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
