package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aktagon/article-archiver/internal/crawl"
	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/media"
	"github.com/aktagon/article-archiver/internal/upload"
)

const defaultSettingsPath = "settings.yaml"

//go:embed config/settings.yaml
var defaultSettings string

// Settings represents the YAML configuration structure
type Settings struct {
	OutputDirectory string `yaml:"output_directory"`
	Log             struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Fetch struct {
		Mode          string        `yaml:"mode"`
		CDPURL        string        `yaml:"cdp_url"`
		Timeout       time.Duration `yaml:"timeout"`
		MinBytes      int           `yaml:"min_bytes"`
		AntiBotMarker string        `yaml:"anti_bot_marker"`
	} `yaml:"fetch"`
	Crawl struct {
		Delay           string        `yaml:"delay"`
		PauseEvery      int           `yaml:"pause_every"`
		PauseDuration   time.Duration `yaml:"pause_duration"`
		MaxRetries      int           `yaml:"max_retries"`
		BackoffBase     time.Duration `yaml:"backoff_base"`
		BackoffFactor   float64       `yaml:"backoff_factor"`
		AntiBotCooldown time.Duration `yaml:"anti_bot_cooldown"`
		MaxCooldowns    int           `yaml:"max_cooldowns"`
	} `yaml:"crawl"`
	Images struct {
		Enabled   bool          `yaml:"enabled"`
		Referer   string        `yaml:"referer"`
		UserAgent string        `yaml:"user_agent"`
		Retries   int           `yaml:"retries"`
		RetryWait time.Duration `yaml:"retry_wait"`
		MinBytes  int           `yaml:"min_bytes"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"images"`
	Feishu struct {
		BaseURL   string `yaml:"base_url"`
		AppID     string `yaml:"app_id"`
		AppSecret string `yaml:"app_secret"`
	} `yaml:"feishu"`
}

// loadSettings loads settings from settingsPath, falling back to the
// embedded defaults when the file does not exist
func loadSettings(settingsPath string) (*Settings, error) {
	data, err := os.ReadFile(settingsPath)
	if os.IsNotExist(err) {
		return parseSettings(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", settingsPath, err)
	}
	return parseSettings(data)
}

// loadSettingsRequired loads settings from an explicitly given path, which
// must exist
func loadSettingsRequired(settingsPath string) (*Settings, error) {
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", settingsPath, err)
	}
	return parseSettings(data)
}

// parseSettings overlays data on the embedded defaults and applies
// environment overrides
func parseSettings(data []byte) (*Settings, error) {
	var settings Settings
	if err := yaml.Unmarshal([]byte(defaultSettings), &settings); err != nil {
		return nil, fmt.Errorf("parsing default settings: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parsing settings YAML: %w", err)
		}
	}

	if v := os.Getenv("FEISHU_APP_ID"); v != "" {
		settings.Feishu.AppID = v
	}
	if v := os.Getenv("FEISHU_APP_SECRET"); v != "" {
		settings.Feishu.AppSecret = v
	}

	if err := settings.validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) validate() error {
	switch s.Fetch.Mode {
	case fetchModeCDP, fetchModeHTTP:
	default:
		return fmt.Errorf("invalid fetch.mode %q: want %q or %q", s.Fetch.Mode, fetchModeCDP, fetchModeHTTP)
	}
	if _, _, err := parseDelay(s.Crawl.Delay); err != nil {
		return fmt.Errorf("invalid crawl.delay: %w", err)
	}
	if s.Crawl.MaxRetries < 0 {
		return fmt.Errorf("invalid crawl.max_retries %d", s.Crawl.MaxRetries)
	}
	return nil
}

// articlesDir is where article directories are written
func (s *Settings) articlesDir() string {
	return filepath.Join(s.OutputDirectory, "articles")
}

func (s *Settings) loggerConfig(debug bool) logger.Config {
	cfg := logger.Config{Level: s.Log.Level, Development: s.Log.Development}
	if debug {
		cfg.Level = "debug"
	}
	return cfg
}

func (s *Settings) crawlConfig() crawl.Config {
	lo, hi, _ := parseDelay(s.Crawl.Delay)
	return crawl.Config{
		MaxRetries:      s.Crawl.MaxRetries,
		BackoffBase:     s.Crawl.BackoffBase,
		BackoffFactor:   s.Crawl.BackoffFactor,
		AntiBotCooldown: s.Crawl.AntiBotCooldown,
		MaxCooldowns:    s.Crawl.MaxCooldowns,
		DelayMin:        lo,
		DelayMax:        hi,
		PauseEvery:      s.Crawl.PauseEvery,
		PauseDuration:   s.Crawl.PauseDuration,
	}
}

func (s *Settings) mediaConfig() media.Config {
	return media.Config{
		Referer:   s.Images.Referer,
		UserAgent: s.Images.UserAgent,
		Retries:   s.Images.Retries,
		MinBytes:  s.Images.MinBytes,
		Timeout:   s.Images.Timeout,
		RetryWait: s.Images.RetryWait,
	}
}

func (s *Settings) uploadConfig() upload.Config {
	return upload.Config{
		BaseURL:   s.Feishu.BaseURL,
		AppID:     s.Feishu.AppID,
		AppSecret: s.Feishu.AppSecret,
	}
}
