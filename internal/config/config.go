// Package config loads the APSS YAML configuration (spec.md §6), bootstraps
// its well-known directories, and watches CONFIG_DIR for edits so a
// camera's enabled flag can flip without a process restart. Loading itself
// uses gopkg.in/yaml.v3 (grounded on lkumar3-iitr-Sensor-Logger's flat YAML
// device-config loader); hot-reload uses github.com/fsnotify/fsnotify.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Role is one ffmpeg input's purpose.
type Role string

const (
	RoleAudio  Role = "Audio"
	RoleRecord Role = "Record"
	RoleDetect Role = "Detect"
)

// RetainMode selects which events a camera's recorder keeps.
type RetainMode string

const (
	RetainAll           RetainMode = "All"
	RetainMotion        RetainMode = "Motion"
	RetainActiveObjects RetainMode = "ActiveObjects"
)

// Input is one ffmpeg.inputs[] entry.
type Input struct {
	Path  string `yaml:"path"`
	Roles []Role `yaml:"roles"`
}

// FFmpeg holds a camera's input stream list.
type FFmpeg struct {
	Inputs []Input `yaml:"inputs"`
}

// Detect holds a camera's detection-stage tuning.
type Detect struct {
	Enabled        bool `yaml:"enabled"`
	Width          int  `yaml:"width"`
	Height         int  `yaml:"height"`
	FPS            int  `yaml:"fps"`
	MinInitialized int  `yaml:"min_initialized"`
	MaxDisappeared int  `yaml:"max_disappeared"`
}

// Filter is one class's objects.filters entry.
type Filter struct {
	MinArea   float64 `yaml:"min_area"`
	MaxArea   float64 `yaml:"max_area"`
	MinRatio  float64 `yaml:"min_ratio"`
	MaxRatio  float64 `yaml:"max_ratio"`
	Threshold float64 `yaml:"threshold"`
	MinScore  float64 `yaml:"min_score"`
}

// Objects holds a camera's track-set and per-class filters.
type Objects struct {
	Track   []string          `yaml:"track"`
	Filters map[string]Filter `yaml:"filters"`
}

// Retain holds a camera's recording retention policy.
type Retain struct {
	Days int        `yaml:"days"`
	Mode RetainMode `yaml:"mode"`
}

// Record holds a camera's recording configuration.
type Record struct {
	Enabled   bool   `yaml:"enabled"`
	Retain    Retain `yaml:"retain"`
	LossLimit int    `yaml:"loss_limit,omitempty"` // Open Question: overrides events.DefaultTrackerObjectLossLimit
}

// Camera is one entry under the top-level cameras map.
type Camera struct {
	Enabled          bool    `yaml:"enabled"`
	FFmpeg           FFmpeg  `yaml:"ffmpeg"`
	Detect           Detect  `yaml:"detect"`
	Objects          Objects `yaml:"objects"`
	Record           Record  `yaml:"record"`
	PullBasedOrder   bool    `yaml:"pull_based_order"`
	PushBasedTimeout int     `yaml:"push_based_timeout"` // ms, default 100
	PullBasedTimeout int     `yaml:"pull_based_timeout"` // ms, default 20
}

// Model describes one predictor's ONNX model file and IO shape.
type Model struct {
	Path             string `yaml:"path"`
	LabelmapPath     string `yaml:"labelmap_path"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	InputTensor      string `yaml:"input_tensor"`
	InputPixelFormat string `yaml:"input_pixel_format"`
	InputDType       string `yaml:"input_dtype"`
	ModelType        string `yaml:"model_type"`
}

// Predictor is one entry under the top-level predictors map.
type Predictor struct {
	Model     Model  `yaml:"model"`
	EP        string `yaml:"ep"`
	BatchSize int    `yaml:"batch_size"`
	KptShape  [2]int `yaml:"kpt_shape"`
}

// Database holds the sqlite database path.
type Database struct {
	Path string `yaml:"path"`
}

// LPR holds the license-plate-recognition pipeline's configuration.
type LPR struct {
	Enabled              bool     `yaml:"enabled"`
	DetectionThreshold   float64  `yaml:"detection_threshold"`   // default 0.7
	RecognitionThreshold float64  `yaml:"recognition_threshold"` // default 0.9
	VehiclesOfInterest   []string `yaml:"voi"`
}

// Config is the top-level APSS configuration document.
type Config struct {
	Version    string               `yaml:"version"`
	Cameras    map[string]Camera    `yaml:"cameras"`
	Predictors map[string]Predictor `yaml:"predictors"`
	Database   Database             `yaml:"database"`
	LPR        LPR                  `yaml:"lpr"`
}

const (
	defaultDetectionThreshold   = 0.7
	defaultRecognitionThreshold = 0.9
	defaultPushBasedTimeoutMs   = 100
	defaultPullBasedTimeoutMs   = 20
)

// Load reads and parses the YAML document at path, applying spec.md §6's
// documented defaults for omitted fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LPR.DetectionThreshold == 0 {
		cfg.LPR.DetectionThreshold = defaultDetectionThreshold
	}
	if cfg.LPR.RecognitionThreshold == 0 {
		cfg.LPR.RecognitionThreshold = defaultRecognitionThreshold
	}
	for name, cam := range cfg.Cameras {
		if cam.PushBasedTimeout == 0 {
			cam.PushBasedTimeout = defaultPushBasedTimeoutMs
		}
		if cam.PullBasedTimeout == 0 {
			cam.PullBasedTimeout = defaultPullBasedTimeoutMs
		}
		cfg.Cameras[name] = cam
	}
}

// Directories lists the well-known directories relative to the working
// directory (spec.md §6), created at startup if missing.
var Directories = []string{
	"CONFIG_DIR", "RECORD_DIR", "THUMB_DIR", "CLIPS_CACHE_DIR",
	"CACHE_DIR", "MODEL_CACHE_DIR", "EXPORT_DIR",
}

// Bootstrap creates every entry of Directories under root if missing.
func Bootstrap(root string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for _, dir := range Directories {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("config: bootstrap %s: %w", path, err)
		}
		log.Debug("directory ready", "path", path)
	}
	return nil
}
