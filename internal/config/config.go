package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config defines the runtime configuration for the analysis server.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Pose    PoseConfig    `koanf:"pose"`
	Preview PreviewConfig `koanf:"preview"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP listener and request limits.
type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	MaxUploadBytes    int64         `koanf:"max_upload_bytes" validate:"gt=0"`
	MaxConcurrent     int           `koanf:"max_concurrent" validate:"gte=1"`
	CORSOrigins       []string      `koanf:"cors_origins" validate:"min=1"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig holds the directories the server reads and writes.
type StorageConfig struct {
	UploadDir  string `koanf:"upload_dir" validate:"required"`
	ResultsDir string `koanf:"results_dir" validate:"required"`
	ModelDir   string `koanf:"model_dir" validate:"required"`
}

// PoseConfig holds the landmark model and its thresholds.
type PoseConfig struct {
	ModelFile                  string  `koanf:"model_file" validate:"required"`
	Backend                    string  `koanf:"backend" validate:"oneof=auto cpu cuda"`
	NumPoses                   int     `koanf:"num_poses" validate:"gte=1"` // values above 1 behave like 1
	MinPoseDetectionConfidence float64 `koanf:"min_pose_detection_confidence" validate:"gte=0,lte=1"`
	MinPosePresenceConfidence  float64 `koanf:"min_pose_presence_confidence" validate:"gte=0,lte=1"`
	MinTrackingConfidence      float64 `koanf:"min_tracking_confidence" validate:"gte=0,lte=1"`
	InputSize                  int     `koanf:"input_size" validate:"gte=32"`
	LandmarksOutput            string  `koanf:"landmarks_output" validate:"required"`
	PresenceOutput             string  `koanf:"presence_output" validate:"required"`
}

// PreviewConfig controls the skeleton preview image written next to results.
type PreviewConfig struct {
	Enabled  bool `koanf:"enabled"`
	MaxWidth int  `koanf:"max_width" validate:"gte=16"`
}

// LoggingConfig mirrors the -log-level and -log-color flags.
type LoggingConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn warning error silent none"`
	Color bool   `koanf:"color"`
}

// ModelPath returns the full path of the pose model file.
func (c Config) ModelPath() string {
	return filepath.Join(c.Storage.ModelDir, c.Pose.ModelFile)
}

// DefaultConfigPaths lists the config files searched in order when
// CONFIG_PATH is not set.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix is stripped from environment keys; "__" separates sections,
// so POSE_SERVER__ADDR sets server.addr.
const EnvPrefix = "POSE_"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8000",
			MaxUploadBytes:    1 << 30, // 1GB
			MaxConcurrent:     2,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 30,
			RateLimitWindow:   time.Minute,
			ShutdownTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			UploadDir:  "uploads",
			ResultsDir: "results",
			ModelDir:   "models",
		},
		Pose: PoseConfig{
			ModelFile:                  "pose_landmark_heavy.onnx",
			Backend:                    "auto",
			NumPoses:                   1,
			MinPoseDetectionConfidence: 0.5,
			MinPosePresenceConfidence:  0.5,
			MinTrackingConfidence:      0.5,
			InputSize:                  256,
			LandmarksOutput:            "Identity",
			PresenceOutput:             "Identity_1",
		},
		Preview: PreviewConfig{
			Enabled:  true,
			MaxWidth: 480,
		},
		Logging: LoggingConfig{
			Level: "info",
			Color: true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its validate tag.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load layers defaults, an optional YAML file and POSE_ environment
// variables, in that order. An empty path searches CONFIG_PATH and then
// DefaultConfigPaths.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitListField(k, "server.cors_origins"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// splitListField turns a comma separated env value into a list.
func splitListField(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}
