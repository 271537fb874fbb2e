package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"rgbd-replay-go/internal/engine"
)

const (
	DefaultPort              = 8888
	DefaultEngineEndpoint    = "tcp://localhost:31002"
	DefaultEngineSendTimeout = 2 * time.Second
	DefaultPlaybackRate      = "fps"
	DefaultUIRate            = 100 * time.Millisecond
	DefaultPreviewWidth      = 640
	DefaultOutputDir         = "output"
	DefaultRawLogDir         = "rawlog"
	DefaultDepthEncoding     = engine.DepthFloat32
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"

	EnvPrefix      = "RGBD_REPLAY"
	ConfigFileName = "rgbd-replay"
)

type AppConfig struct {
	ImageFolder  string
	IndexFile    string
	CalibFile    string
	SettingsFile string

	Reverse           bool
	Port              int
	EngineEndpoint    string
	EngineSendTimeout time.Duration
	DryRun            bool
	PlaybackRate      string
	IdleWait          time.Duration
	UIRate            time.Duration
	PreviewWidth      int
	OutputDir         string
	Timings           bool
	RawLogEnabled     bool
	RawLogDir         string
	DepthEncoding     string
	StartPaused       bool
	LogLevel          string
	LogFormat         string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// NewViper returns a viper instance with defaults, RGBD_REPLAY_* environment
// variables and an optional rgbd-replay.yaml in the working directory or the
// XDG config home.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("reverse", false)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("engine-endpoint", DefaultEngineEndpoint)
	v.SetDefault("engine-send-timeout", DefaultEngineSendTimeout)
	v.SetDefault("dry-run", false)
	v.SetDefault("playback-rate", DefaultPlaybackRate)
	v.SetDefault("idle-wait", time.Duration(0))
	v.SetDefault("ui-rate", DefaultUIRate)
	v.SetDefault("preview-width", DefaultPreviewWidth)
	v.SetDefault("output-dir", DefaultOutputDir)
	v.SetDefault("timings", false)
	v.SetDefault("raw-log", false)
	v.SetDefault("raw-log-dir", DefaultRawLogDir)
	v.SetDefault("depth-encoding", DefaultDepthEncoding)
	v.SetDefault("start-paused", false)
	v.SetDefault("log-level", DefaultLogLevel)
	v.SetDefault("log-format", DefaultLogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, ConfigFileName))
	return v
}

// ReadConfigFile loads the config file if one exists. A missing file is not
// an error.
func ReadConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load builds the AppConfig from the positional arguments
// imageFolder indexFile calibFile [settingsFile] and the viper settings.
func Load(v *viper.Viper, args []string) (AppConfig, error) {
	if len(args) < 3 || len(args) > 4 {
		return AppConfig{}, ValidationError{
			Field:   "args",
			Message: "need imageFolder, indexFile, calibFile and an optional settingsFile",
		}
	}
	cfg := AppConfig{
		ImageFolder:       args[0],
		IndexFile:         args[1],
		CalibFile:         args[2],
		Reverse:           v.GetBool("reverse"),
		Port:              v.GetInt("port"),
		EngineEndpoint:    v.GetString("engine-endpoint"),
		EngineSendTimeout: v.GetDuration("engine-send-timeout"),
		DryRun:            v.GetBool("dry-run"),
		PlaybackRate:      v.GetString("playback-rate"),
		IdleWait:          v.GetDuration("idle-wait"),
		UIRate:            v.GetDuration("ui-rate"),
		PreviewWidth:      v.GetInt("preview-width"),
		OutputDir:         v.GetString("output-dir"),
		Timings:           v.GetBool("timings"),
		RawLogEnabled:     v.GetBool("raw-log"),
		RawLogDir:         v.GetString("raw-log-dir"),
		DepthEncoding:     v.GetString("depth-encoding"),
		StartPaused:       v.GetBool("start-paused"),
		LogLevel:          v.GetString("log-level"),
		LogFormat:         v.GetString("log-format"),
	}
	if len(args) == 4 {
		cfg.SettingsFile = args[3]
	}
	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func Validate(cfg AppConfig) error {
	if cfg.ImageFolder == "" {
		return ValidationError{Field: "imageFolder", Message: "must not be empty"}
	}
	if cfg.IndexFile == "" {
		return ValidationError{Field: "indexFile", Message: "must not be empty"}
	}
	if cfg.CalibFile == "" {
		return ValidationError{Field: "calibFile", Message: "must not be empty"}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return ValidationError{Field: "port", Message: "must be between 0 and 65535"}
	}
	if !cfg.DryRun && cfg.EngineEndpoint == "" {
		return ValidationError{Field: "engine-endpoint", Message: "required unless dry-run is set"}
	}
	if cfg.IdleWait < 0 {
		return ValidationError{Field: "idle-wait", Message: "must not be negative"}
	}
	if cfg.UIRate <= 0 {
		return ValidationError{Field: "ui-rate", Message: "must be positive"}
	}
	if cfg.PreviewWidth < 0 {
		return ValidationError{Field: "preview-width", Message: "must not be negative"}
	}
	if !engine.ValidDepthEncoding(cfg.DepthEncoding) {
		return ValidationError{Field: "depth-encoding", Message: fmt.Sprintf("unknown encoding %q", cfg.DepthEncoding)}
	}
	if cfg.Timings && cfg.OutputDir == "" {
		return ValidationError{Field: "output-dir", Message: "required when timings are enabled"}
	}
	if cfg.RawLogEnabled && cfg.RawLogDir == "" {
		return ValidationError{Field: "raw-log-dir", Message: "required when raw-log is enabled"}
	}
	return nil
}
