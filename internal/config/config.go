// Package config loads application settings from defaults, an optional YAML
// file and BEYONDCALL_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Dalmarthas/Beyond-Call/internal/db"
)

// EnvPrefix is prepended to every environment override, for example
// BEYONDCALL_GENERATION__OLLAMA_URL.
const EnvPrefix = "BEYONDCALL"

// AppConfig is the validated application configuration.
type AppConfig struct {
	DataDir  string `mapstructure:"data_dir" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// LogFile defaults to beyondcall.log in the data dir.
	LogFile string `mapstructure:"log_file"`
	// SocketPath defaults to beyondcall.sock in the data dir.
	SocketPath string `mapstructure:"socket_path"`

	Capture    CaptureConfig    `mapstructure:"capture" validate:"required"`
	Recording  RecordingConfig  `mapstructure:"recording" validate:"required"`
	Whisper    WhisperConfig    `mapstructure:"whisper" validate:"required"`
	Generation GenerationConfig `mapstructure:"generation" validate:"required"`
}

type CaptureConfig struct {
	FFmpegPath       string        `mapstructure:"ffmpeg_path" validate:"required"`
	SystemHelperPath string        `mapstructure:"system_helper_path" validate:"required"`
	EmitInterval     time.Duration `mapstructure:"emit_interval" validate:"gt=0"`
	NoSignalTimeout  time.Duration `mapstructure:"no_signal_timeout" validate:"gt=0"`
	StartGrace       time.Duration `mapstructure:"start_grace" validate:"gt=0"`
}

type RecordingConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	History     int           `mapstructure:"history" validate:"gte=1"`
}

type WhisperConfig struct {
	CLIPath     string        `mapstructure:"cli_path"`
	PythonPath  string        `mapstructure:"python_path"`
	ModelPath   string        `mapstructure:"model_path"`
	BaseTimeout time.Duration `mapstructure:"base_timeout" validate:"gt=0"`
	// TimeoutPerAudioSecond scales the budget with recording length.
	TimeoutPerAudioSecond float64 `mapstructure:"timeout_per_audio_second" validate:"gt=0"`
}

type GenerationConfig struct {
	OllamaURL string        `mapstructure:"ollama_url" validate:"required,url"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// DBPath is the SQLite database inside the data dir.
func (c *AppConfig) DBPath() string {
	return db.DefaultDBPath(c.DataDir)
}

// InitConfig builds a viper instance with defaults, the optional config file
// at path and environment overrides. An empty path looks for beyondcall.yaml
// in the default data dir and the working directory; a missing file there is
// not an error.
func InitConfig(path string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	setDefault(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// whisper tooling conventionally reads the model from WHISPER_MODEL_PATH.
	if err := v.BindEnv("whisper__model_path", EnvPrefix+"_WHISPER__MODEL_PATH", "WHISPER_MODEL_PATH"); err != nil {
		return nil, err
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("beyondcall")
	v.AddConfigPath(defaultDataDir())
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("DATA_DIR", defaultDataDir())
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("SOCKET_PATH", "")

	v.SetDefault("CAPTURE__FFMPEG_PATH", "ffmpeg")
	v.SetDefault("CAPTURE__SYSTEM_HELPER_PATH", "screen_capture_audio")
	v.SetDefault("CAPTURE__EMIT_INTERVAL", 200*time.Millisecond)
	v.SetDefault("CAPTURE__NO_SIGNAL_TIMEOUT", 2500*time.Millisecond)
	v.SetDefault("CAPTURE__START_GRACE", 350*time.Millisecond)

	v.SetDefault("RECORDING__STOP_TIMEOUT", 10*time.Second)
	v.SetDefault("RECORDING__HISTORY", 64)

	v.SetDefault("WHISPER__CLI_PATH", "")
	v.SetDefault("WHISPER__PYTHON_PATH", "")
	v.SetDefault("WHISPER__MODEL_PATH", "")
	v.SetDefault("WHISPER__BASE_TIMEOUT", 2*time.Minute)
	v.SetDefault("WHISPER__TIMEOUT_PER_AUDIO_SECOND", 3.0)

	v.SetDefault("GENERATION__OLLAMA_URL", "http://127.0.0.1:11434")
	v.SetDefault("GENERATION__TIMEOUT", 5*time.Minute)
}

// GetApplicationConfig decodes and validates the configuration held by v.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.LogFile == "" {
		config.LogFile = filepath.Join(config.DataDir, "beyondcall.log")
	}
	if config.SocketPath == "" {
		config.SocketPath = filepath.Join(config.DataDir, "beyondcall.sock")
	}
	return &config, nil
}

// Load is InitConfig followed by GetApplicationConfig.
func Load(path string) (*AppConfig, error) {
	v, err := InitConfig(path)
	if err != nil {
		return nil, err
	}
	return GetApplicationConfig(v)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "BeyondCall")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".beyondcall")
}
