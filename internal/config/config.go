package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	AllowedOrigin string `yaml:"allowed_origin"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	ScratchDir  string           `yaml:"scratch_dir"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Whisper     WhisperConfig    `yaml:"whisper"`
	Transcode   TranscodeConfig  `yaml:"transcode"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Logs        LogsConfig       `yaml:"logs"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type WhisperConfig struct {
	Mode       string `yaml:"mode"` // exec, mock
	InstallDir string `yaml:"install_dir"`
	Model      string `yaml:"model"`
	Binary     string `yaml:"binary"`
	Language   string `yaml:"language"`
	ExtraArgs  string `yaml:"extra_args"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// ModelDir is the directory holding ggml model files.
func (w WhisperConfig) ModelDir() string {
	return filepath.Join(w.InstallDir, "models")
}

type TranscodeConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type RecorderConfig struct {
	Command       string `yaml:"command"`
	StopCommand   string `yaml:"stop_command"`
	Extension     string `yaml:"extension"`
	StopTimeoutMS int    `yaml:"stop_timeout_ms"`
}

type LogsConfig struct {
	Capacity int `yaml:"capacity"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	NodeID         string   `yaml:"node_id"`
	HeartbeatMS    int      `yaml:"heartbeat_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-whisperd",
		Environment: "development",
		ScratchDir:  os.TempDir(),
		HTTP: HTTPConfig{
			Bind:          "127.0.0.1",
			Port:          9876,
			AllowedOrigin: "http://localhost:5173",
			MaxBodyBytes:  50 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Whisper: WhisperConfig{
			Mode:       "exec",
			InstallDir: defaultInstallDir(),
			Model:      "ggml-base.en.bin",
			Language:   "en",
			TimeoutMS:  60000,
		},
		Transcode: TranscodeConfig{
			FFmpegPath: "ffmpeg",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  30000,
		},
		Recorder: RecorderConfig{
			Command:       "termux-microphone-record -f {file} -l 0 -s 7",
			StopCommand:   "termux-microphone-record -q",
			Extension:     ".amr",
			StopTimeoutMS: 5000,
		},
		Logs: LogsConfig{
			Capacity: 200,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			NodeID:         "whisperd-local",
			HeartbeatMS:    5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/whisperd-jobs.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxJobs:       5000,
		},
	}
}

func defaultInstallDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "whisper-stt"
	}
	return filepath.Join(home, "whisper-stt")
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Whisper.InstallDir = expandHome(cfg.Whisper.InstallDir)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// names inherited from the original whisper-server deployment
	overrideString(&cfg.Whisper.InstallDir, "WHISPER_INSTALL_DIR")
	overrideString(&cfg.Whisper.Model, "WHISPER_MODEL")
	overrideString(&cfg.Whisper.Binary, "WHISPER_BIN")
	overrideString(&cfg.HTTP.AllowedOrigin, "CORS_ORIGIN")
	overrideInt(&cfg.HTTP.Port, "WHISPER_PORT")

	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.ScratchDir, "LOQA_SCRATCH_DIR")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LOQA_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Whisper.Mode, "LOQA_WHISPER_MODE")
	overrideString(&cfg.Whisper.Language, "LOQA_WHISPER_LANGUAGE")
	overrideString(&cfg.Whisper.ExtraArgs, "LOQA_WHISPER_EXTRA_ARGS")
	overrideInt(&cfg.Whisper.TimeoutMS, "LOQA_WHISPER_TIMEOUT_MS")
	overrideString(&cfg.Transcode.FFmpegPath, "LOQA_TRANSCODE_FFMPEG_PATH")
	overrideInt(&cfg.Transcode.SampleRate, "LOQA_TRANSCODE_SAMPLE_RATE")
	overrideInt(&cfg.Transcode.Channels, "LOQA_TRANSCODE_CHANNELS")
	overrideInt(&cfg.Transcode.TimeoutMS, "LOQA_TRANSCODE_TIMEOUT_MS")
	overrideString(&cfg.Recorder.Command, "LOQA_RECORDER_COMMAND")
	overrideString(&cfg.Recorder.StopCommand, "LOQA_RECORDER_STOP_COMMAND")
	overrideString(&cfg.Recorder.Extension, "LOQA_RECORDER_EXTENSION")
	overrideInt(&cfg.Recorder.StopTimeoutMS, "LOQA_RECORDER_STOP_TIMEOUT_MS")
	overrideInt(&cfg.Logs.Capacity, "LOQA_LOGS_CAPACITY")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "LOQA_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatMS, "LOQA_BUS_HEARTBEAT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.AllowedOrigin == "" {
		return errors.New("http.allowed_origin must not be empty")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Whisper.Mode {
	case "exec", "mock":
	default:
		return errors.New("whisper.mode must be one of exec|mock")
	}
	if cfg.Whisper.Model == "" {
		return errors.New("whisper.model must not be empty")
	}
	if cfg.Whisper.TimeoutMS <= 0 {
		return errors.New("whisper.timeout_ms must be positive")
	}
	if cfg.Transcode.FFmpegPath == "" {
		return errors.New("transcode.ffmpeg_path must not be empty")
	}
	if cfg.Transcode.SampleRate <= 0 {
		return errors.New("transcode.sample_rate must be positive")
	}
	if cfg.Transcode.Channels <= 0 {
		return errors.New("transcode.channels must be positive")
	}
	if cfg.Transcode.TimeoutMS <= 0 {
		return errors.New("transcode.timeout_ms must be positive")
	}
	if cfg.Recorder.Command == "" {
		return errors.New("recorder.command must not be empty")
	}
	if !strings.Contains(cfg.Recorder.Command, "{file}") {
		return errors.New("recorder.command must contain the {file} placeholder")
	}
	if cfg.Recorder.StopTimeoutMS <= 0 {
		return errors.New("recorder.stop_timeout_ms must be positive")
	}
	if cfg.Logs.Capacity <= 0 {
		return errors.New("logs.capacity must be >= 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.NodeID == "" {
			return errors.New("bus.node_id must not be empty")
		}
		if cfg.Bus.HeartbeatMS <= 0 {
			return errors.New("bus.heartbeat_ms must be positive")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionMode == "persistent" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty when retention_mode=persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
