package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	AppName       string              `yaml:"app_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Recording     RecordingConfig     `yaml:"recording"`
	Audio         AudioConfig         `yaml:"audio"`
	Store         StoreConfig         `yaml:"store"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type TranscriptionConfig struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	SampleRate         int    `yaml:"sample_rate"`
	FormatTurns        bool   `yaml:"format_turns"`
	MaxRetries         int    `yaml:"max_retries"`
	InitialBackoffMS   int    `yaml:"initial_backoff_ms"`
	MaxRetryElapsedMS  int    `yaml:"max_retry_elapsed_ms"`
	SilenceThresholdMS int    `yaml:"silence_threshold_ms"`
	KeepAliveEnabled   bool   `yaml:"keep_alive_enabled"`
	KeepAliveSeconds   int    `yaml:"keep_alive_interval_s"`
}

type RecordingConfig struct {
	StopTimeoutMS        int  `yaml:"stop_timeout_ms"`
	AbortOnStreamFailure bool `yaml:"abort_on_stream_failure"`
}

type AudioConfig struct {
	SampleRate   int    `yaml:"sample_rate"`
	FrameSamples int    `yaml:"frame_samples"`
	CaptureWAV   bool   `yaml:"capture_wav"`
	CaptureDir   string `yaml:"capture_dir"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecordings int    `yaml:"max_recordings"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		AppName:     "assembly-notes",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8390,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "notes",
		},
		Transcription: TranscriptionConfig{
			BaseURL:            "wss://streaming.assemblyai.com/v3/ws",
			SampleRate:         16000,
			FormatTurns:        true,
			MaxRetries:         6,
			InitialBackoffMS:   500,
			MaxRetryElapsedMS:  60000,
			SilenceThresholdMS: 0,
			KeepAliveEnabled:   true,
			KeepAliveSeconds:   30,
		},
		Recording: RecordingConfig{
			StopTimeoutMS:        5000,
			AbortOnStreamFailure: false,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			FrameSamples: 4096,
			CaptureWAV:   false,
			CaptureDir:   "./data/captures",
		},
		Store: StoreConfig{
			Path:          "./data/recordings.db",
			RetentionDays: 0,
			MaxRecordings: 0,
		},
	}
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.AppName, "ASSEMBLY_APP_NAME")
	overrideString(&cfg.Environment, "ASSEMBLY_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ASSEMBLY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ASSEMBLY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ASSEMBLY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ASSEMBLY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ASSEMBLY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "ASSEMBLY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ASSEMBLY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ASSEMBLY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ASSEMBLY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ASSEMBLY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ASSEMBLY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ASSEMBLY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ASSEMBLY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ASSEMBLY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "ASSEMBLY_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Transcription.APIKey, "ASSEMBLY_TRANSCRIPTION_API_KEY")
	overrideString(&cfg.Transcription.BaseURL, "ASSEMBLY_TRANSCRIPTION_BASE_URL")
	overrideInt(&cfg.Transcription.SampleRate, "ASSEMBLY_TRANSCRIPTION_SAMPLE_RATE")
	overrideBool(&cfg.Transcription.FormatTurns, "ASSEMBLY_TRANSCRIPTION_FORMAT_TURNS")
	overrideInt(&cfg.Transcription.MaxRetries, "ASSEMBLY_TRANSCRIPTION_MAX_RETRIES")
	overrideInt(&cfg.Transcription.InitialBackoffMS, "ASSEMBLY_TRANSCRIPTION_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Transcription.MaxRetryElapsedMS, "ASSEMBLY_TRANSCRIPTION_MAX_RETRY_ELAPSED_MS")
	overrideInt(&cfg.Transcription.SilenceThresholdMS, "ASSEMBLY_TRANSCRIPTION_SILENCE_THRESHOLD_MS")
	overrideBool(&cfg.Transcription.KeepAliveEnabled, "ASSEMBLY_TRANSCRIPTION_KEEP_ALIVE_ENABLED")
	overrideInt(&cfg.Transcription.KeepAliveSeconds, "ASSEMBLY_TRANSCRIPTION_KEEP_ALIVE_INTERVAL_S")
	overrideInt(&cfg.Recording.StopTimeoutMS, "ASSEMBLY_RECORDING_STOP_TIMEOUT_MS")
	overrideBool(&cfg.Recording.AbortOnStreamFailure, "ASSEMBLY_RECORDING_ABORT_ON_STREAM_FAILURE")
	overrideInt(&cfg.Audio.SampleRate, "ASSEMBLY_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSamples, "ASSEMBLY_AUDIO_FRAME_SAMPLES")
	overrideBool(&cfg.Audio.CaptureWAV, "ASSEMBLY_AUDIO_CAPTURE_WAV")
	overrideString(&cfg.Audio.CaptureDir, "ASSEMBLY_AUDIO_CAPTURE_DIR")
	overrideString(&cfg.Store.Path, "ASSEMBLY_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "ASSEMBLY_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxRecordings, "ASSEMBLY_STORE_MAX_RECORDINGS")
	overrideBool(&cfg.Store.VacuumOnStart, "ASSEMBLY_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.AppName == "" {
		return errors.New("app_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when the bus is enabled")
	}
	if cfg.Bus.Embedded && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
		return errors.New("bus.port must be between 1 and 65535 when the embedded broker is enabled")
	}
	if cfg.Transcription.BaseURL == "" {
		return errors.New("transcription.base_url must not be empty")
	}
	if !strings.HasPrefix(cfg.Transcription.BaseURL, "ws://") && !strings.HasPrefix(cfg.Transcription.BaseURL, "wss://") {
		return errors.New("transcription.base_url must be a ws:// or wss:// URL")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.Transcription.MaxRetries < 0 {
		return errors.New("transcription.max_retries must be >= 0")
	}
	if cfg.Transcription.InitialBackoffMS <= 0 {
		return errors.New("transcription.initial_backoff_ms must be positive")
	}
	if cfg.Transcription.MaxRetryElapsedMS < 0 {
		return errors.New("transcription.max_retry_elapsed_ms must be >= 0")
	}
	if cfg.Transcription.KeepAliveEnabled && cfg.Transcription.KeepAliveSeconds <= 0 {
		return errors.New("transcription.keep_alive_interval_s must be positive when keep-alive is enabled")
	}
	if cfg.Recording.StopTimeoutMS <= 0 {
		return errors.New("recording.stop_timeout_ms must be positive")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return errors.New("audio.frame_samples must be positive")
	}
	if cfg.Audio.CaptureWAV && cfg.Audio.CaptureDir == "" {
		return errors.New("audio.capture_dir must not be empty when capture_wav is enabled")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxRecordings < 0 {
		return errors.New("store.max_recordings must be >= 0")
	}
	return nil
}
