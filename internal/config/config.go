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
}

type EngineConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec
	Command      string  `yaml:"command"`
	SampleRate   int     `yaml:"sample_rate"`
	Channels     int     `yaml:"channels"`
	VoicesPath   string  `yaml:"voices_path"`
	DefaultVoice string  `yaml:"default_voice"`
	DefaultSpeed float64 `yaml:"default_speed"`
}

type PhonemeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Command  string `yaml:"command"`
	Language string `yaml:"language"`
}

type PipelineConfig struct {
	Workers          int `yaml:"workers"`
	MaxInFlight      int `yaml:"max_in_flight"` // 0 means same as workers
	MaxChunkLen      int `yaml:"max_chunk_len"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

type RequestLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Engine      EngineConfig     `yaml:"engine"`
	Phoneme     PhonemeConfig    `yaml:"phoneme"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	RequestLog  RequestLogConfig `yaml:"request_log"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxflow-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engine: EngineConfig{
			Mode:         "mock",
			SampleRate:   24000,
			Channels:     1,
			DefaultVoice: "af_sarah",
			DefaultSpeed: 1.0,
		},
		Phoneme: PhonemeConfig{
			Enabled:  false,
			Language: "en-us",
		},
		Pipeline: PipelineConfig{
			Workers:          2,
			MaxInFlight:      0,
			MaxChunkLen:      400,
			RequestTimeoutMS: 120000,
		},
		RequestLog: RequestLogConfig{
			Enabled:       true,
			Path:          "./data/voxflow-requests.db",
			RetentionDays: 30,
			MaxRequests:   10000,
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
	overrideString(&cfg.RuntimeName, "VOXFLOW_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXFLOW_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXFLOW_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXFLOW_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXFLOW_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXFLOW_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXFLOW_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "VOXFLOW_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOXFLOW_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXFLOW_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOXFLOW_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXFLOW_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXFLOW_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXFLOW_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXFLOW_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXFLOW_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "VOXFLOW_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOXFLOW_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.SampleRate, "VOXFLOW_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "VOXFLOW_ENGINE_CHANNELS")
	overrideString(&cfg.Engine.VoicesPath, "VOXFLOW_ENGINE_VOICES_PATH")
	overrideString(&cfg.Engine.DefaultVoice, "VOXFLOW_ENGINE_DEFAULT_VOICE")
	overrideFloat(&cfg.Engine.DefaultSpeed, "VOXFLOW_ENGINE_DEFAULT_SPEED")
	overrideBool(&cfg.Phoneme.Enabled, "VOXFLOW_PHONEME_ENABLED")
	overrideString(&cfg.Phoneme.Command, "VOXFLOW_PHONEME_COMMAND")
	overrideString(&cfg.Phoneme.Language, "VOXFLOW_PHONEME_LANGUAGE")
	overrideInt(&cfg.Pipeline.Workers, "VOXFLOW_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.MaxInFlight, "VOXFLOW_PIPELINE_MAX_IN_FLIGHT")
	overrideInt(&cfg.Pipeline.MaxChunkLen, "VOXFLOW_PIPELINE_MAX_CHUNK_LEN")
	overrideInt(&cfg.Pipeline.RequestTimeoutMS, "VOXFLOW_PIPELINE_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.RequestLog.Enabled, "VOXFLOW_REQUEST_LOG_ENABLED")
	overrideString(&cfg.RequestLog.Path, "VOXFLOW_REQUEST_LOG_PATH")
	overrideInt(&cfg.RequestLog.RetentionDays, "VOXFLOW_REQUEST_LOG_RETENTION_DAYS")
	overrideInt(&cfg.RequestLog.MaxRequests, "VOXFLOW_REQUEST_LOG_MAX_REQUESTS")
	overrideBool(&cfg.RequestLog.VacuumOnStart, "VOXFLOW_REQUEST_LOG_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Engine.DefaultSpeed <= 0 {
		return errors.New("engine.default_speed must be positive")
	}
	if cfg.Phoneme.Enabled && cfg.Phoneme.Command == "" {
		return errors.New("phoneme.command must be set when phoneme stage is enabled")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Pipeline.MaxInFlight < 0 {
		return errors.New("pipeline.max_in_flight must be >= 0")
	}
	if cfg.Pipeline.MaxChunkLen <= 0 {
		return errors.New("pipeline.max_chunk_len must be positive")
	}
	if cfg.Pipeline.RequestTimeoutMS <= 0 {
		return errors.New("pipeline.request_timeout_ms must be positive")
	}
	if cfg.RequestLog.Enabled {
		if cfg.RequestLog.Path == "" {
			return errors.New("request_log.path must not be empty when enabled")
		}
		if cfg.RequestLog.RetentionDays < 0 {
			return errors.New("request_log.retention_days must be >= 0")
		}
	}
	return nil
}
