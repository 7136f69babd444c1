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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// TraceSampleRatio is the fraction of root spans recorded, 0 to 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind                string `yaml:"bind"`
	Port                int    `yaml:"port"`
	ReadHeaderTimeoutMS int    `yaml:"read_header_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	API         APIConfig        `yaml:"api"`
	Worker      WorkerConfig     `yaml:"worker"`
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
	StoreDir       string   `yaml:"store_dir"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig selects the synthesis engine behind the HTTP API.
type EngineConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, bus
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Workers    int    `yaml:"workers"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	Subject    string `yaml:"subject"`
}

type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MaxInputChars int    `yaml:"max_input_chars"`
	DefaultVoice  string `yaml:"default_voice"`
	DefaultFormat string `yaml:"default_format"`
	StreamBuffer  int    `yaml:"stream_buffer"`
	WebSocket     bool   `yaml:"websocket"`
}

// WorkerConfig turns the process into a bus worker that serves synthesis
// requests with its local engine.
type WorkerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Subject           string `yaml:"subject"`
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

const MaxWorkers = 8

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:                "0.0.0.0",
			Port:                8880,
			ReadHeaderTimeoutMS: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Engine: EngineConfig{
			Mode:       "mock",
			SampleRate: 24000,
			Workers:    1,
			TimeoutMS:  60000,
			Subject:    "tts.synthesize",
		},
		API: APIConfig{
			Enabled:       true,
			MaxInputChars: 4096,
			DefaultVoice:  "af_alloy",
			DefaultFormat: "wav",
			StreamBuffer:  8,
			WebSocket:     true,
		},
		Worker: WorkerConfig{
			Enabled:           false,
			Subject:           "tts.synthesize",
			NodeID:            "loqa-tts-worker-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideInt(&cfg.HTTP.ReadHeaderTimeoutMS, "LOQA_TTS_HTTP_READ_HEADER_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TTS_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TTS_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "LOQA_TTS_BUS_STORE_DIR")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_TTS_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "LOQA_TTS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_TTS_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_TTS_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Workers, "LOQA_TTS_ENGINE_WORKERS")
	overrideInt(&cfg.Engine.TimeoutMS, "LOQA_TTS_ENGINE_TIMEOUT_MS")
	overrideString(&cfg.Engine.Subject, "LOQA_TTS_ENGINE_SUBJECT")
	overrideBool(&cfg.API.Enabled, "LOQA_TTS_API_ENABLED")
	overrideInt(&cfg.API.MaxInputChars, "LOQA_TTS_API_MAX_INPUT_CHARS")
	overrideString(&cfg.API.DefaultVoice, "LOQA_TTS_API_DEFAULT_VOICE")
	overrideString(&cfg.API.DefaultFormat, "LOQA_TTS_API_DEFAULT_FORMAT")
	overrideInt(&cfg.API.StreamBuffer, "LOQA_TTS_API_STREAM_BUFFER")
	overrideBool(&cfg.API.WebSocket, "LOQA_TTS_API_WEBSOCKET")
	overrideBool(&cfg.Worker.Enabled, "LOQA_TTS_WORKER_ENABLED")
	overrideString(&cfg.Worker.Subject, "LOQA_TTS_WORKER_SUBJECT")
	overrideString(&cfg.Worker.NodeID, "LOQA_TTS_WORKER_NODE_ID")
	overrideInt(&cfg.Worker.HeartbeatInterval, "LOQA_TTS_WORKER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Worker.HeartbeatTimeout, "LOQA_TTS_WORKER_HEARTBEAT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.ReadHeaderTimeoutMS <= 0 {
		return errors.New("http.read_header_timeout_ms must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	switch cfg.Engine.Mode {
	case "mock", "exec", "bus":
	default:
		return errors.New("engine.mode must be one of mock|exec|bus")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "bus" {
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when engine.mode=bus")
		}
		if cfg.Engine.Subject == "" {
			return errors.New("engine.subject must be set when mode=bus")
		}
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Workers < 1 || cfg.Engine.Workers > MaxWorkers {
		return fmt.Errorf("engine.workers must be between 1 and %d", MaxWorkers)
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return errors.New("engine.timeout_ms must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.MaxInputChars <= 0 {
			return errors.New("api.max_input_chars must be positive")
		}
		if cfg.API.DefaultVoice == "" {
			return errors.New("api.default_voice must not be empty")
		}
		switch cfg.API.DefaultFormat {
		case "wav", "pcm":
		default:
			return errors.New("api.default_format must be one of wav|pcm")
		}
		if cfg.API.StreamBuffer <= 0 {
			return errors.New("api.stream_buffer must be >= 1")
		}
	}

	if cfg.Worker.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when worker is enabled")
		}
		if cfg.Engine.Mode == "bus" {
			return errors.New("worker requires a local engine; engine.mode must be mock or exec")
		}
		if cfg.Worker.Subject == "" {
			return errors.New("worker.subject must not be empty")
		}
		if cfg.Worker.NodeID == "" {
			return errors.New("worker.node_id must not be empty")
		}
		if cfg.Worker.HeartbeatInterval <= 0 {
			return errors.New("worker.heartbeat_interval_ms must be positive")
		}
		if cfg.Worker.HeartbeatTimeout <= cfg.Worker.HeartbeatInterval {
			return errors.New("worker.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if !cfg.API.Enabled && !cfg.Worker.Enabled {
		return errors.New("at least one of api.enabled or worker.enabled must be true")
	}
	return nil
}
