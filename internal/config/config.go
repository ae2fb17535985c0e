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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string           `yaml:"runtime_name"`
	Environment  string           `yaml:"environment"`
	HTTP         HTTPConfig       `yaml:"http"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
	Bus          BusConfig        `yaml:"bus"`
	SegmentStore StoreConfig      `yaml:"segment_store"`
	Synthesis    SynthesisConfig  `yaml:"synthesis"`
	Scheduler    SchedulerConfig  `yaml:"scheduler"`
	Assembly     AssemblyConfig   `yaml:"assembly"`
	Transcoder   TranscoderConfig `yaml:"transcoder"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SynthesisConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type SchedulerConfig struct {
	Parallelism      int `yaml:"parallelism"`
	BatchPersistSize int `yaml:"batch_persist_size"`
}

type AssemblyConfig struct {
	Format  string `yaml:"format"` // wav, mp3, m4b
	Bitrate int    `yaml:"bitrate_kbps"`
}

type TranscoderConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ModulePath string `yaml:"module_path"`
	MemoryMax  int    `yaml:"memory_max_pages"`
}

func Default() Config {
	return Config{
		RuntimeName: "narrato-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		SegmentStore: StoreConfig{
			Path: "./data/narrato-segments.db",
		},
		Synthesis: SynthesisConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Scheduler: SchedulerConfig{
			Parallelism:      2,
			BatchPersistSize: 10,
		},
		Assembly: AssemblyConfig{
			Format:  "wav",
			Bitrate: 64,
		},
		Transcoder: TranscoderConfig{
			Enabled:    false,
			ModulePath: "./modules/transcoder.wasm",
			MemoryMax:  4096,
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
	overrideString(&cfg.RuntimeName, "NARRATO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "NARRATO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.SegmentStore.Path, "NARRATO_SEGMENT_STORE_PATH")
	overrideBool(&cfg.SegmentStore.VacuumOnStart, "NARRATO_SEGMENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Mode, "NARRATO_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "NARRATO_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Voice, "NARRATO_SYNTHESIS_VOICE")
	overrideInt(&cfg.Synthesis.SampleRate, "NARRATO_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "NARRATO_SYNTHESIS_CHANNELS")
	overrideInt(&cfg.Synthesis.TimeoutMS, "NARRATO_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Scheduler.Parallelism, "NARRATO_SCHEDULER_PARALLELISM")
	overrideInt(&cfg.Scheduler.BatchPersistSize, "NARRATO_SCHEDULER_BATCH_PERSIST_SIZE")
	overrideString(&cfg.Assembly.Format, "NARRATO_ASSEMBLY_FORMAT")
	overrideInt(&cfg.Assembly.Bitrate, "NARRATO_ASSEMBLY_BITRATE_KBPS")
	overrideBool(&cfg.Transcoder.Enabled, "NARRATO_TRANSCODER_ENABLED")
	overrideString(&cfg.Transcoder.ModulePath, "NARRATO_TRANSCODER_MODULE_PATH")
	overrideInt(&cfg.Transcoder.MemoryMax, "NARRATO_TRANSCODER_MEMORY_MAX_PAGES")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.SegmentStore.Path == "" {
		return errors.New("segment_store.path must not be empty")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.channels must be positive")
	}
	if cfg.Scheduler.Parallelism <= 0 {
		return errors.New("scheduler.parallelism must be >= 1")
	}
	if cfg.Scheduler.BatchPersistSize <= 0 {
		return errors.New("scheduler.batch_persist_size must be >= 1")
	}
	switch cfg.Assembly.Format {
	case "wav", "mp3", "m4b":
	default:
		return errors.New("assembly.format must be one of wav|mp3|m4b")
	}
	if cfg.Assembly.Bitrate <= 0 {
		return errors.New("assembly.bitrate_kbps must be positive")
	}
	if cfg.Transcoder.Enabled && cfg.Transcoder.ModulePath == "" {
		return errors.New("transcoder.module_path must not be empty when transcoder is enabled")
	}
	return nil
}
