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
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	// SampleRatio is the fraction of root traces kept, 0..1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Log         LogConfig        `yaml:"log"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Synth       SynthConfig      `yaml:"synth"`
	Merge       MergeConfig      `yaml:"merge"`
	Spool       SpoolConfig      `yaml:"spool"`
	Tracker     TrackerConfig    `yaml:"tracker"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	QueueGroup     string   `yaml:"queue_group"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig bounds chunking, concurrency and retry for narration jobs.
type PipelineConfig struct {
	MaxChunkLength    int    `yaml:"max_chunk_length"`
	GlobalConcurrency int    `yaml:"global_concurrency"`
	JobConcurrency    int    `yaml:"job_concurrency"`
	MaxAttempts       int    `yaml:"max_attempts"`
	BackoffStepMS     int    `yaml:"backoff_step_ms"`
	JobTimeoutMS      int    `yaml:"job_timeout_ms"`
	DefaultVoice      string `yaml:"default_voice"`
	OutputDir         string `yaml:"output_dir"`
	Format            string `yaml:"format"`
	KeepParts         bool   `yaml:"keep_parts"`
}

type SynthConfig struct {
	Mode              string        `yaml:"mode"` // mock, exec, elevenlabs, edge, tencent
	Command           string        `yaml:"command"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	TimeoutMS         int           `yaml:"timeout_ms"`
	MockDelayMS       int           `yaml:"mock_delay_ms"`
	ElevenLabs        ElevenLabsCfg `yaml:"elevenlabs"`
	Tencent           TencentCfg    `yaml:"tencent"`
}

type ElevenLabsCfg struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type TencentCfg struct {
	SecretID  string `yaml:"secret_id"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	VoiceType int64  `yaml:"voice_type"`
}

type MergeConfig struct {
	Mode    string `yaml:"mode"` // ffmpeg, mp3, wav
	Command string `yaml:"command"`
}

type SpoolConfig struct {
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
}

type TrackerConfig struct {
	Backend     string `yaml:"backend"` // memory, redis
	RetentionMS int    `yaml:"retention_ms"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			SampleRatio:    1,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  64,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			QueueGroup:     "narrator",
		},
		Node: NodeConfig{
			ID:                "narrator-node-1",
			Role:              "narrator",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "narrator.synthesis", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Pipeline: PipelineConfig{
			MaxChunkLength:    4500,
			GlobalConcurrency: 15,
			JobConcurrency:    5,
			MaxAttempts:       3,
			BackoffStepMS:     2000,
			JobTimeoutMS:      30 * 60 * 1000,
			DefaultVoice:      "6sFKzaJr574YWVu4UuJF",
			OutputDir:         "./outputs",
			Format:            "mp3",
		},
		Synth: SynthConfig{
			Mode:        "mock",
			TimeoutMS:   60000,
			MockDelayMS: 50,
			ElevenLabs: ElevenLabsCfg{
				BaseURL: "https://api.elevenlabs.io/v1",
				Model:   "eleven_multilingual_v2",
			},
			Tencent: TencentCfg{
				Region:    "ap-guangzhou",
				VoiceType: 1001,
			},
		},
		Merge: MergeConfig{
			Mode:    "ffmpeg",
			Command: "ffmpeg",
		},
		Spool: SpoolConfig{
			Dir: "./data/parts",
		},
		Tracker: TrackerConfig{
			Backend:     "memory",
			RetentionMS: 60 * 60 * 1000,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "narrator",
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "NARRATOR_TELEMETRY_STDOUT_TRACES")
	overrideFloat(&cfg.Telemetry.SampleRatio, "NARRATOR_TELEMETRY_SAMPLE_RATIO")
	overrideString(&cfg.Log.Level, "NARRATOR_LOG_LEVEL")
	overrideString(&cfg.Log.Format, "NARRATOR_LOG_FORMAT")
	overrideString(&cfg.Log.File, "NARRATOR_LOG_FILE")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "NARRATOR_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.QueueGroup, "NARRATOR_BUS_QUEUE_GROUP")
	overrideString(&cfg.Node.ID, "NARRATOR_NODE_ID")
	overrideString(&cfg.Node.Role, "NARRATOR_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "NARRATOR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "NARRATOR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "NARRATOR_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Pipeline.MaxChunkLength, "NARRATOR_PIPELINE_MAX_CHUNK_LENGTH")
	overrideInt(&cfg.Pipeline.GlobalConcurrency, "NARRATOR_PIPELINE_GLOBAL_CONCURRENCY")
	overrideInt(&cfg.Pipeline.JobConcurrency, "NARRATOR_PIPELINE_JOB_CONCURRENCY")
	overrideInt(&cfg.Pipeline.MaxAttempts, "NARRATOR_PIPELINE_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.BackoffStepMS, "NARRATOR_PIPELINE_BACKOFF_STEP_MS")
	overrideInt(&cfg.Pipeline.JobTimeoutMS, "NARRATOR_PIPELINE_JOB_TIMEOUT_MS")
	overrideString(&cfg.Pipeline.DefaultVoice, "NARRATOR_PIPELINE_DEFAULT_VOICE")
	overrideString(&cfg.Pipeline.OutputDir, "NARRATOR_PIPELINE_OUTPUT_DIR")
	overrideString(&cfg.Pipeline.Format, "NARRATOR_PIPELINE_FORMAT")
	overrideBool(&cfg.Pipeline.KeepParts, "NARRATOR_PIPELINE_KEEP_PARTS")
	overrideString(&cfg.Synth.Mode, "NARRATOR_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "NARRATOR_SYNTH_COMMAND")
	overrideInt(&cfg.Synth.RequestsPerMinute, "NARRATOR_SYNTH_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Synth.TimeoutMS, "NARRATOR_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Synth.MockDelayMS, "NARRATOR_SYNTH_MOCK_DELAY_MS")
	overrideString(&cfg.Synth.ElevenLabs.APIKey, "NARRATOR_ELEVENLABS_API_KEY")
	overrideString(&cfg.Synth.ElevenLabs.BaseURL, "NARRATOR_ELEVENLABS_BASE_URL")
	overrideString(&cfg.Synth.ElevenLabs.Model, "NARRATOR_ELEVENLABS_MODEL")
	overrideString(&cfg.Synth.Tencent.SecretID, "NARRATOR_TENCENT_SECRET_ID")
	overrideString(&cfg.Synth.Tencent.SecretKey, "NARRATOR_TENCENT_SECRET_KEY")
	overrideString(&cfg.Synth.Tencent.Region, "NARRATOR_TENCENT_REGION")
	overrideInt64(&cfg.Synth.Tencent.VoiceType, "NARRATOR_TENCENT_VOICE_TYPE")
	overrideString(&cfg.Merge.Mode, "NARRATOR_MERGE_MODE")
	overrideString(&cfg.Merge.Command, "NARRATOR_MERGE_COMMAND")
	overrideString(&cfg.Spool.Dir, "NARRATOR_SPOOL_DIR")
	overrideBool(&cfg.Spool.Compress, "NARRATOR_SPOOL_COMPRESS")
	overrideString(&cfg.Tracker.Backend, "NARRATOR_TRACKER_BACKEND")
	overrideInt(&cfg.Tracker.RetentionMS, "NARRATOR_TRACKER_RETENTION_MS")
	overrideString(&cfg.Tracker.RedisAddr, "NARRATOR_TRACKER_REDIS_ADDR")
	overrideInt(&cfg.Tracker.RedisDB, "NARRATOR_TRACKER_REDIS_DB")
	overrideString(&cfg.Tracker.RedisPrefix, "NARRATOR_TRACKER_REDIS_PREFIX")
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
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be between 0 and 1")
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be one of debug|info|warn|error")
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return errors.New("log.format must be one of json|text")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if err := validateSynth(cfg.Synth); err != nil {
		return err
	}
	switch cfg.Merge.Mode {
	case "ffmpeg":
		if cfg.Merge.Command == "" {
			return errors.New("merge.command must be set when mode=ffmpeg")
		}
		if cfg.Spool.Compress {
			return errors.New("spool.compress cannot be used with merge.mode=ffmpeg")
		}
	case "mp3", "wav":
		if cfg.Merge.Mode != cfg.Pipeline.Format {
			return fmt.Errorf("merge.mode=%s requires pipeline.format=%s", cfg.Merge.Mode, cfg.Merge.Mode)
		}
	default:
		return errors.New("merge.mode must be one of ffmpeg|mp3|wav")
	}
	if cfg.Spool.Dir == "" {
		return errors.New("spool.dir must not be empty")
	}
	switch cfg.Tracker.Backend {
	case "memory":
	case "redis":
		if cfg.Tracker.RedisAddr == "" {
			return errors.New("tracker.redis_addr must be set when backend=redis")
		}
	default:
		return errors.New("tracker.backend must be one of memory|redis")
	}
	if cfg.Tracker.RetentionMS < 0 {
		return errors.New("tracker.retention_ms must be >= 0")
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if p.MaxChunkLength <= 0 {
		return errors.New("pipeline.max_chunk_length must be positive")
	}
	if p.GlobalConcurrency <= 0 {
		return errors.New("pipeline.global_concurrency must be >= 1")
	}
	if p.JobConcurrency <= 0 {
		return errors.New("pipeline.job_concurrency must be >= 1")
	}
	if p.JobConcurrency > p.GlobalConcurrency {
		return errors.New("pipeline.job_concurrency must not exceed pipeline.global_concurrency")
	}
	if p.MaxAttempts <= 0 {
		return errors.New("pipeline.max_attempts must be >= 1")
	}
	if p.BackoffStepMS < 0 {
		return errors.New("pipeline.backoff_step_ms must be >= 0")
	}
	if p.JobTimeoutMS < 0 {
		return errors.New("pipeline.job_timeout_ms must be >= 0")
	}
	if p.OutputDir == "" {
		return errors.New("pipeline.output_dir must not be empty")
	}
	switch p.Format {
	case "mp3", "wav":
	default:
		return errors.New("pipeline.format must be one of mp3|wav")
	}
	return nil
}

func validateSynth(s SynthConfig) error {
	switch s.Mode {
	case "mock", "edge":
	case "exec":
		if s.Command == "" {
			return errors.New("synth.command must be set when mode=exec")
		}
	case "elevenlabs":
		if s.ElevenLabs.APIKey == "" {
			return errors.New("synth.elevenlabs.api_key must be set when mode=elevenlabs")
		}
	case "tencent":
		if s.Tencent.SecretID == "" || s.Tencent.SecretKey == "" {
			return errors.New("synth.tencent.secret_id and secret_key must be set when mode=tencent")
		}
	default:
		return errors.New("synth.mode must be one of mock|exec|elevenlabs|edge|tencent")
	}
	if s.RequestsPerMinute < 0 {
		return errors.New("synth.requests_per_minute must be >= 0")
	}
	if s.TimeoutMS < 0 {
		return errors.New("synth.timeout_ms must be >= 0")
	}
	return nil
}
