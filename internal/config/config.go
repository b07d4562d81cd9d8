package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = "You are a friendly AI assistant taking part in a Google Meet call. Hold a natural, concise spoken conversation with the participants."

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind             string   `yaml:"bind"`
	Port             int      `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	ReadLimitBytes   int64    `yaml:"read_limit_bytes"`
	WriteTimeoutMS   int      `yaml:"write_timeout_ms"`
	HandshakeTimeout int      `yaml:"handshake_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Session     SessionConfig    `yaml:"session"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Persona     PersonaConfig    `yaml:"persona"`
	MeetingBot  MeetingBotConfig `yaml:"meeting_bot"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SessionConfig bounds per-client pipeline work.
type SessionConfig struct {
	CallTimeoutMS int `yaml:"call_timeout_ms"`
	MaxSessions   int `yaml:"max_sessions"`
}

type STTConfig struct {
	Provider   string `yaml:"provider"` // mock, exec, deepgram
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	Endpoint   string `yaml:"endpoint"`
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"` // mock, exec, ollama, openai, gemini, anthropic
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	VoiceID  string `yaml:"voice_id"`
	Model    string `yaml:"model"`
}

type PersonaConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	PromptFile   string `yaml:"prompt_file"`
	Language     string `yaml:"language"`
	Tone         string `yaml:"tone"`
}

type MeetingBotConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	BotName       string `yaml:"bot_name"`
	WebpageURL    string `yaml:"webpage_url"`
	JoinTimeoutMS int    `yaml:"join_timeout_ms"`
	StateFile     string `yaml:"state_file"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-meet",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:             "0.0.0.0",
			Port:             8000,
			AllowedOrigins:   []string{"*"},
			ReadLimitBytes:   1 << 20,
			WriteTimeoutMS:   5000,
			HandshakeTimeout: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-meet-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			CallTimeoutMS: 30000,
			MaxSessions:   0,
		},
		STT: STTConfig{
			Provider:   "deepgram",
			Model:      "nova-2",
			Language:   "ja",
			Endpoint:   "https://api.deepgram.com",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4",
			Endpoint:    "http://localhost:11434",
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Provider: "cartesia",
			VoiceID:  "a0e99841-438c-4a64-b679-ae501e7d6091",
			Model:    "sonic-english",
		},
		Persona: PersonaConfig{
			SystemPrompt: defaultSystemPrompt,
			Language:     "ja",
			Tone:         "friendly",
		},
		MeetingBot: MeetingBotConfig{
			BaseURL:       "https://api.recall.ai/api/v1",
			BotName:       "VoiceBot",
			WebpageURL:    "http://localhost:3000",
			JoinTimeoutMS: 60000,
			StateFile:     "active_bots.json",
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
	applyProviderKeys(&cfg)
	if err := loadPersonaPrompt(&cfg.Persona); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HOST")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.CallTimeoutMS, "LOQA_SESSION_CALL_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxSessions, "LOQA_SESSION_MAX_SESSIONS")
	overrideString(&cfg.STT.Provider, "STT_PROVIDER")
	overrideString(&cfg.STT.Model, "STT_MODEL")
	overrideString(&cfg.STT.Language, "STT_LANGUAGE")
	overrideString(&cfg.STT.Provider, "LOQA_STT_PROVIDER")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideString(&cfg.LLM.Provider, "LLM_PROVIDER")
	overrideString(&cfg.LLM.Model, "LLM_MODEL")
	overrideFloat(&cfg.LLM.Temperature, "LLM_TEMPERATURE")
	overrideString(&cfg.LLM.Provider, "LOQA_LLM_PROVIDER")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Provider, "TTS_PROVIDER")
	overrideString(&cfg.TTS.VoiceID, "TTS_VOICE_ID")
	overrideString(&cfg.TTS.Model, "TTS_MODEL")
	overrideString(&cfg.Persona.SystemPrompt, "SYSTEM_PROMPT")
	overrideString(&cfg.Persona.Language, "PERSONA_LANGUAGE")
	overrideString(&cfg.Persona.Tone, "PERSONA_TONE")
	overrideString(&cfg.Persona.PromptFile, "LOQA_PERSONA_PROMPT_FILE")
	overrideString(&cfg.MeetingBot.APIKey, "RECALL_API_KEY")
	overrideString(&cfg.MeetingBot.BotName, "RECALL_BOT_NAME")
	overrideString(&cfg.MeetingBot.WebpageURL, "WEBPAGE_URL")
	overrideString(&cfg.MeetingBot.BaseURL, "LOQA_MEETING_BOT_BASE_URL")
	overrideInt(&cfg.MeetingBot.JoinTimeoutMS, "LOQA_MEETING_BOT_JOIN_TIMEOUT_MS")
	overrideString(&cfg.MeetingBot.StateFile, "LOQA_MEETING_BOT_STATE_FILE")
}

// applyProviderKeys fills credentials from the vendor-specific variables
// when no explicit key was configured.
func applyProviderKeys(cfg *Config) {
	if cfg.STT.APIKey == "" {
		cfg.STT.APIKey = ProviderKeyFromEnv(cfg.STT.Provider)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = ProviderKeyFromEnv(cfg.LLM.Provider)
	}
	if cfg.TTS.APIKey == "" {
		cfg.TTS.APIKey = ProviderKeyFromEnv(cfg.TTS.Provider)
	}
}

// ProviderKeyFromEnv returns the conventional API key variable for a vendor.
func ProviderKeyFromEnv(provider string) string {
	var key string
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "deepgram":
		key = "DEEPGRAM_API_KEY"
	case "openai":
		key = "OPENAI_API_KEY"
	case "anthropic":
		key = "ANTHROPIC_API_KEY"
	case "gemini":
		key = "GEMINI_API_KEY"
	case "cartesia":
		key = "CARTESIA_API_KEY"
	default:
		return ""
	}
	return strings.TrimSpace(os.Getenv(key))
}

func loadPersonaPrompt(p *PersonaConfig) error {
	if p.PromptFile == "" {
		return nil
	}
	data, err := os.ReadFile(p.PromptFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read persona prompt: %w", err)
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		p.SystemPrompt = text
	}
	return nil
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.HTTP.ReadLimitBytes < 0 {
		return errors.New("http.read_limit_bytes must be >= 0")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Session.CallTimeoutMS <= 0 {
		return errors.New("session.call_timeout_ms must be positive")
	}
	if cfg.Session.MaxSessions < 0 {
		return errors.New("session.max_sessions must be >= 0")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return errors.New("llm.temperature must be between 0 and 2")
	}
	if strings.TrimSpace(cfg.Persona.SystemPrompt) == "" {
		return errors.New("persona.system_prompt must not be empty")
	}
	return nil
}
