package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-meet/internal/config"
)

type STTSettings struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model"`
	Language string `json:"language"`
	Endpoint string `json:"endpoint,omitempty"`
	Command  string `json:"command,omitempty"`
}

type LLMSettings struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Command     string  `json:"command,omitempty"`
}

type TTSSettings struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	VoiceID  string `json:"voice_id"`
	Model    string `json:"model"`
}

type PersonaSettings struct {
	SystemPrompt string `json:"system_prompt"`
	Language     string `json:"language"`
	Tone         string `json:"tone"`
}

// ProviderConfig is the per-session provider snapshot. Values are never
// mutated in place; Merge returns a new snapshot.
type ProviderConfig struct {
	STT     STTSettings     `json:"stt"`
	LLM     LLMSettings     `json:"llm"`
	TTS     TTSSettings     `json:"tts"`
	Persona PersonaSettings `json:"persona"`
}

// ConfigFromRuntime seeds a session config from process configuration.
func ConfigFromRuntime(cfg config.Config) ProviderConfig {
	return ProviderConfig{
		STT: STTSettings{
			Provider: cfg.STT.Provider,
			APIKey:   cfg.STT.APIKey,
			Model:    cfg.STT.Model,
			Language: cfg.STT.Language,
			Endpoint: cfg.STT.Endpoint,
			Command:  cfg.STT.Command,
		},
		LLM: LLMSettings{
			Provider:    cfg.LLM.Provider,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Endpoint:    cfg.LLM.Endpoint,
			Command:     cfg.LLM.Command,
		},
		TTS: TTSSettings{
			Provider: cfg.TTS.Provider,
			APIKey:   cfg.TTS.APIKey,
			VoiceID:  cfg.TTS.VoiceID,
			Model:    cfg.TTS.Model,
		},
		Persona: PersonaSettings{
			SystemPrompt: cfg.Persona.SystemPrompt,
			Language:     cfg.Persona.Language,
			Tone:         cfg.Persona.Tone,
		},
	}
}

// Merge applies a partial JSON config to a copy of c. Each top-level section
// present in the partial (stt, llm, tts, persona) replaces the current section
// whole; absent sections are kept. A replaced provider section that names no
// api_key takes its vendor's key from the environment.
func (c ProviderConfig) Merge(partial json.RawMessage) (ProviderConfig, error) {
	trimmed := bytes.TrimSpace(partial)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return c, nil
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &sections); err != nil {
		return c, fmt.Errorf("config must be an object: %w", err)
	}

	next := c
	if raw, ok := sections["stt"]; ok {
		var section STTSettings
		if err := decodeSection("stt", raw, &section); err != nil {
			return c, err
		}
		if !hasField(raw, "api_key") {
			section.APIKey = config.ProviderKeyFromEnv(section.Provider)
		}
		next.STT = section
	}
	if raw, ok := sections["llm"]; ok {
		var section LLMSettings
		if err := decodeSection("llm", raw, &section); err != nil {
			return c, err
		}
		if !hasField(raw, "api_key") {
			section.APIKey = config.ProviderKeyFromEnv(section.Provider)
		}
		next.LLM = section
	}
	if raw, ok := sections["tts"]; ok {
		var section TTSSettings
		if err := decodeSection("tts", raw, &section); err != nil {
			return c, err
		}
		if !hasField(raw, "api_key") {
			section.APIKey = config.ProviderKeyFromEnv(section.Provider)
		}
		next.TTS = section
	}
	if raw, ok := sections["persona"]; ok {
		var section PersonaSettings
		if err := decodeSection("persona", raw, &section); err != nil {
			return c, err
		}
		next.Persona = section
	}

	if err := next.validate(); err != nil {
		return c, err
	}
	return next, nil
}

func decodeSection(name string, raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("config section %s must be an object", name)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("config section %s: %w", name, err)
	}
	return nil
}

func (c ProviderConfig) validate() error {
	if strings.TrimSpace(c.Persona.SystemPrompt) == "" {
		return errors.New("persona.system_prompt must not be empty")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	return nil
}

// Redacted returns a copy with credentials masked for logging.
func (c ProviderConfig) Redacted() ProviderConfig {
	c.STT.APIKey = redact(c.STT.APIKey)
	c.LLM.APIKey = redact(c.LLM.APIKey)
	c.TTS.APIKey = redact(c.TTS.APIKey)
	return c
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	return "***"
}

func hasField(section json.RawMessage, name string) bool {
	if len(section) == 0 {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(section, &fields); err != nil {
		return false
	}
	_, ok := fields[name]
	return ok
}
