package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/alihamza79/voiceline/internal/phonebook"
)

// Defaults applied by [ApplyEnv] when neither file nor environment set a value.
const (
	DefaultHTTPPort = 8080
	DefaultLLMModel = "gpt-4o-mini"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"stt":      {"deepgram"},
	"tts":      {"elevenlabs"},
	"calendar": {"rest"},
	"sms":      {"twilio"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. An empty path skips the file
// and builds the config from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv layers the environment variable surface over cfg and fills
// defaults. A set environment variable always wins over the file.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Telephony.AccountSID, "TELEPHONY_ACCOUNT_SID")
	setString(&cfg.Telephony.AuthToken, "TELEPHONY_AUTH_TOKEN")
	setString(&cfg.Telephony.PhoneNumber, "TELEPHONY_PHONE_NUMBER")

	setString(&cfg.Providers.STT.APIKey, "STT_API_KEY")
	setString(&cfg.Providers.TTS.APIKey, "TTS_API_KEY")
	setString(&cfg.Providers.TTS.Region, "TTS_REGION")
	setString(&cfg.Providers.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.Providers.LLM.Model, "LLM_MODEL")
	setString(&cfg.Providers.Calendar.APIKey, "CALENDAR_API_KEY")
	setString(&cfg.Providers.Calendar.BaseURL, "CALENDAR_BASE_URL")

	setString(&cfg.Server.BaseURL, "BASE_URL")
	setString(&cfg.Server.WebsocketURL, "WEBSOCKET_URL")
	setString(&cfg.Audit.PostgresDSN, "AUDIT_DB_URI")
	setString(&cfg.Phonebook.Path, "PHONEBOOK_PATH")
	setString(&cfg.Filler.Dir, "FILLER_DIR")

	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("HTTP_PORT is not a number, keeping previous value", "value", v)
		} else {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = DefaultHTTPPort
	}
	if cfg.Providers.LLM.Model == "" {
		cfg.Providers.LLM.Model = DefaultLLMModel
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = "openai"
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "deepgram"
	}
	if cfg.Providers.TTS.Name == "" {
		cfg.Providers.TTS.Name = "elevenlabs"
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d is out of range", cfg.Server.HTTPPort))
	}

	if cfg.Telephony.PhoneNumber != "" && !phonebook.ValidNumber(cfg.Telephony.PhoneNumber) {
		errs = append(errs, fmt.Errorf("telephony.phone_number %q is not E.164", cfg.Telephony.PhoneNumber))
	}
	// Credentials come in pairs; a lone half is a deployment mistake.
	if (cfg.Telephony.AccountSID == "") != (cfg.Telephony.AuthToken == "") {
		errs = append(errs, errors.New("telephony.account_sid and telephony.auth_token must both be set"))
	}
	if cfg.Telephony.AccountSID != "" && cfg.Telephony.PhoneNumber == "" {
		errs = append(errs, errors.New("telephony.phone_number is required when telephony credentials are set"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("calendar", cfg.Providers.Calendar.Name)
	validateProviderName("sms", cfg.Providers.SMS.Name)

	if cfg.Providers.Calendar.Name == "" {
		slog.Warn("no calendar provider configured; reschedule and delay workflows will be unavailable")
	}
	if cfg.Audit.PostgresDSN == "" {
		slog.Warn("audit.postgres_dsn is empty; audit records will be discarded")
	}
	if cfg.Filler.Dir == "" {
		slog.Warn("filler.dir is empty; latency will be audible during slow collaborator calls")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("Unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
