package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"soniox", "deepgram"},
	"audio": {"ffmpeg"},
}

// MaxGain is the highest configurable gain.
const MaxGain = 4.0

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("audio", cfg.Audio.Backend)

	// Credentials
	cred := cfg.Credentials
	switch {
	case cred.Mode != "" && !cred.Mode.IsValid():
		errs = append(errs, fmt.Errorf("credentials.mode %q is invalid; valid values: static, http, soniox", cred.Mode))
	case cred.Mode == CredentialHTTP && cred.Endpoint == "":
		errs = append(errs, errors.New("credentials.endpoint is required when mode is http"))
	case cred.Mode == CredentialSoniox && cfg.Providers.STT.Name != "soniox":
		errs = append(errs, fmt.Errorf("credentials.mode soniox requires providers.stt.name soniox, got %q", cfg.Providers.STT.Name))
	case (cred.Mode == CredentialStatic || cred.Mode == CredentialSoniox) && cfg.Providers.STT.APIKey == "":
		errs = append(errs, fmt.Errorf("providers.stt.api_key is required when credentials.mode is %s", cred.Mode))
	}
	if cred.Timeout < 0 {
		errs = append(errs, fmt.Errorf("credentials.timeout %s must not be negative", cred.Timeout))
	}
	if cred.TTL < 0 {
		errs = append(errs, fmt.Errorf("credentials.ttl %s must not be negative", cred.TTL))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", a.SampleRate))
	}
	if a.FrameMS < 10 || a.FrameMS > 200 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 200]", a.FrameMS))
	}
	if a.MicGain < 0 || a.MicGain > MaxGain {
		errs = append(errs, fmt.Errorf("audio.mic_gain %.2f is out of range [0, %.0f]", a.MicGain, MaxGain))
	}
	if a.SystemGain < 0 || a.SystemGain > MaxGain {
		errs = append(errs, fmt.Errorf("audio.system_gain %.2f is out of range [0, %.0f]", a.SystemGain, MaxGain))
	}
	if a.IncludeSystemAudio && a.SystemDevice == "" {
		slog.Warn("audio.include_system_audio is set but audio.system_device is empty; recordings will be microphone-only")
	}

	// Transcript
	for i, term := range cfg.Transcript.Vocabulary {
		if term == "" {
			errs = append(errs, fmt.Errorf("transcript.vocabulary[%d] is empty", i))
		}
	}

	// Storage
	switch {
	case cfg.Storage.PostgresDSN != "" && cfg.Storage.FilePath != "":
		slog.Warn("storage.file_path is ignored because storage.postgres_dsn is set")
	case cfg.Storage.PostgresDSN == "" && cfg.Storage.FilePath == "":
		slog.Warn("no storage configured; finished lessons are kept in memory only")
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
