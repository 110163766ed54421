package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GainsChanged  bool
	NewMicGain    float64
	NewSystemGain float64

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired lists sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.GainsChanged && !d.VocabularyChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.MicGain != new.Audio.MicGain || old.Audio.SystemGain != new.Audio.SystemGain {
		d.GainsChanged = true
		d.NewMicGain = new.Audio.MicGain
		d.NewSystemGain = new.Audio.SystemGain
	}

	if !slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Transcript.Vocabulary)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providerEqual(old.Providers.STT, new.Providers.STT) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Credentials != new.Credentials {
		d.RestartRequired = append(d.RestartRequired, "credentials")
	}
	if !audioEqualIgnoringGains(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !slices.Equal(old.Transcript.LanguageHints, new.Transcript.LanguageHints) {
		d.RestartRequired = append(d.RestartRequired, "transcript.language_hints")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}

func audioEqualIgnoringGains(a, b AudioConfig) bool {
	a.MicGain, a.SystemGain = 0, 0
	b.MicGain, b.SystemGain = 0, 0
	return a == b
}
