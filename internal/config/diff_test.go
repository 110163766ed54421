package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/lessonscribe/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{STT: config.ProviderEntry{
			Name:    "soniox",
			APIKey:  "k",
			Options: map[string]any{"langs": []any{"de"}},
		}},
		Transcript: config.TranscriptConfig{Vocabulary: []string{"Pythagoras"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	if d := config.Diff(baseConfig(), baseConfig()); !d.IsZero() {
		t.Errorf("diff of equal configs = %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart []string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug },
		},
		{
			name:   "gains",
			mutate: func(c *config.Config) { c.Audio.SystemGain = 0.3 },
			check: func(d config.ConfigDiff) bool {
				return d.GainsChanged && d.NewMicGain == 1 && d.NewSystemGain == 0.3
			},
		},
		{
			name:   "vocabulary",
			mutate: func(c *config.Config) { c.Transcript.Vocabulary = append(c.Transcript.Vocabulary, "Euler") },
			check: func(d config.ConfigDiff) bool {
				return d.VocabularyChanged && slices.Equal(d.NewVocabulary, []string{"Pythagoras", "Euler"})
			},
		},
		{
			name:    "provider options",
			mutate:  func(c *config.Config) { c.Providers.STT.Options = map[string]any{"langs": []any{"en"}} },
			check:   func(d config.ConfigDiff) bool { return !d.GainsChanged },
			restart: []string{"providers"},
		},
		{
			name:    "audio device",
			mutate:  func(c *config.Config) { c.Audio.Microphone = "hw:2"; c.Audio.MicGain = 2 },
			check:   func(d config.ConfigDiff) bool { return d.GainsChanged },
			restart: []string{"audio"},
		},
		{
			name:    "listen addr and storage",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":9"; c.Storage.PostgresDSN = "postgres://x" },
			check:   func(d config.ConfigDiff) bool { return true },
			restart: []string{"server", "storage"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) {
				t.Errorf("unexpected diff: %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tt.restart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restart)
			}
		})
	}
}
