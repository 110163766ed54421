package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/lessonscribe/internal/config"
	"github.com/MrWong99/lessonscribe/pkg/audio"
	audiomock "github.com/MrWong99/lessonscribe/pkg/audio/mock"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/lessonscribe/pkg/provider/stt/mock"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterSTT("mock", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return &sttmock.Provider{}, nil
	})
	reg.RegisterSTT("alpha", func(config.ProviderEntry) (stt.Provider, error) { return nil, errors.New("boom") })
	reg.RegisterAudio("mock", func(config.AudioConfig) (audio.Devices, error) { return &audiomock.Devices{}, nil })

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "mock", Model: "m1"}); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory got %+v", gotEntry)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "alpha"}); err == nil {
		t.Error("factory error not propagated")
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateAudio(config.AudioConfig{Backend: "mock"}); err != nil {
		t.Errorf("CreateAudio: %v", err)
	}
	if _, err := reg.CreateAudio(config.AudioConfig{Backend: "portaudio"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if got := reg.STTNames(); !slices.Equal(got, []string{"alpha", "mock"}) {
		t.Errorf("STTNames = %v", got)
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"s": "x", "n": 3, "b": true}
	if config.OptString(opts, "s") != "x" || config.OptString(opts, "n") != "" || config.OptString(nil, "s") != "" {
		t.Error("OptString mismatch")
	}
	if v, ok := config.OptBool(opts, "b"); !v || !ok {
		t.Error("OptBool(b) mismatch")
	}
	if _, ok := config.OptBool(opts, "s"); ok {
		t.Error("OptBool(s) should not be ok")
	}
}
