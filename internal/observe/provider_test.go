package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInitProvider_ServesMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := InitProvider(ctx, ProviderConfig{ServiceName: "lessonscribe-test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.Metrics.RecordRecording(ctx, OutcomeFinished, 45*time.Minute)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"lessonscribe_recordings", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInitProvider_Sampling(t *testing.T) {
	ctx := context.Background()
	tel, err := InitProvider(ctx, ProviderConfig{TraceSampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer tel.Shutdown(ctx)

	_, span := tel.TracerProvider.Tracer("test").Start(ctx, "op")
	span.End()

	for _, ratio := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(ctx, ProviderConfig{TraceSampleRatio: ratio}); err == nil {
			t.Errorf("ratio %.1f accepted", ratio)
		}
	}
}
