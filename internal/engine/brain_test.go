package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/basket/consultd/internal/engine"
)

func newOfflineBrain(t *testing.T) *engine.GenkitBrain {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	return engine.NewGenkitBrain(context.Background(), engine.BrainConfig{Provider: "google"})
}

func TestGenerateFallbackIsDeterministic(t *testing.T) {
	brain := newOfflineBrain(t)

	const system = "You are a senior market research analyst. Be thorough."
	const prompt = "size the US specialty coffee market"

	first, err := brain.Generate(context.Background(), system, prompt)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := brain.Generate(context.Background(), system, prompt)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first != second {
		t.Fatal("offline generation should be deterministic")
	}
	if !strings.Contains(first, "As a senior market research analyst,") {
		t.Fatalf("fallback should carry the instructed role, got %q", first)
	}
	if !strings.Contains(first, prompt) {
		t.Fatalf("fallback should echo the request, got %q", first)
	}
}

func TestGenerateFallbackDefaultRole(t *testing.T) {
	brain := newOfflineBrain(t)
	out, err := brain.Generate(context.Background(), "Answer briefly.", "hello")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "As a business consultant,") {
		t.Fatalf("expected default role, got %q", out)
	}
}

func TestGenerateFallbackTruncatesLongPrompts(t *testing.T) {
	brain := newOfflineBrain(t)
	prompt := strings.Repeat("x", 500)
	out, err := brain.Generate(context.Background(), "", prompt)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(out, prompt) {
		t.Fatal("long prompts should be truncated in the fallback")
	}
	if !strings.Contains(out, strings.Repeat("x", 200)) {
		t.Fatal("fallback should keep the prompt prefix")
	}
}

func TestGenerateFallbackKeepsRunesWhole(t *testing.T) {
	brain := newOfflineBrain(t)
	// 199 ASCII bytes then a multi-byte rune across the 200-byte cap.
	prompt := strings.Repeat("x", 199) + "émoji"
	out, err := brain.Generate(context.Background(), "", prompt)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !utf8.ValidString(out) {
		t.Fatalf("fallback contains a split rune: %q", out)
	}
	if strings.ContainsRune(out, utf8.RuneError) {
		t.Fatalf("fallback contains a replacement rune: %q", out)
	}
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	brain := newOfflineBrain(t)
	if _, err := brain.Generate(context.Background(), "system", "   "); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want engine.ErrorClass
	}{
		{"nil", nil, engine.ErrorClassUnknown},
		{"timeout sentinel", engine.ErrGenerationTimeout, engine.ErrorClassTimeout},
		{"wrapped timeout", errors.New("generate: context deadline exceeded"), engine.ErrorClassTimeout},
		{"unauthorized", errors.New("API error 401 Unauthorized"), engine.ErrorClassAuth},
		{"forbidden", errors.New("403 forbidden for key"), engine.ErrorClassAuth},
		{"rate limited", errors.New("429 Too Many Requests"), engine.ErrorClassRateLimit},
		{"quota", errors.New("quota exceeded for project"), engine.ErrorClassRateLimit},
		{"other", errors.New("connection reset by peer"), engine.ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := engine.ClassifyError(tc.err); got != tc.want {
			t.Errorf("%s: ClassifyError = %s, want %s", tc.name, got, tc.want)
		}
	}
}
