package console

import (
	"strings"
	"testing"
)

func TestEnvBlocked(t *testing.T) {
	tests := []struct {
		name    string
		blocked bool
	}{
		{"OPENAI_API_KEY", true},
		{"AWS_SECRET_ACCESS_KEY", true},
		{"STRIPE_KEY", true},
		{"TWILIO_AUTH_TOKEN", true},
		{"DATABASE_URL", true},
		{"DB_PASSWORD", true},
		{"NODE_ENV", true},
		{"PORT", true},
		{"HOME", false},
		{"PATH", false},
		{"TERM", false},
		{"LANG", false},
	}
	for _, tt := range tests {
		if got := envBlocked(tt.name); got != tt.blocked {
			t.Errorf("envBlocked(%q) = %v, want %v", tt.name, got, tt.blocked)
		}
	}
}

func TestCleanEnv_DropsSecretsKeepsRest(t *testing.T) {
	t.Setenv("CODECK_TEST_PLAIN", "keep-me")
	t.Setenv("CODECK_TEST_API_KEY", "sk-drop-me")

	env := cleanEnv(nil)
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "CODECK_TEST_PLAIN=keep-me") {
		t.Error("plain variable dropped")
	}
	if strings.Contains(joined, "sk-drop-me") {
		t.Error("secret variable leaked into child env")
	}
}

func TestCleanEnv_TruncatesOversizedValues(t *testing.T) {
	t.Setenv("CODECK_TEST_HUGE", strings.Repeat("x", maxEnvValueBytes+100))

	for _, kv := range cleanEnv(nil) {
		name, value, _ := strings.Cut(kv, "=")
		if name == "CODECK_TEST_HUGE" {
			if len(value) != maxEnvValueBytes {
				t.Errorf("value length = %d, want %d", len(value), maxEnvValueBytes)
			}
			return
		}
	}
	t.Fatal("CODECK_TEST_HUGE missing from clean env")
}

func TestCleanEnv_ExtraOverrides(t *testing.T) {
	t.Setenv("CODECK_TEST_OVERRIDE", "original")

	env := cleanEnv(map[string]string{"CODECK_TEST_OVERRIDE": "replaced"})
	var seen int
	for _, kv := range env {
		if strings.HasPrefix(kv, "CODECK_TEST_OVERRIDE=") {
			seen++
			if kv != "CODECK_TEST_OVERRIDE=replaced" {
				t.Errorf("entry = %q, want replaced value", kv)
			}
		}
	}
	if seen != 1 {
		t.Errorf("override appears %d times, want 1", seen)
	}
}
