package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadNotificationSettings_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("NOTIFICATION_MAX_ATTEMPTS", "")
	t.Setenv("NOTIFICATION_BASE_BACKOFF_SECONDS", "")
	t.Setenv("NOTIFICATION_MAX_BACKOFF_SECONDS", "")

	s, err := LoadNotificationSettings("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.MaxAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", s.MaxAttempts)
	}
	for _, k := range []string{"ready", "delivered", "bulk_delivered", "reminder"} {
		if s.Templates[k] == "" {
			t.Fatalf("missing default template %q", k)
		}
	}
	if s.BaseBackoff() != time.Minute {
		t.Fatalf("expected 1m base backoff, got %s", s.BaseBackoff())
	}
}

func TestLoadNotificationSettings_FileOverridesOneTemplate(t *testing.T) {
	t.Setenv("NOTIFICATION_MAX_ATTEMPTS", "")
	t.Setenv("NOTIFICATION_BASE_BACKOFF_SECONDS", "")
	t.Setenv("NOTIFICATION_MAX_BACKOFF_SECONDS", "")
	t.Setenv("NOTARY_NAME", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "notifications.yaml")
	content := `
notary:
  name: "Notaría Décima"
templates:
  ready: "Listo {{.DocumentCodes}} {{.VerificationCode}}"
max_attempts: 4
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	s, err := LoadNotificationSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Notary.Name != "Notaría Décima" {
		t.Fatalf("expected notary name from file, got %q", s.Notary.Name)
	}
	if s.MaxAttempts != 4 {
		t.Fatalf("expected 4 max attempts, got %d", s.MaxAttempts)
	}
	if s.Templates["ready"] != "Listo {{.DocumentCodes}} {{.VerificationCode}}" {
		t.Fatalf("ready template not overridden: %q", s.Templates["ready"])
	}
	if s.Templates["delivered"] == "" {
		t.Fatalf("delivered template should keep its default")
	}
}

func TestLoadNotificationSettings_EnvWins(t *testing.T) {
	t.Setenv("NOTIFICATION_MAX_ATTEMPTS", "5")
	t.Setenv("NOTIFICATION_BASE_BACKOFF_SECONDS", "2")
	t.Setenv("NOTIFICATION_MAX_BACKOFF_SECONDS", "1")

	s, _ := LoadNotificationSettings("")
	if s.MaxAttempts != 5 {
		t.Fatalf("expected env max attempts, got %d", s.MaxAttempts)
	}
	// cap never below base
	if s.MaxBackoffSeconds != 2 {
		t.Fatalf("expected max backoff raised to base, got %d", s.MaxBackoffSeconds)
	}
}

func TestLoadNotificationSettings_MissingFileKeepsDefaults(t *testing.T) {
	s, err := LoadNotificationSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if s == nil || s.Templates["ready"] == "" {
		t.Fatalf("expected defaults alongside the error")
	}
}

func TestNotificationMode(t *testing.T) {
	t.Setenv("NOTIFICATION_MODE", "LIVE")
	if NotificationMode() != NotificationModeLive {
		t.Fatalf("expected live mode")
	}
	t.Setenv("NOTIFICATION_MODE", "whatever")
	if NotificationMode() != NotificationModeSimulate {
		t.Fatalf("expected simulate fallback")
	}
}
