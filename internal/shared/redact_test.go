package shared

import (
	"strings"
	"testing"
)

func TestRedact_TelegramBotToken(t *testing.T) {
	// The vendor SDK embeds the token in request URLs inside its errors.
	input := "Post \"https://api.telegram.org/bot123456789:AAEhBOweik6ad9r_QXMENQjcrGbqCr4K-pM/sendMessage\": timeout"
	result := Redact(input)
	if strings.Contains(result, "AAEhBOweik6ad9r_QXMENQjcrGbqCr4K-pM") {
		t.Fatalf("bot token survived redaction: %q", result)
	}
	if !strings.Contains(result, redactedPlaceholder) {
		t.Fatalf("expected placeholder in %q", result)
	}
}

func TestRedact_BareTelegramToken(t *testing.T) {
	input := "telegram init failed for 987654321:AAFxy_0123456789abcdefghijklmnopqrs"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_AdminToken(t *testing.T) {
	input := `admin_token=supersecretadminvalue123`
	result := Redact(input)
	if strings.Contains(result, "supersecretadminvalue123") {
		t.Fatalf("admin token survived redaction: %q", result)
	}
	if !strings.HasPrefix(result, "admin_token") {
		t.Fatalf("key name lost: %q", result)
	}
}

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_ChatIDUntouched(t *testing.T) {
	// Bare chat ids are not secrets and must survive for debuggability.
	input := "send failed for chat 123456789"
	result := Redact(input)
	if result != input {
		t.Fatalf("chat id redacted: %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue_Sensitive(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"telegram_token", "123456789:AAEsecret", "[REDACTED]"},
		{"admin_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"http_addr", ":8088", ":8088"},
		{"db_path", "/var/lib/orchestrator.db", "/var/lib/orchestrator.db"},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}
