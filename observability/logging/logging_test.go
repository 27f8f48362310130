package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("exchanged", "test", WithOutput(&buf), WithLevel("debug"))
	logger.Debug("hello", slog.String("component", "engine"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["message"] != "hello" {
		t.Fatalf("expected message key, got %v", line)
	}
	if line["severity"] != "DEBUG" {
		t.Fatalf("expected DEBUG severity, got %v", line["severity"])
	}
	if line["service"] != "exchanged" || line["env"] != "test" {
		t.Fatalf("missing service attributes: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
}

func TestMaskPixKey(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"abc":              RedactedValue,
		"user@example.com": "************.com",
		"+5511999998888":   "**********8888",
	}
	for in, want := range cases {
		if got := MaskPixKey(in); got != want {
			t.Fatalf("MaskPixKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskFieldBySensitivity(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"reason", "timeout", "timeout"},
		{"payment_id", "P-0001", "P-0001"},
		{"pix_key", "user@example.com", "************.com"},
		{"End_To_End_ID", "E12345678", "*****5678"},
		{"subject", "0xabcdef", "****cdef"},
		{"signature", "sha256=deadbeef", RedactedValue},
		{"payload", `{"pix":[]}`, RedactedValue},
		{"token", "", ""},
	}
	for _, tc := range cases {
		attr := MaskField(tc.key, tc.value)
		if attr.Key != tc.key || attr.Value.String() != tc.want {
			t.Fatalf("MaskField(%q, %q) = %s=%q, want %q", tc.key, tc.value, attr.Key, attr.Value.String(), tc.want)
		}
	}
}
