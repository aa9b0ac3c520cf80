package gateway

import (
	"strings"
	"testing"
)

func TestClassifyKnownFailures(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name  string
		raw   string
		class string
	}{
		{"missing lowercase", "error: missing token in request", ClassTokenMissing},
		{"missing mixed case", "Gateway: No Token provided", ClassTokenMissing},
		{"required", "token required for this endpoint", ClassTokenMissing},
		{"mismatch", "connection closed: token mismatch", ClassTokenMismatch},
		{"invalid", "Invalid token supplied", ClassTokenMismatch},
		{"pairing", "pairing required before access", ClassPairingNeeded},
		{"not approved", "device not approved by operator", ClassPairingNeeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Class(tt.raw); got != tt.class {
				t.Errorf("Class(%q) = %q, want %q", tt.raw, got, tt.class)
			}
			msg := c.Classify(tt.raw)
			if msg == tt.raw {
				t.Errorf("Classify(%q) passed raw text through for a known class", tt.raw)
			}
			if msg == "" {
				t.Errorf("Classify(%q) returned empty message", tt.raw)
			}
		})
	}
}

func TestClassifyDistinctMessagesPerClass(t *testing.T) {
	c := NewClassifier()
	missing := c.Classify("missing token")
	mismatch := c.Classify("token mismatch")
	pairing := c.Classify("pairing required")

	if missing == mismatch || missing == pairing || mismatch == pairing {
		t.Errorf("classes share a message: %q / %q / %q", missing, mismatch, pairing)
	}
}

func TestClassifyUnknownPassesThrough(t *testing.T) {
	c := NewClassifier()
	raw := "unexpected EOF while reading frame"
	if got := c.Classify(raw); got != raw {
		t.Errorf("Classify(%q) = %q, want unchanged", raw, got)
	}
}

func TestClassifyRedactsSecrets(t *testing.T) {
	c := NewClassifier("s3cret-value")

	got := c.Classify("rejected credential s3cret-value from client")
	if strings.Contains(got, "s3cret-value") {
		t.Errorf("Classify() leaked secret: %q", got)
	}
	if !strings.Contains(got, "[redacted]") {
		t.Errorf("Classify() = %q, want redaction placeholder", got)
	}
}

func TestClassifiedMessagesNeverContainSecret(t *testing.T) {
	c := NewClassifier("tok123")
	got := c.Classify("token mismatch: got tok123")
	if strings.Contains(got, "tok123") {
		t.Errorf("Classify() leaked secret in classified message: %q", got)
	}
}

func TestNewClassifierIgnoresEmptySecrets(t *testing.T) {
	c := NewClassifier("", "x")
	if got := c.Redact("abc"); got != "abc" {
		t.Errorf("Redact with empty secret corrupted text: %q", got)
	}
}
