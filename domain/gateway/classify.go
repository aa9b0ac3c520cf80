// Package gateway interprets failure messages reported by the agent
// gateway process inside the container. This package has NO dependencies
// on I/O or external packages.
package gateway

import "strings"

// Failure classes recognized in gateway error text.
const (
	ClassTokenMissing  = "token_missing"
	ClassTokenMismatch = "token_mismatch"
	ClassPairingNeeded = "pairing_required"
	ClassUnknown       = ""
)

// redactedPlaceholder replaces secret values that leak into gateway
// error text.
const redactedPlaceholder = "[redacted]"

// Messages returned for recognized failure classes. Each names the next
// step an operator should take.
var classMessages = map[string]string{
	ClassTokenMissing:  "gateway rejected the connection: no credential was supplied. Check that the gateway token is configured and injected.",
	ClassTokenMismatch: "gateway rejected the credential: the configured token does not match the gateway's token. Update the gateway token configuration or restart the gateway with the expected token.",
	ClassPairingNeeded: "gateway requires device pairing: approve this device on the gateway, then retry.",
}

// Substrings the gateway is known to emit, checked in order so the more
// specific mismatch class is tested before the generic missing class.
var classPatterns = []struct {
	class    string
	patterns []string
}{
	{ClassPairingNeeded, []string{"pairing required", "device not approved", "pending approval"}},
	{ClassTokenMismatch, []string{"token mismatch", "invalid token", "bad token"}},
	{ClassTokenMissing, []string{"missing token", "no token", "token required"}},
}

// Classifier rewrites raw gateway failure text into stable, actionable
// messages. It carries the current secret values so they can be redacted
// if the gateway echoes them back.
type Classifier struct {
	secrets []string
}

// NewClassifier creates a classifier that redacts the given secret values.
// Empty strings are ignored.
func NewClassifier(secrets ...string) *Classifier {
	c := &Classifier{}
	for _, s := range secrets {
		if s != "" {
			c.secrets = append(c.secrets, s)
		}
	}
	return c
}

// Class returns the failure class for raw gateway text, or ClassUnknown.
func (c *Classifier) Class(raw string) string {
	lower := strings.ToLower(raw)
	for _, entry := range classPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.class
			}
		}
	}
	return ClassUnknown
}

// Classify maps raw gateway failure text to a user-facing message.
// Recognized classes get a distinct actionable message; unrecognized text
// passes through unchanged (after secret redaction) so real diagnostics
// are never swallowed.
func (c *Classifier) Classify(raw string) string {
	if class := c.Class(raw); class != ClassUnknown {
		return classMessages[class]
	}
	return c.Redact(raw)
}

// Redact strips known secret values from s.
func (c *Classifier) Redact(s string) string {
	for _, secret := range c.secrets {
		s = strings.ReplaceAll(s, secret, redactedPlaceholder)
	}
	return s
}
