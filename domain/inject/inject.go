// Package inject provides declarative URL query-parameter injection.
// A RuleSet maps configuration keys to query parameter names; Inject is a
// pure function that writes the configured values into a copy of a URL.
// This package has NO dependencies on I/O or external packages.
package inject

import (
	"fmt"
	"net/url"
	"strings"
)

// Key identifies a configuration value that may be injected into a URL.
// The set of keys is closed: rule sets referencing any other key are
// rejected at construction time, not at injection time.
type Key string

// Known configuration keys.
const (
	// KeyGatewayToken is the shared secret the agent gateway checks on
	// every connection.
	KeyGatewayToken Key = "GATEWAY_TOKEN"

	// KeyGatewayDebug enables verbose diagnostics on the gateway side.
	KeyGatewayDebug Key = "GATEWAY_DEBUG"

	// KeyClientLabel identifies this proxy instance to the gateway.
	KeyClientLabel Key = "CLIENT_LABEL"
)

var knownKeys = map[Key]bool{
	KeyGatewayToken: true,
	KeyGatewayDebug: true,
	KeyClientLabel:  true,
}

// Valid reports whether k is a known configuration key.
func (k Key) Valid() bool {
	return knownKeys[k]
}

// Rule maps one configuration key to one URL query parameter (immutable
// value type).
type Rule struct {
	// Source is the configuration key the value is read from.
	Source Key

	// Param is the query parameter name to write. Empty means "use the
	// string form of Source".
	Param string

	// Required makes injection fail when the source value is absent.
	Required bool

	// Transform is applied to the value before writing. It is never
	// called with an empty string: absent values skip the rule entirely.
	Transform func(string) string
}

// param returns the target parameter name after defaulting.
func (r Rule) param() string {
	if r.Param != "" {
		return r.Param
	}
	return string(r.Source)
}

// RuleSet is an ordered sequence of rules. Order determines application
// order; two rules targeting the same parameter follow "last rule wins"
// since query parameters are a set keyed by name.
type RuleSet []Rule

// NewRuleSet validates rules and returns them as an immutable rule set.
// Unknown source keys are rejected here so a misconfigured rule can never
// reach a request path.
func NewRuleSet(rules ...Rule) (RuleSet, error) {
	for i, r := range rules {
		if !r.Source.Valid() {
			return nil, fmt.Errorf("rule %d: unknown configuration key %q", i, r.Source)
		}
		if r.param() == "" {
			return nil, fmt.Errorf("rule %d: empty target parameter", i)
		}
	}
	return RuleSet(rules), nil
}

// Default is the standard gateway rule set: the shared-secret token is
// mandatory, the debug flag and client label ride along when configured.
// Callers pass it explicitly; nothing in this package reaches for it.
var Default = RuleSet{
	{Source: KeyGatewayToken, Param: "token", Required: true},
	{Source: KeyGatewayDebug, Param: "debug", Transform: strings.ToLower},
	{Source: KeyClientLabel, Param: "client"},
}

// Lookup resolves a configuration key to its current value. An empty
// string means the value is absent.
type Lookup func(Key) string

// Result describes a completed injection (value type, per-request).
type Result struct {
	// URL is a new URL with the injected parameters. The input URL is
	// never modified.
	URL *url.URL

	// Injected lists target parameter names that were written.
	Injected []string

	// Skipped lists target parameter names of optional rules whose
	// source value was absent.
	Skipped []string
}

// MissingParamsError reports every required parameter whose source value
// was absent from configuration. The list is always complete: injection
// collects all missing parameters before failing.
type MissingParamsError struct {
	Params []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("missing required parameters: %s", strings.Join(e.Params, ", "))
}

// Inject writes rule-selected configuration values into a copy of u's
// query string and returns the rewritten URL. Every rule lands in exactly
// one of Injected, Skipped, or the error's Params. Existing parameters
// not targeted by a rule are preserved; the path and fragment are left
// untouched.
func Inject(u *url.URL, lookup Lookup, rules RuleSet) (Result, error) {
	clone := *u
	q := clone.Query()

	var injected, skipped, missing []string
	for _, r := range rules {
		val := lookup(r.Source)
		switch {
		case val != "":
			if r.Transform != nil {
				val = r.Transform(val)
			}
			q.Set(r.param(), val)
			injected = append(injected, r.param())
		case r.Required:
			// Collect all missing parameters so the error reports
			// the full list in one pass.
			missing = append(missing, r.param())
		default:
			skipped = append(skipped, r.param())
		}
	}

	if len(missing) > 0 {
		return Result{}, &MissingParamsError{Params: missing}
	}

	// Only re-encode the query when something was written; an injection
	// that changes nothing must leave the raw query byte-identical.
	// When parameters were written, Encode re-serializes the whole
	// query: untargeted parameters keep their decoded values but may
	// change spelling (keys sorted, "%20" becomes "+", a valueless
	// "?flag" becomes "flag="). Query parameters are a set keyed by
	// name, so value identity is the contract, not byte identity.
	if len(injected) > 0 {
		clone.RawQuery = q.Encode()
	}

	return Result{URL: &clone, Injected: injected, Skipped: skipped}, nil
}

// TransformByName resolves a transform referenced by name in configuration.
func TransformByName(name string) (func(string) string, error) {
	switch name {
	case "":
		return nil, nil
	case "lower":
		return strings.ToLower, nil
	case "upper":
		return strings.ToUpper, nil
	case "trim":
		return strings.TrimSpace, nil
	}
	return nil, fmt.Errorf("unknown transform %q", name)
}
