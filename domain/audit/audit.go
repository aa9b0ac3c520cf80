// Package audit provides value types for the proxied-request audit trail.
package audit

import "time"

// Protocol identifies how a request was forwarded to the gateway.
type Protocol string

// Forwarding protocols.
const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
)

// Event records one proxied request (immutable value type). Events carry
// injected parameter names only; secret values never enter the trail.
type Event struct {
	ID         string
	Protocol   Protocol
	Method     string
	Path       string // original path, before injection
	Status     int
	LatencyMs  int64
	Injected   []string
	Skipped    []string
	ErrorClass string // empty on success
	RemoteIP   string
	Timestamp  time.Time
}
