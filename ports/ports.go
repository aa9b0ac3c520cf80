// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sandgate/sandgate/domain/audit"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Container Forwarding Port
// -----------------------------------------------------------------------------

// ContainerRuntime delivers requests to a process listening on a port
// inside the sandboxed container.
//
// Both operations take the destination as an explicit target string in
// addition to the prepared request. The target is authoritative for the
// wire-level path and query: copy-constructed request objects have been
// observed to reach the backend without a rewritten query string across
// at least one runtime boundary, so implementations must build the wire
// request from target and never from req.URL alone. Callers verify the
// query actually arrives at the backend via integration tests, not by
// inspecting req.
type ContainerRuntime interface {
	// HTTPFetch forwards req to the process on port and returns its
	// response. The request body streams through without buffering;
	// the caller owns closing the response body.
	HTTPFetch(ctx context.Context, target string, req *http.Request, port int) (*http.Response, error)

	// WSConnect dials the process on port and writes the upgrade
	// request. It returns the raw connection plus a buffered reader
	// positioned at the start of the backend's handshake response,
	// which the caller reads and relays. The caller owns the
	// connection.
	WSConnect(ctx context.Context, target string, req *http.Request, port int) (net.Conn, *bufio.Reader, error)

	// HealthCheck verifies the process on port is reachable.
	HealthCheck(ctx context.Context, port int) error
}

// -----------------------------------------------------------------------------
// Audit Ports
// -----------------------------------------------------------------------------

// AuditStore persists audit events.
type AuditStore interface {
	// RecordBatch stores multiple audit events.
	RecordBatch(ctx context.Context, events []audit.Event) error

	// Recent returns the newest events, most recent first.
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// AuditRecorder accepts audit events for async processing.
type AuditRecorder interface {
	// Record queues an audit event. This must be non-blocking.
	Record(e audit.Event)

	// Flush forces immediate processing of queued events.
	Flush(ctx context.Context) error

	// Close stops the recorder and flushes remaining events.
	Close() error
}
