// Package app provides application services that orchestrate domain logic.
package app

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sandgate/sandgate/domain/audit"
	"github.com/sandgate/sandgate/domain/gateway"
	"github.com/sandgate/sandgate/domain/inject"
	"github.com/sandgate/sandgate/ports"
)

// ProxyService prepares inbound requests for the agent gateway and
// forwards them through the container runtime.
type ProxyService struct {
	runtime ports.ContainerRuntime
	audit   ports.AuditRecorder
	clock   ports.Clock
	idGen   ports.IDGenerator
	logger  zerolog.Logger

	// Dynamic configuration (hot-reloadable)
	dynamicCfg atomic.Pointer[gatewayState]
}

// GatewayConfig contains the hot-reloadable gateway settings. The token
// may rotate between requests; each request reads one consistent snapshot.
type GatewayConfig struct {
	// Rules selects which configuration values go into the query string.
	Rules inject.RuleSet

	// Values holds the current configuration values by key.
	Values map[inject.Key]string

	// Port is the container port the gateway process listens on.
	Port int

	// Debug logs original and rewritten path+query per request. Values
	// of injected parameters are redacted in the log.
	Debug bool
}

// gatewayState pairs a config snapshot with the classifier derived from
// its secrets.
type gatewayState struct {
	cfg        GatewayConfig
	classifier *gateway.Classifier
}

// ProxyDeps contains dependencies for ProxyService.
type ProxyDeps struct {
	Runtime ports.ContainerRuntime
	Audit   ports.AuditRecorder
	Clock   ports.Clock
	IDGen   ports.IDGenerator
	Logger  zerolog.Logger
}

// NewProxyService creates a new proxy service.
func NewProxyService(deps ProxyDeps, cfg GatewayConfig) *ProxyService {
	s := &ProxyService{
		runtime: deps.Runtime,
		audit:   deps.Audit,
		clock:   deps.Clock,
		idGen:   deps.IDGen,
		logger:  deps.Logger,
	}
	s.UpdateGateway(cfg)
	return s
}

// UpdateGateway swaps in new gateway configuration. This is thread-safe
// and can be called while handling requests; in-flight requests keep the
// snapshot they started with.
func (s *ProxyService) UpdateGateway(cfg GatewayConfig) {
	s.dynamicCfg.Store(&gatewayState{
		cfg:        cfg,
		classifier: gateway.NewClassifier(cfg.Values[inject.KeyGatewayToken]),
	})
}

func (s *ProxyService) snapshot() *gatewayState {
	return s.dynamicCfg.Load()
}

// Rules returns the current rule set.
func (s *ProxyService) Rules() inject.RuleSet {
	return s.snapshot().cfg.Rules
}

// Classifier returns the classifier for the current secrets.
func (s *ProxyService) Classifier() *gateway.Classifier {
	return s.snapshot().classifier
}

// PreparedRequest is an inbound request rewritten for the gateway.
type PreparedRequest struct {
	// Request carries the method, cloned headers, and the original body
	// reader. The body is consumed exactly once, when the runtime writes
	// it to the wire.
	Request *http.Request

	// Target is the authoritative rewritten path and query. The runtime
	// builds the wire request from it, not from Request.URL.
	Target string

	// Port is the gateway's container port for this snapshot.
	Port int

	// Injected and Skipped list target parameter names, never values.
	Injected []string
	Skipped  []string
}

// Prepare rewrites r's URL per the rule set and returns a request ready
// for forwarding. A *inject.MissingParamsError passes through so callers
// can report the full list of missing names.
func (s *ProxyService) Prepare(r *http.Request, rules inject.RuleSet) (*PreparedRequest, error) {
	st := s.snapshot()
	lookup := func(k inject.Key) string { return st.cfg.Values[k] }

	res, err := inject.Inject(r.URL, lookup, rules)
	if err != nil {
		return nil, err
	}

	out := r.Clone(r.Context())
	out.URL = res.URL
	out.RequestURI = ""

	target := res.URL.RequestURI()

	if st.cfg.Debug {
		s.logger.Debug().
			Str("original", r.URL.RequestURI()).
			Str("rewritten", redactQuery(res.URL, res.Injected)).
			Strs("injected", res.Injected).
			Strs("skipped", res.Skipped).
			Msg("prepared gateway request")
	}

	return &PreparedRequest{
		Request:  out,
		Target:   target,
		Port:     st.cfg.Port,
		Injected: res.Injected,
		Skipped:  res.Skipped,
	}, nil
}

// FetchHTTP forwards a prepared request and returns the gateway's
// response. The caller owns closing the response body.
func (s *ProxyService) FetchHTTP(ctx context.Context, prep *PreparedRequest) (*http.Response, error) {
	return s.runtime.HTTPFetch(ctx, prep.Target, prep.Request, prep.Port)
}

// ConnectWS dials the gateway and writes the prepared upgrade request.
// The caller reads the handshake response from the returned reader and
// owns the connection.
func (s *ProxyService) ConnectWS(ctx context.Context, prep *PreparedRequest) (net.Conn, *bufio.Reader, error) {
	return s.runtime.WSConnect(ctx, prep.Target, prep.Request, prep.Port)
}

// Healthy reports whether the gateway process is reachable.
func (s *ProxyService) Healthy(ctx context.Context) error {
	return s.runtime.HealthCheck(ctx, s.snapshot().cfg.Port)
}

// RecordAudit queues an audit event, filling in the ID and timestamp.
// Events carry parameter names only; no secret value ever enters one.
func (s *ProxyService) RecordAudit(e audit.Event) {
	if s.audit == nil {
		return
	}
	if e.ID == "" {
		e.ID = s.idGen.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	s.audit.Record(e)
}

// redactQuery renders u's path and query with injected parameter values
// masked, safe for debug logs.
func redactQuery(u *url.URL, injected []string) string {
	masked := *u
	q := masked.Query()
	for _, name := range injected {
		q.Set(name, "xxxxx")
	}
	masked.RawQuery = q.Encode()
	return masked.RequestURI()
}
