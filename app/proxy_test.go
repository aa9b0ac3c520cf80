package app

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandgate/sandgate/adapters/clock"
	"github.com/sandgate/sandgate/adapters/idgen"
	"github.com/sandgate/sandgate/domain/audit"
	"github.com/sandgate/sandgate/domain/inject"
)

// fakeRuntime records what is forwarded and serves canned responses.
type fakeRuntime struct {
	lastTarget string
	lastReq    *http.Request
	resp       *http.Response
	err        error
}

func (f *fakeRuntime) HTTPFetch(ctx context.Context, target string, req *http.Request, port int) (*http.Response, error) {
	f.lastTarget = target
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeRuntime) WSConnect(ctx context.Context, target string, req *http.Request, port int) (net.Conn, *bufio.Reader, error) {
	f.lastTarget = target
	f.lastReq = req
	return nil, nil, f.err
}

func (f *fakeRuntime) HealthCheck(ctx context.Context, port int) error {
	return f.err
}

func testService(rt *fakeRuntime, values map[inject.Key]string) *ProxyService {
	return NewProxyService(ProxyDeps{
		Runtime: rt,
		Clock:   clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		IDGen:   idgen.NewSequential("req-"),
		Logger:  zerolog.Nop(),
	}, GatewayConfig{
		Rules:  inject.Default,
		Values: values,
		Port:   49152,
	})
}

func TestPrepareInjectsToken(t *testing.T) {
	svc := testService(&fakeRuntime{}, map[inject.Key]string{
		inject.KeyGatewayToken: "abc123",
	})

	r := httptest.NewRequest(http.MethodGet, "/api/chat?z=1", nil)
	prep, err := svc.Prepare(r, svc.Rules())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if !strings.Contains(prep.Target, "token=abc123") {
		t.Errorf("target %q missing injected token", prep.Target)
	}
	if !strings.Contains(prep.Target, "z=1") {
		t.Errorf("target %q dropped caller query param", prep.Target)
	}
	if len(prep.Injected) != 1 || prep.Injected[0] != "token" {
		t.Errorf("Injected = %v, want [token]", prep.Injected)
	}
	// debug and client are optional and unset
	if len(prep.Skipped) != 2 {
		t.Errorf("Skipped = %v, want two names", prep.Skipped)
	}
}

func TestPrepareDoesNotMutateInbound(t *testing.T) {
	svc := testService(&fakeRuntime{}, map[inject.Key]string{
		inject.KeyGatewayToken: "abc123",
	})

	r := httptest.NewRequest(http.MethodGet, "/api/chat?z=1", nil)
	before := r.URL.String()

	if _, err := svc.Prepare(r, svc.Rules()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if r.URL.String() != before {
		t.Errorf("inbound URL changed: %q -> %q", before, r.URL.String())
	}
}

func TestPrepareClonesHeaders(t *testing.T) {
	svc := testService(&fakeRuntime{}, map[inject.Key]string{
		inject.KeyGatewayToken: "abc123",
	})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("X-Custom", "v")

	prep, err := svc.Prepare(r, svc.Rules())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	for _, name := range []string{"Upgrade", "Connection", "Sec-WebSocket-Key", "X-Custom"} {
		if prep.Request.Header.Get(name) != r.Header.Get(name) {
			t.Errorf("header %s = %q, want %q", name, prep.Request.Header.Get(name), r.Header.Get(name))
		}
	}

	// Cloned, not shared
	prep.Request.Header.Set("X-Custom", "changed")
	if r.Header.Get("X-Custom") != "v" {
		t.Error("header mutation leaked into inbound request")
	}
}

func TestPrepareBodyPassesThrough(t *testing.T) {
	svc := testService(&fakeRuntime{}, map[inject.Key]string{
		inject.KeyGatewayToken: "abc123",
	})

	r := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("payload"))
	prep, err := svc.Prepare(r, svc.Rules())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	b, err := io.ReadAll(prep.Request.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != "payload" {
		t.Errorf("body = %q, want %q", string(b), "payload")
	}
}

func TestPrepareMissingToken(t *testing.T) {
	svc := testService(&fakeRuntime{}, map[inject.Key]string{})

	r := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	_, err := svc.Prepare(r, svc.Rules())

	var missing *inject.MissingParamsError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingParamsError", err)
	}
	if len(missing.Params) != 1 || missing.Params[0] != "token" {
		t.Errorf("Params = %v, want [token]", missing.Params)
	}
}

func TestUpdateGatewayRotatesToken(t *testing.T) {
	svc := testService(&fakeRuntime{}, map[inject.Key]string{
		inject.KeyGatewayToken: "old-token",
	})

	svc.UpdateGateway(GatewayConfig{
		Rules:  inject.Default,
		Values: map[inject.Key]string{inject.KeyGatewayToken: "new-token"},
		Port:   49152,
	})

	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	prep, err := svc.Prepare(r, svc.Rules())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !strings.Contains(prep.Target, "token=new-token") {
		t.Errorf("target %q, want rotated token", prep.Target)
	}
}

func TestFetchHTTPForwardsTarget(t *testing.T) {
	rt := &fakeRuntime{resp: &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(""))}}
	svc := testService(rt, map[inject.Key]string{
		inject.KeyGatewayToken: "abc123",
	})

	r := httptest.NewRequest(http.MethodGet, "/api/chat?z=1", nil)
	prep, err := svc.Prepare(r, svc.Rules())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	resp, err := svc.FetchHTTP(context.Background(), prep)
	if err != nil {
		t.Fatalf("FetchHTTP: %v", err)
	}
	resp.Body.Close()

	if rt.lastTarget != prep.Target {
		t.Errorf("runtime saw target %q, want %q", rt.lastTarget, prep.Target)
	}
}

func TestRecordAuditFillsIDAndTimestamp(t *testing.T) {
	rec := &captureRecorder{}
	svc := NewProxyService(ProxyDeps{
		Runtime: &fakeRuntime{},
		Audit:   rec,
		Clock:   clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		IDGen:   idgen.NewSequential("req-"),
		Logger:  zerolog.Nop(),
	}, GatewayConfig{Rules: inject.Default})

	svc.RecordAudit(audit.Event{Protocol: audit.ProtocolHTTP, Method: "GET", Path: "/api", Status: 200})

	if len(rec.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(rec.events))
	}
	e := rec.events[0]
	if e.ID != "req-1" {
		t.Errorf("ID = %q, want req-1", e.ID)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp not filled")
	}
}

func TestRedactQueryHidesValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api?token=supersecret&z=1", nil)
	got := redactQuery(r.URL, []string{"token"})

	if strings.Contains(got, "supersecret") {
		t.Errorf("redacted query %q still contains the secret", got)
	}
	if !strings.Contains(got, "z=1") {
		t.Errorf("redacted query %q dropped untargeted param", got)
	}
}

type captureRecorder struct {
	events []audit.Event
}

func (c *captureRecorder) Record(e audit.Event)            { c.events = append(c.events, e) }
func (c *captureRecorder) Flush(ctx context.Context) error { return nil }
func (c *captureRecorder) Close() error                    { return nil }
