package pipeline_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/pipeline"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
	"github.com/drawlatch/secure-mcp-proxy/internal/ratelimit"
)

type fakeDispatcher struct {
	resp *http.Response
	err  error
	reqs []*http.Request
}

func (f *fakeDispatcher) Do(req *http.Request) (*http.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Header: make(http.Header), Body: io.NopCloser(strings.NewReader(body))}
}

func testSetup(t *testing.T) (*config.Config, *config.Resolver) {
	t.Helper()
	cfg := &config.Config{
		Host: "0.0.0.0", Port: 8443, LocalKeysDir: "/keys", RateLimitPerMinute: 2,
		Callers: map[string]config.CallerConfig{
			"acme": {PeerKeyDir: "/peers/acme", Connections: []string{"github"}, Env: map[string]string{"GITHUB_TOKEN": "ghp_x"}},
		},
		Connectors: []config.Route{
			{
				Alias:            "github",
				AllowedEndpoints: []string{"https://api.github.com/**"},
				Headers:          map[string]string{"Authorization": "Bearer ${GITHUB_TOKEN}"},
				NonOverridable:   []string{"Authorization"},
			},
		},
	}
	return cfg, config.NewResolver(cfg, nil)
}

func TestHTTPRequestHappyPath(t *testing.T) {
	cfg, resolver := testSetup(t)
	disp := &fakeDispatcher{resp: newResponse(200, `{"ok":true}`)}
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), disp)

	out, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{
		Connection: "github", Method: "GET", Path: "/repos/x",
	})
	if err != nil {
		t.Fatalf("HTTPRequest: %v", err)
	}
	if out.Status != 200 {
		t.Errorf("got status %d, want 200", out.Status)
	}
	if len(disp.reqs) != 1 {
		t.Fatalf("expected 1 dispatched request, got %d", len(disp.reqs))
	}
	if got := disp.reqs[0].Header.Get("Authorization"); got != "Bearer ghp_x" {
		t.Errorf("got Authorization %q", got)
	}
	if got := disp.reqs[0].URL.String(); got != "https://api.github.com/repos/x" {
		t.Errorf("got url %q", got)
	}
}

func TestHTTPRequestCallerCannotOverrideNonOverridableHeader(t *testing.T) {
	cfg, resolver := testSetup(t)
	disp := &fakeDispatcher{resp: newResponse(200, "")}
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), disp)

	_, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{
		Connection: "github", Method: "GET", Path: "/repos/x",
		Headers: map[string]string{"Authorization": "Bearer stolen"},
	})
	if err != nil {
		t.Fatalf("HTTPRequest: %v", err)
	}
	if got := disp.reqs[0].Header.Get("Authorization"); got != "Bearer ghp_x" {
		t.Errorf("caller overrode non-overridable header, got %q", got)
	}
}

func TestHTTPRequestEndpointDenied(t *testing.T) {
	cfg, resolver := testSetup(t)
	disp := &fakeDispatcher{resp: newResponse(200, "")}
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), disp)

	_, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{
		Connection: "github", Method: "GET", URL: "https://evil.example/x",
	})
	pe, ok := proxyerr.As(err)
	if !ok || pe.Kind != proxyerr.EndpointDenied {
		t.Fatalf("expected EndpointDenied, got %v", err)
	}
	if len(disp.reqs) != 0 {
		t.Fatalf("denied request must not reach the dispatcher")
	}
}

func TestHTTPRequestRateLimitedDoesNotDispatch(t *testing.T) {
	cfg, resolver := testSetup(t)
	disp := &fakeDispatcher{resp: newResponse(200, "")}
	p := pipeline.New(cfg, resolver, ratelimit.New(1, time.Minute), ingestor.NewManager(), disp)

	if _, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{Connection: "github", Path: "/a"}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{Connection: "github", Path: "/b"})
	pe, ok := proxyerr.As(err)
	if !ok || pe.Kind != proxyerr.RateLimited {
		t.Fatalf("expected RateLimited on second request, got %v", err)
	}
	if len(disp.reqs) != 1 {
		t.Fatalf("rate-limited request must not reach the dispatcher, dispatched %d", len(disp.reqs))
	}
}

func TestHTTPRequestUnknownConnection(t *testing.T) {
	cfg, resolver := testSetup(t)
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), &fakeDispatcher{resp: newResponse(200, "")})

	_, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{Connection: "nope", Path: "/a"})
	pe, ok := proxyerr.As(err)
	if !ok || pe.Kind != proxyerr.UnknownConnection {
		t.Fatalf("expected UnknownConnection, got %v", err)
	}
}

func TestHTTPRequestUpstreamErrorOnTransportFailure(t *testing.T) {
	cfg, resolver := testSetup(t)
	disp := &fakeDispatcher{err: io.ErrUnexpectedEOF}
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), disp)

	_, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{Connection: "github", Path: "/a"})
	pe, ok := proxyerr.As(err)
	if !ok || pe.Kind != proxyerr.UpstreamError {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestHTTPRequestNon2xxIsNotAnError(t *testing.T) {
	cfg, resolver := testSetup(t)
	disp := &fakeDispatcher{resp: newResponse(500, "server exploded")}
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), disp)

	out, err := p.HTTPRequest(context.Background(), "acme", pipeline.HTTPRequestInput{Connection: "github", Path: "/a"})
	if err != nil {
		t.Fatalf("non-2xx must not be a pipeline error: %v", err)
	}
	if out.Status != 500 || string(out.Body) != "server exploded" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestListRoutesRedactsSecrets(t *testing.T) {
	cfg, resolver := testSetup(t)
	cfg.Connectors[0].Secrets = map[string]string{"token": "${GITHUB_TOKEN}"}
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), &fakeDispatcher{})

	routes, err := p.ListRoutes("acme")
	if err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
	if len(routes) != 1 || routes[0].Secrets["token"] != "[redacted]" {
		t.Fatalf("expected redacted secret, got %+v", routes)
	}
}

func TestPollEventsUnknownCaller(t *testing.T) {
	cfg, resolver := testSetup(t)
	p := pipeline.New(cfg, resolver, ratelimit.New(cfg.RateLimitPerMinute, time.Minute), ingestor.NewManager(), &fakeDispatcher{})

	_, err := p.PollEvents("ghost", "", -1)
	pe, ok := proxyerr.As(err)
	if !ok || pe.Kind != proxyerr.UnknownCaller {
		t.Fatalf("expected UnknownCaller, got %v", err)
	}
}
