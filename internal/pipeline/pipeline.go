// Package pipeline implements the per-caller request pipeline (spec C5):
// the four tools a proxied session can invoke — http_request, list_routes,
// poll_events, ingestor_status — each resolved against the caller's
// enabled connections, endpoint whitelist, and rate-limit budget before
// anything leaves the process.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
	"github.com/drawlatch/secure-mcp-proxy/internal/ratelimit"
)

// DefaultDispatchTimeout bounds a single http_request dispatch (spec §5).
const DefaultDispatchTimeout = 30 * time.Second

// Dispatcher performs an outbound HTTP request. *http.Client satisfies it.
// The pipeline depends only on this interface — the concrete transport is
// an external collaborator per spec §1.
type Dispatcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRequestInput is the decoded input of the http_request tool.
type HTTPRequestInput struct {
	Connection string
	Method     string
	Path       string // joined against the route's BaseURL
	URL        string // used verbatim when Path is empty
	Headers    map[string]string
	Query      map[string]string
	Body       []byte
}

// HTTPRequestOutput is returned to the caller verbatim — a non-2xx status
// is not a pipeline error.
type HTTPRequestOutput struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// Pipeline ties together route resolution, endpoint whitelisting, rate
// limiting, and HTTP dispatch for one remote server instance. A single
// Pipeline is shared across every session the server holds.
type Pipeline struct {
	cfg       *config.Config
	resolver  *config.Resolver
	limiter   *ratelimit.Limiter
	ingestors *ingestor.Manager
	dispatch  Dispatcher
}

// New builds a Pipeline. dispatch may be nil, in which case an *http.Client
// with DefaultDispatchTimeout is used.
func New(cfg *config.Config, resolver *config.Resolver, limiter *ratelimit.Limiter, mgr *ingestor.Manager, dispatch Dispatcher) *Pipeline {
	if dispatch == nil {
		dispatch = &http.Client{Timeout: DefaultDispatchTimeout}
	}
	return &Pipeline{cfg: cfg, resolver: resolver, limiter: limiter, ingestors: mgr, dispatch: dispatch}
}

// callerRoutes resolves callerAlias's enabled routes against its own env.
func (p *Pipeline) callerRoutes(callerAlias string) ([]config.ResolvedRoute, error) {
	caller, ok := p.cfg.Callers[callerAlias]
	if !ok {
		return nil, proxyerr.New(proxyerr.UnknownCaller, "no caller configured with alias %q", callerAlias)
	}
	raw, err := p.resolver.ResolveCallerRoutes(callerAlias)
	if err != nil {
		return nil, err
	}
	return config.ResolveRoutes(raw, caller.Env)
}

// ListRoutes returns callerAlias's resolved connections with secrets
// redacted, for the list_routes tool.
func (p *Pipeline) ListRoutes(callerAlias string) ([]config.ResolvedRoute, error) {
	routes, err := p.callerRoutes(callerAlias)
	if err != nil {
		return nil, err
	}
	out := make([]config.ResolvedRoute, len(routes))
	for i, r := range routes {
		out[i] = r.Redacted()
	}
	return out, nil
}

// HTTPRequest implements the http_request tool (spec §4.5): resolve the
// connection, check the endpoint whitelist, merge headers, consult the rate
// limiter, then dispatch. Endpoint denial and rate limiting never reach the
// network and never consume the caller's rate budget.
func (p *Pipeline) HTTPRequest(ctx context.Context, callerAlias string, in HTTPRequestInput) (*HTTPRequestOutput, error) {
	routes, err := p.callerRoutes(callerAlias)
	if err != nil {
		return nil, err
	}
	route, err := config.MatchRoute(in.Connection, routes)
	if err != nil {
		return nil, err
	}

	effectiveURL, err := effectiveURL(route, in)
	if err != nil {
		return nil, err
	}

	if !config.IsEndpointAllowed(effectiveURL, route.AllowedEndpoints) {
		return nil, proxyerr.New(proxyerr.EndpointDenied, "endpoint %q is not allowed for connection %q", effectiveURL, route.Alias)
	}

	if !p.limiter.Allow(callerAlias) {
		return nil, proxyerr.New(proxyerr.RateLimited, "caller %q exceeded its rate limit", callerAlias)
	}

	method := in.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if len(in.Body) > 0 {
		bodyReader = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, effectiveURL, bodyReader)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "build outbound request")
	}
	applyHeaders(req, route, in.Headers)

	resp, err := p.dispatch.Do(req)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.UpstreamError, err, "dispatch to %q", effectiveURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.UpstreamError, err, "read upstream response body")
	}

	return &HTTPRequestOutput{Status: resp.StatusCode, Headers: map[string][]string(resp.Header), Body: body}, nil
}

// effectiveURL joins Path against the route's BaseURL, or returns URL
// verbatim, then appends Query parameters either way.
func effectiveURL(route config.ResolvedRoute, in HTTPRequestInput) (string, error) {
	base := in.URL
	if in.Path != "" {
		base = strings.TrimRight(route.BaseURL, "/") + "/" + strings.TrimLeft(in.Path, "/")
	}
	if base == "" {
		return "", proxyerr.New(proxyerr.MalformedMessage, "http_request requires either path or url")
	}
	if len(in.Query) == 0 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.MalformedMessage, err, "parse effective url")
	}
	q := u.Query()
	for k, v := range in.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// applyHeaders sets the route's template headers, then layers the caller's
// own headers on top — except where the route marks a header
// non-overridable, in which case the template value wins.
func applyHeaders(req *http.Request, route config.ResolvedRoute, callerHeaders map[string]string) {
	for k, v := range route.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range callerHeaders {
		if route.NonOverridable[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
}

// PollEventsOutput is the response shape for the poll_events tool.
type PollEventsOutput struct {
	Events []ingestor.IngestedEvent
	Cursor int64
}

// PollEvents implements poll_events: connection == "" merges every
// ingestor belonging to callerAlias, sorted by receipt time; otherwise it
// drains a single ingestor.
func (p *Pipeline) PollEvents(callerAlias, connection string, afterID int64) (*PollEventsOutput, error) {
	if _, ok := p.cfg.Callers[callerAlias]; !ok {
		return nil, proxyerr.New(proxyerr.UnknownCaller, "no caller configured with alias %q", callerAlias)
	}

	var events []ingestor.IngestedEvent
	if connection == "" {
		events = p.ingestors.GetAllEvents(callerAlias, afterID)
	} else {
		var err error
		events, err = p.ingestors.GetEvents(callerAlias, connection, afterID)
		if err != nil {
			return nil, err
		}
	}

	cursor := afterID
	for _, e := range events {
		if e.ID > cursor {
			cursor = e.ID
		}
	}
	return &PollEventsOutput{Events: events, Cursor: cursor}, nil
}

// IngestorStatus implements ingestor_status: connection == "" returns every
// ingestor belonging to callerAlias.
func (p *Pipeline) IngestorStatus(callerAlias, connection string) ([]ingestor.Status, error) {
	if _, ok := p.cfg.Callers[callerAlias]; !ok {
		return nil, proxyerr.New(proxyerr.UnknownCaller, "no caller configured with alias %q", callerAlias)
	}

	statuses := p.ingestors.GetStatuses(callerAlias)
	if connection == "" {
		return statuses, nil
	}
	for _, s := range statuses {
		if s.Connection == connection {
			return []ingestor.Status{s}, nil
		}
	}
	return nil, proxyerr.New(proxyerr.NoIngestorRunning, "no ingestor running for %s:%s", callerAlias, connection)
}
