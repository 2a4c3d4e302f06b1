package server

import (
	"context"
	"encoding/json"

	"github.com/drawlatch/secure-mcp-proxy/internal/pipeline"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// toolHandler is the shape of every dispatchable tool. Method-expression
// values (e.g. (*Server).toolHTTPRequest) satisfy it directly.
type toolHandler func(s *Server, ctx context.Context, sess *Session, input json.RawMessage) (any, error)

var toolTable = map[string]toolHandler{
	"http_request":                    (*Server).toolHTTPRequest,
	"list_routes":                     (*Server).toolListRoutes,
	"poll_events":                     (*Server).toolPollEvents,
	"ingestor_status":                 (*Server).toolIngestorStatus,
	"admin_register_caller":           (*Server).adminRegisterCaller,
	"admin_remove_caller":             (*Server).adminRemoveCaller,
	"admin_update_caller_connections": (*Server).adminUpdateCallerConnections,
	"admin_set_secrets":               (*Server).adminSetSecrets,
	"admin_get_secret_status":         (*Server).adminGetSecretStatus,
	"admin_list_callers":              (*Server).adminListCallers,
	"admin_list_connection_templates": (*Server).adminListConnectionTemplates,
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode tool input")
	}
	return nil
}

type httpRequestInput struct {
	Connection string            `json:"connection"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Query      map[string]string `json:"query"`
	Body       []byte            `json:"body"`
}

func (s *Server) toolHTTPRequest(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in httpRequestInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	return s.pipelineSnapshot().HTTPRequest(ctx, sess.CallerAlias, pipeline.HTTPRequestInput{
		Connection: in.Connection,
		Method:     in.Method,
		Path:       in.Path,
		URL:        in.URL,
		Headers:    in.Headers,
		Query:      in.Query,
		Body:       in.Body,
	})
}

func (s *Server) toolListRoutes(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	return s.pipelineSnapshot().ListRoutes(sess.CallerAlias)
}

type pollEventsInput struct {
	Connection string `json:"connection"`
	AfterID    int64  `json:"afterId"`
}

func (s *Server) toolPollEvents(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in pollEventsInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	return s.pipelineSnapshot().PollEvents(sess.CallerAlias, in.Connection, in.AfterID)
}

type ingestorStatusInput struct {
	Connection string `json:"connection"`
}

func (s *Server) toolIngestorStatus(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in ingestorStatusInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	return s.pipelineSnapshot().IngestorStatus(sess.CallerAlias, in.Connection)
}
