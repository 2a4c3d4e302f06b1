package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	dcrypto "github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/client"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

type fakeDoer struct {
	resp *http.Response
	err  error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func jsonResponse(status int, v any) *http.Response {
	raw, _ := json.Marshal(v)
	return &http.Response{StatusCode: status, Header: make(http.Header), Body: io.NopCloser(bytes.NewReader(raw))}
}

func mustBundle(t *testing.T) *dcrypto.KeyBundle {
	t.Helper()
	b, err := dcrypto.GenerateKeyBundle()
	if err != nil {
		t.Fatalf("generate key bundle: %v", err)
	}
	return b
}

func assertKind(t *testing.T, err error, want proxyerr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s, got nil", want)
	}
	pe, ok := proxyerr.As(err)
	if !ok {
		t.Fatalf("expected *proxyerr.Error, got %T (%v)", err, err)
	}
	if pe.Kind != want {
		t.Fatalf("got kind %s, want %s", pe.Kind, want)
	}
}

func TestCallBeforeHandshakeFailsWithSessionNotFound(t *testing.T) {
	self := mustBundle(t)
	c := client.New("http://unused.invalid", &fakeDoer{}, self, "", nil)

	err := c.Call(context.Background(), "list_routes", nil, nil)
	assertKind(t, err, proxyerr.SessionNotFound)
}

func TestHandshakeSurfacesServerWireError(t *testing.T) {
	self := mustBundle(t)
	doer := &fakeDoer{resp: jsonResponse(http.StatusForbidden, map[string]any{
		"ok": false,
		"error": map[string]string{
			"kind":    string(proxyerr.UnknownPeer),
			"message": "fingerprint not registered",
		},
	})}
	c := client.New("http://unused.invalid", doer, self, "", nil)

	err := c.Handshake(context.Background())
	assertKind(t, err, proxyerr.UnknownPeer)
}

func TestHandshakeFailsOnTransportError(t *testing.T) {
	self := mustBundle(t)
	doer := &fakeDoer{err: errConnRefused{}}
	c := client.New("http://unused.invalid", doer, self, "", nil)

	err := c.Handshake(context.Background())
	assertKind(t, err, proxyerr.UpstreamError)
}

type errConnRefused struct{}

func (errConnRefused) Error() string { return "connection refused" }
