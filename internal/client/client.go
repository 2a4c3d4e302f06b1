// Package client implements the caller side of the proxy (spec C13): it
// drives the three-leg handshake against a remote server, then exchanges
// sealed tool requests over the resulting encrypted channel, correlating
// each response back to the request that produced it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/handshake"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// Doer performs an HTTP round trip. *http.Client satisfies it; tests can
// substitute a fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// sealedEnvelope mirrors internal/server's wire shape for an encrypted
// session message: a counter-derived nonce and its AEAD ciphertext.
type sealedEnvelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// proxyRequest mirrors internal/server.ProxyRequest.
type proxyRequest struct {
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// proxyResponse mirrors internal/server.ProxyResponse.
type proxyResponse struct {
	RequestID string              `json:"requestId"`
	OK        bool                `json:"ok"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Error     *proxyerr.WireError `json:"error,omitempty"`
}

// wireErrorResponse mirrors the plain (unsealed) error shape the server
// returns from the handshake endpoints and from SessionNotFound/auth
// failures at the request endpoint, where no channel exists to seal with.
type wireErrorResponse struct {
	OK    bool               `json:"ok"`
	Error proxyerr.WireError `json:"error"`
}

// Client is a single caller's connection to one remote server. It is safe
// for concurrent use once Handshake has completed: concurrent Call
// invocations serialize on a client-side lock around the whole round trip,
// because the server only accepts strictly increasing nonce counters.
type Client struct {
	baseURL      string
	httpClient   Doer
	self         *crypto.KeyBundle
	serverHint   string
	knownServers map[string]crypto.PublicKeyBundle

	callMu sync.Mutex // serializes Call round trips

	mu        sync.Mutex
	sessionID string
	channel   *crypto.EncryptedChannel

	nextRequestID uint64
}

// New builds a Client targeting baseURL (e.g. "https://proxy.example.com"),
// authenticating itself with self and expecting the server identified by
// serverFingerprintHint, drawn from knownServers.
func New(baseURL string, httpClient Doer, self *crypto.KeyBundle, serverFingerprintHint string, knownServers map[string]crypto.PublicKeyBundle) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   httpClient,
		self:         self,
		serverHint:   serverFingerprintHint,
		knownServers: knownServers,
	}
}

// Handshake performs the three-leg handshake and installs the resulting
// session. It must succeed before Call can be used.
func (c *Client) Handshake(ctx context.Context) error {
	hc := handshake.NewClient(c.self, c.serverHint)

	init, err := hc.Init()
	if err != nil {
		return err
	}

	var reply handshake.ReplyMessage
	if err := c.post(ctx, "/handshake/init", init, &reply); err != nil {
		return err
	}

	finish, result, err := hc.ProcessReply(&reply, c.knownServers)
	if err != nil {
		return err
	}

	var finishResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.post(ctx, "/handshake/finish", finish, &finishResp); err != nil {
		return err
	}
	if finishResp.SessionID != result.Keys.SessionID {
		return proxyerr.New(proxyerr.MalformedMessage, "server acknowledged session %s, expected %s", finishResp.SessionID, result.Keys.SessionID)
	}

	c.mu.Lock()
	c.sessionID = result.Keys.SessionID
	c.channel = crypto.NewClientChannel(result.Keys)
	c.mu.Unlock()
	return nil
}

// Call invokes tool with input (marshaled to JSON) and decodes result into
// out, which may be nil to discard it. It fails with proxyerr.SessionNotFound
// if Handshake has not yet completed or the session was closed by a prior
// authentication failure.
func (c *Client) Call(ctx context.Context, tool string, input, out any) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	sessionID, channel := c.sessionID, c.channel
	c.mu.Unlock()
	if channel == nil {
		return proxyerr.New(proxyerr.SessionNotFound, "call %q attempted before a completed handshake", tool)
	}

	requestID := c.newRequestID()

	var inputRaw json.RawMessage
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return proxyerr.Wrap(proxyerr.MalformedMessage, err, "encode %q input", tool)
		}
		inputRaw = raw
	}

	plaintext, err := json.Marshal(proxyRequest{RequestID: requestID, Tool: tool, Input: inputRaw})
	if err != nil {
		return proxyerr.Wrap(proxyerr.MalformedMessage, err, "encode tool request")
	}

	nonce, ciphertext, err := channel.Seal(plaintext)
	if err != nil {
		return proxyerr.Wrap(proxyerr.MalformedMessage, err, "seal tool request")
	}

	var env sealedEnvelope
	if err := c.post(ctx, "/session/"+sessionID+"/request", sealedEnvelope{Nonce: nonce, Ciphertext: ciphertext}, &env); err != nil {
		return err
	}

	respPlaintext, err := channel.Open(env.Nonce, env.Ciphertext)
	if err != nil {
		// A response that fails to authenticate leaves this channel
		// untrusted; drop it so the next Call fails fast with
		// SessionNotFound instead of reusing it.
		c.mu.Lock()
		c.channel = nil
		c.mu.Unlock()
		return proxyerr.Wrap(proxyerr.InvalidSignature, err, "open response channel")
	}

	var resp proxyResponse
	if err := json.Unmarshal(respPlaintext, &resp); err != nil {
		return proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode tool response")
	}
	if resp.RequestID != requestID {
		return proxyerr.New(proxyerr.MalformedMessage, "response requestId %q does not match request %q", resp.RequestID, requestID)
	}
	if !resp.OK {
		if resp.Error != nil {
			return &proxyerr.Error{Kind: resp.Error.Kind, Message: resp.Error.Message}
		}
		return proxyerr.New(proxyerr.MalformedMessage, "tool %q failed with no error detail", tool)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode %q result", tool)
		}
	}
	return nil
}

func (c *Client) newRequestID() string {
	n := atomic.AddUint64(&c.nextRequestID, 1)
	return fmt.Sprintf("%s-%d", c.sessionIDSnapshot(), n)
}

func (c *Client) sessionIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// post sends body as JSON to path and decodes a successful response into
// out. A non-2xx response is decoded as a wireErrorResponse.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return proxyerr.Wrap(proxyerr.MalformedMessage, err, "encode request to %s", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return proxyerr.Wrap(proxyerr.MalformedMessage, err, "build request to %s", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return proxyerr.Wrap(proxyerr.UpstreamError, err, "request to %s", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return proxyerr.Wrap(proxyerr.UpstreamError, err, "read response from %s", path)
	}

	if resp.StatusCode >= 400 {
		var wireErr wireErrorResponse
		if jsonErr := json.Unmarshal(respBody, &wireErr); jsonErr == nil && wireErr.Error.Kind != "" {
			return &proxyerr.Error{Kind: wireErr.Error.Kind, Message: wireErr.Error.Message}
		}
		return proxyerr.New(proxyerr.UpstreamError, "%s returned status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode response from %s", path)
	}
	return nil
}
