package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/observability"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// sealedEnvelope is the wire shape of every message exchanged over an
// established session: a counter-derived nonce and the AEAD ciphertext it
// was sealed with.
type sealedEnvelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// ProxyRequest is the plaintext a sealed envelope decrypts to on the way in.
type ProxyRequest struct {
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ProxyResponse is the plaintext a sealed envelope carries on the way out.
type ProxyResponse struct {
	RequestID string              `json:"requestId"`
	OK        bool                `json:"ok"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Error     *proxyerr.WireError `json:"error,omitempty"`
}

func (s *Server) handleSessionRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sessions.get(id)
	if !ok {
		writeWireError(w, http.StatusNotFound, proxyerr.New(proxyerr.SessionNotFound, "no session %s", id))
		return
	}

	var env sealedEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeWireError(w, http.StatusBadRequest, proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode sealed envelope"))
		return
	}

	plaintext, err := sess.Channel.Open(env.Nonce, env.Ciphertext)
	if err != nil {
		// A channel-level authentication failure (bad tag or a replayed
		// counter) ends the session outright; the client must re-handshake.
		s.sessions.remove(id)
		kind := proxyerr.InvalidSignature
		if errors.Is(err, crypto.ErrReplayDetected) {
			kind = proxyerr.ReplayDetected
		}
		writeWireError(w, http.StatusUnauthorized, proxyerr.Wrap(kind, err, "channel authentication failed"))
		return
	}

	var req ProxyRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		s.respondSealed(w, sess, ProxyResponse{
			OK:    false,
			Error: wireErrorPtr(proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode tool request")),
		})
		return
	}

	sess.touch(time.Now())
	observability.WithSession(r.Context(), sess.ID, sess.CallerAlias).Debug("dispatching tool call", "tool", req.Tool)

	result, callErr := s.dispatch(r.Context(), sess, req.Tool, req.Input)
	resp := ProxyResponse{RequestID: req.RequestID, OK: callErr == nil}
	if callErr != nil {
		pe, ok := proxyerr.As(callErr)
		if !ok {
			pe = proxyerr.Wrap(proxyerr.MalformedMessage, callErr, "tool handler failed")
		}
		resp.Error = wireErrorPtr(pe)
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.OK = false
			resp.Error = wireErrorPtr(proxyerr.Wrap(proxyerr.MalformedMessage, err, "encode tool result"))
		} else {
			resp.Result = raw
		}
	}

	s.respondSealed(w, sess, resp)
}

func wireErrorPtr(pe *proxyerr.Error) *proxyerr.WireError {
	wire := pe.Wire()
	return &wire
}

func (s *Server) respondSealed(w http.ResponseWriter, sess *Session, resp ProxyResponse) {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		writeWireError(w, http.StatusInternalServerError, proxyerr.Wrap(proxyerr.MalformedMessage, err, "encode response"))
		return
	}
	nonce, ciphertext, err := sess.Channel.Seal(plaintext)
	if err != nil {
		writeWireError(w, http.StatusInternalServerError, proxyerr.Wrap(proxyerr.MalformedMessage, err, "seal response"))
		return
	}
	writeJSON(w, http.StatusOK, sealedEnvelope{Nonce: nonce, Ciphertext: ciphertext})
}

// dispatch routes one decrypted tool call: admin tools require role==admin,
// and every tool except http_request (which gates its own rate-limit
// admission after the endpoint whitelist check) consumes one admission from
// the caller's shared rate-limit window.
func (s *Server) dispatch(ctx context.Context, sess *Session, tool string, input json.RawMessage) (any, error) {
	handler, ok := toolTable[tool]
	if !ok {
		return nil, proxyerr.New(proxyerr.MalformedMessage, "unknown tool %q", tool)
	}

	if strings.HasPrefix(tool, "admin_") {
		cfg, _ := s.snapshot()
		caller, ok := cfg.Callers[sess.CallerAlias]
		if !ok || !caller.IsAdmin() {
			return nil, proxyerr.New(proxyerr.NotAuthorized, "caller %q is not an admin", sess.CallerAlias)
		}
	}

	if tool != "http_request" {
		if !s.limiter.Allow(sess.CallerAlias) {
			return nil, proxyerr.New(proxyerr.RateLimited, "caller %q exceeded its rate limit", sess.CallerAlias)
		}
	}

	return handler(s, ctx, sess, input)
}
