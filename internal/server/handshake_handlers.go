package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/handshake"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

func (s *Server) handleHandshakeInit(w http.ResponseWriter, r *http.Request) {
	var init handshake.InitMessage
	if err := json.NewDecoder(r.Body).Decode(&init); err != nil {
		writeWireError(w, http.StatusBadRequest, proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode handshake init"))
		return
	}

	peers, _ := s.knownPeers()
	reply, err := s.hs.HandleInit(&init, peers)
	if err != nil {
		writeHandshakeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHandshakeFinish(w http.ResponseWriter, r *http.Request) {
	var finish handshake.FinishMessage
	if err := json.NewDecoder(r.Body).Decode(&finish); err != nil {
		writeWireError(w, http.StatusBadRequest, proxyerr.Wrap(proxyerr.MalformedMessage, err, "decode handshake finish"))
		return
	}

	result, err := s.hs.HandleFinish(&finish)
	if err != nil {
		writeHandshakeError(w, err)
		return
	}

	_, callerOf := s.knownPeers()
	callerAlias, ok := callerOf[result.PeerFingerprint]
	if !ok {
		writeWireError(w, http.StatusForbidden, proxyerr.New(proxyerr.UnknownPeer, "fingerprint %s matched no registered caller", crypto.FingerprintHex(result.PeerFingerprint)))
		return
	}

	now := time.Now()
	sess := &Session{
		ID:              result.Keys.SessionID,
		CallerAlias:     callerAlias,
		PeerFingerprint: result.PeerFingerprint,
		Channel:         crypto.NewServerChannel(result.Keys),
		CreatedAt:       result.Keys.CreatedAt,
		lastActivity:    now,
	}
	s.sessions.put(sess)

	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID})
}

// writeHandshakeError maps a proxyerr.Kind to an HTTP status for the
// unauthenticated handshake endpoints, where no session channel exists yet
// to carry a sealed error response.
func writeHandshakeError(w http.ResponseWriter, err error) {
	pe, ok := proxyerr.As(err)
	if !ok {
		writeWireError(w, http.StatusInternalServerError, proxyerr.Wrap(proxyerr.MalformedMessage, err, "handshake failed"))
		return
	}
	status := http.StatusBadRequest
	switch pe.Kind {
	case proxyerr.UnknownPeer, proxyerr.InvalidSignature:
		status = http.StatusForbidden
	case proxyerr.SessionNotFound, proxyerr.HandshakeTimeout:
		status = http.StatusNotFound
	case proxyerr.TimestampSkew:
		status = http.StatusUnauthorized
	}
	writeWireError(w, status, pe)
}

func writeWireError(w http.ResponseWriter, status int, pe *proxyerr.Error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": pe.Wire()})
}
