package handshake

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"time"

	dcrypto "github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

type pendingAttempt struct {
	clientSigningPub  ed25519.PublicKey
	clientFingerprint string
	serverNonce       []byte
	keys              *dcrypto.SessionKeys
	createdAt         time.Time
}

// Server tracks in-flight handshake attempts between Init/Reply and Finish.
// Mirrors the supervisor package's mutex-guarded map-by-key lifecycle, here
// keyed by session id instead of ingestor name.
type Server struct {
	self *dcrypto.KeyBundle

	mu      sync.Mutex
	pending map[string]*pendingAttempt
	now     func() time.Time
}

// NewServer builds a Server identified by self.
func NewServer(self *dcrypto.KeyBundle) *Server {
	return &Server{self: self, pending: make(map[string]*pendingAttempt), now: time.Now}
}

// HandleInit validates the client's Init leg against knownClients (keyed by
// fingerprint) and produces the server's Reply leg.
func (s *Server) HandleInit(init *InitMessage, knownClients map[string]dcrypto.PublicKeyBundle) (*ReplyMessage, error) {
	now := s.now()
	ts := time.Unix(init.Timestamp, 0)
	if skew := now.Sub(ts); skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, proxyerr.New(proxyerr.TimestampSkew, "init timestamp skew %s exceeds %s", skew, MaxClockSkew)
	}

	selfFP := dcrypto.Fingerprint(s.self.Public())
	if init.ServerFingerprintHint != selfFP {
		return nil, proxyerr.New(proxyerr.UnknownPeer, "init targets server fingerprint %s, this server is %s",
			dcrypto.FingerprintHex(init.ServerFingerprintHint), dcrypto.FingerprintHex(selfFP))
	}

	clientExch, err := ecdh.X25519().NewPublicKey(init.ClientExchangePub)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "parse client exchange public key")
	}
	clientPub := dcrypto.PublicKeyBundle{SigningPub: init.ClientSigningPub, ExchangePub: clientExch}
	clientFP := dcrypto.Fingerprint(clientPub)

	if _, ok := knownClients[clientFP]; !ok {
		return nil, proxyerr.New(proxyerr.UnknownPeer, "client fingerprint %s is not registered", dcrypto.FingerprintHex(clientFP))
	}

	payload := initSigningPayload(init.ClientNonce, init.Timestamp, init.ServerFingerprintHint)
	if !ed25519.Verify(init.ClientSigningPub, payload, init.Signature) {
		return nil, proxyerr.New(proxyerr.InvalidSignature, "init signature is invalid")
	}

	serverNonce := make([]byte, NonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "generate server nonce")
	}

	secret, err := dcrypto.ECDH(s.self.ExchangePriv, clientExch)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "ecdh with client exchange key")
	}
	keys, err := dcrypto.DeriveSessionKeys(secret, init.ClientNonce, serverNonce, clientFP, selfFP)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "derive session keys")
	}
	keys.PeerFingerprint = clientFP

	replyPayload := replySigningPayload(init.ClientNonce, serverNonce, clientFP)
	sig := ed25519.Sign(s.self.SigningPriv, replyPayload)

	s.mu.Lock()
	s.pending[keys.SessionID] = &pendingAttempt{
		clientSigningPub:  init.ClientSigningPub,
		clientFingerprint: clientFP,
		serverNonce:       serverNonce,
		keys:              keys,
		createdAt:         now,
	}
	s.mu.Unlock()

	return &ReplyMessage{
		ServerSigningPub:  s.self.SigningPub,
		ServerExchangePub: s.self.ExchangePub.Bytes(),
		ServerNonce:       serverNonce,
		Signature:         sig,
	}, nil
}

// HandleFinish verifies the client's closing leg and activates the session.
func (s *Server) HandleFinish(finish *FinishMessage) (*Result, error) {
	s.mu.Lock()
	attempt, ok := s.pending[finish.SessionID]
	if ok {
		delete(s.pending, finish.SessionID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, proxyerr.New(proxyerr.SessionNotFound, "no pending handshake for session %s", finish.SessionID)
	}
	if s.now().Sub(attempt.createdAt) > LegTimeout {
		return nil, proxyerr.New(proxyerr.HandshakeTimeout, "finish leg for session %s arrived after %s", finish.SessionID, LegTimeout)
	}

	payload := finishSigningPayload(attempt.serverNonce, finish.SessionID)
	if !ed25519.Verify(attempt.clientSigningPub, payload, finish.Signature) {
		return nil, proxyerr.New(proxyerr.InvalidSignature, "finish signature is invalid")
	}

	return &Result{Keys: attempt.keys, PeerFingerprint: attempt.clientFingerprint}, nil
}

// Prune discards pending attempts older than LegTimeout as of now, returning
// how many were dropped.
func (s *Server) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.pending {
		if now.Sub(a.createdAt) > LegTimeout {
			delete(s.pending, id)
			n++
		}
	}
	return n
}
