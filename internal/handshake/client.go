package handshake

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"time"

	dcrypto "github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// Client drives the client side of a single handshake attempt. A Client is
// single-use: build one per connection attempt.
type Client struct {
	self        *dcrypto.KeyBundle
	hint        string
	clientNonce []byte
	now         func() time.Time

	serverPub dcrypto.PublicKeyBundle
}

// NewClient builds a Client for an attempt against the server identified by
// serverFingerprintHint.
func NewClient(self *dcrypto.KeyBundle, serverFingerprintHint string) *Client {
	return &Client{self: self, hint: serverFingerprintHint, now: time.Now}
}

// Init produces the first handshake leg.
func (c *Client) Init() (*InitMessage, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "generate client nonce")
	}
	c.clientNonce = nonce

	ts := c.now().Unix()
	payload := initSigningPayload(nonce, ts, c.hint)
	sig := ed25519.Sign(c.self.SigningPriv, payload)

	return &InitMessage{
		ClientSigningPub:      c.self.SigningPub,
		ClientExchangePub:     c.self.ExchangePub.Bytes(),
		ClientNonce:           nonce,
		Timestamp:             ts,
		ServerFingerprintHint: c.hint,
		Signature:             sig,
	}, nil
}

// ProcessReply verifies the server's Reply leg against the set of known
// server fingerprints, derives the session keys, and produces the client's
// Finish leg.
func (c *Client) ProcessReply(reply *ReplyMessage, knownServers map[string]dcrypto.PublicKeyBundle) (*FinishMessage, *Result, error) {
	serverExch, err := ecdh.X25519().NewPublicKey(reply.ServerExchangePub)
	if err != nil {
		return nil, nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "parse server exchange public key")
	}
	serverPub := dcrypto.PublicKeyBundle{SigningPub: reply.ServerSigningPub, ExchangePub: serverExch}
	serverFP := dcrypto.Fingerprint(serverPub)

	if _, known := knownServers[serverFP]; !known {
		return nil, nil, proxyerr.New(proxyerr.UnknownPeer, "server fingerprint %s is not in the known-servers set", dcrypto.FingerprintHex(serverFP))
	}
	if serverFP != c.hint {
		return nil, nil, proxyerr.New(proxyerr.UnknownPeer, "server fingerprint %s does not match requested hint", dcrypto.FingerprintHex(serverFP))
	}

	clientFP := dcrypto.Fingerprint(c.self.Public())
	payload := replySigningPayload(c.clientNonce, reply.ServerNonce, clientFP)
	if !ed25519.Verify(reply.ServerSigningPub, payload, reply.Signature) {
		return nil, nil, proxyerr.New(proxyerr.InvalidSignature, "server Reply signature is invalid")
	}

	secret, err := dcrypto.ECDH(c.self.ExchangePriv, serverExch)
	if err != nil {
		return nil, nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "ecdh with server exchange key")
	}

	keys, err := dcrypto.DeriveSessionKeys(secret, c.clientNonce, reply.ServerNonce, clientFP, serverFP)
	if err != nil {
		return nil, nil, proxyerr.Wrap(proxyerr.MalformedMessage, err, "derive session keys")
	}
	keys.PeerFingerprint = serverFP

	finishPayload := finishSigningPayload(reply.ServerNonce, keys.SessionID)
	sig := ed25519.Sign(c.self.SigningPriv, finishPayload)

	return &FinishMessage{SessionID: keys.SessionID, Signature: sig}, &Result{Keys: keys, PeerFingerprint: serverFP}, nil
}
