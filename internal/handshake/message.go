// Package handshake implements the three-leg mutually-authenticated
// handshake (spec C3): Init from the client, Reply from the server, Finish
// from the client, after which both sides hold identical SessionKeys.
package handshake

import (
	"crypto/ed25519"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
)

// NonceSize is the length in bytes of each side's handshake nonce.
const NonceSize = 32

// MaxClockSkew is the maximum tolerated difference between a peer's claimed
// timestamp and local time before a handshake leg is rejected.
const MaxClockSkew = 60 * time.Second

// LegTimeout bounds how long either side waits for the next leg before
// abandoning the attempt.
const LegTimeout = 10 * time.Second

// InitMessage is the client's opening leg.
type InitMessage struct {
	ClientSigningPub      ed25519.PublicKey `json:"clientSigningPub"`
	ClientExchangePub     []byte            `json:"clientExchangePub"`
	ClientNonce           []byte            `json:"clientNonce"`
	Timestamp             int64             `json:"timestamp"`
	ServerFingerprintHint string            `json:"serverFingerprintHint"`
	Signature             []byte            `json:"signature"`
}

func initSigningPayload(clientNonce []byte, timestamp int64, serverFingerprintHint string) []byte {
	var buf []byte
	buf = append(buf, clientNonce...)
	buf = append(buf, encodeInt64(timestamp)...)
	buf = append(buf, []byte(serverFingerprintHint)...)
	return buf
}

// ReplyMessage is the server's response leg.
type ReplyMessage struct {
	ServerSigningPub  ed25519.PublicKey `json:"serverSigningPub"`
	ServerExchangePub []byte            `json:"serverExchangePub"`
	ServerNonce       []byte            `json:"serverNonce"`
	Signature         []byte            `json:"signature"`
}

func replySigningPayload(clientNonce, serverNonce []byte, clientSigningFingerprint string) []byte {
	var buf []byte
	buf = append(buf, clientNonce...)
	buf = append(buf, serverNonce...)
	buf = append(buf, []byte(clientSigningFingerprint)...)
	return buf
}

// FinishMessage is the client's closing leg, proving possession of the
// client signing key bound to the now-agreed session id.
type FinishMessage struct {
	SessionID string `json:"sessionId"`
	Signature []byte `json:"signature"`
}

func finishSigningPayload(serverNonce []byte, sessionID string) []byte {
	var buf []byte
	buf = append(buf, serverNonce...)
	buf = append(buf, []byte(sessionID)...)
	return buf
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b
}

// Result is what a completed handshake hands back to the caller: the
// derived session keys and the proven peer identity.
type Result struct {
	Keys            *crypto.SessionKeys
	PeerFingerprint string
}
