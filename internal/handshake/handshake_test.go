package handshake_test

import (
	"testing"
	"time"

	dcrypto "github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/handshake"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

func mustBundle(t *testing.T) *dcrypto.KeyBundle {
	t.Helper()
	b, err := dcrypto.GenerateKeyBundle()
	if err != nil {
		t.Fatalf("GenerateKeyBundle: %v", err)
	}
	return b
}

func TestHandshakeRoundTripProducesMatchingSessionKeys(t *testing.T) {
	clientBundle := mustBundle(t)
	serverBundle := mustBundle(t)

	serverFP := dcrypto.Fingerprint(serverBundle.Public())
	clientFP := dcrypto.Fingerprint(clientBundle.Public())

	srv := handshake.NewServer(serverBundle)
	knownClients := map[string]dcrypto.PublicKeyBundle{clientFP: clientBundle.Public()}
	knownServers := map[string]dcrypto.PublicKeyBundle{serverFP: serverBundle.Public()}

	cli := handshake.NewClient(clientBundle, serverFP)

	init, err := cli.Init()
	if err != nil {
		t.Fatalf("client Init: %v", err)
	}

	reply, err := srv.HandleInit(init, knownClients)
	if err != nil {
		t.Fatalf("server HandleInit: %v", err)
	}

	finish, clientResult, err := cli.ProcessReply(reply, knownServers)
	if err != nil {
		t.Fatalf("client ProcessReply: %v", err)
	}

	serverResult, err := srv.HandleFinish(finish)
	if err != nil {
		t.Fatalf("server HandleFinish: %v", err)
	}

	if clientResult.Keys.SessionID != serverResult.Keys.SessionID {
		t.Fatalf("session id mismatch: client %s, server %s", clientResult.Keys.SessionID, serverResult.Keys.SessionID)
	}
	if string(clientResult.Keys.ClientToServer) != string(serverResult.Keys.ClientToServer) {
		t.Error("client-to-server keys do not match between sides")
	}
	if string(clientResult.Keys.ServerToClient) != string(serverResult.Keys.ServerToClient) {
		t.Error("server-to-client keys do not match between sides")
	}
	if clientResult.PeerFingerprint != serverFP {
		t.Errorf("client's proven peer fingerprint = %s, want %s", clientResult.PeerFingerprint, serverFP)
	}
	if serverResult.PeerFingerprint != clientFP {
		t.Errorf("server's proven peer fingerprint = %s, want %s", serverResult.PeerFingerprint, clientFP)
	}
}

func TestHandleInitRejectsUnknownClient(t *testing.T) {
	clientBundle := mustBundle(t)
	serverBundle := mustBundle(t)
	serverFP := dcrypto.Fingerprint(serverBundle.Public())

	srv := handshake.NewServer(serverBundle)
	cli := handshake.NewClient(clientBundle, serverFP)

	init, err := cli.Init()
	if err != nil {
		t.Fatalf("client Init: %v", err)
	}

	_, err = srv.HandleInit(init, map[string]dcrypto.PublicKeyBundle{})
	assertKind(t, err, proxyerr.UnknownPeer)
}

func TestHandleInitRejectsWrongServerHint(t *testing.T) {
	clientBundle := mustBundle(t)
	serverBundle := mustBundle(t)
	otherBundle := mustBundle(t)
	clientFP := dcrypto.Fingerprint(clientBundle.Public())

	srv := handshake.NewServer(serverBundle)
	// Client thinks it's talking to otherBundle's fingerprint.
	cli := handshake.NewClient(clientBundle, dcrypto.Fingerprint(otherBundle.Public()))

	init, err := cli.Init()
	if err != nil {
		t.Fatalf("client Init: %v", err)
	}

	_, err = srv.HandleInit(init, map[string]dcrypto.PublicKeyBundle{clientFP: clientBundle.Public()})
	assertKind(t, err, proxyerr.UnknownPeer)
}

func TestHandleInitRejectsStaleTimestamp(t *testing.T) {
	clientBundle := mustBundle(t)
	serverBundle := mustBundle(t)
	clientFP := dcrypto.Fingerprint(clientBundle.Public())
	serverFP := dcrypto.Fingerprint(serverBundle.Public())

	srv := handshake.NewServer(serverBundle)
	cli := handshake.NewClient(clientBundle, serverFP)

	init, err := cli.Init()
	if err != nil {
		t.Fatalf("client Init: %v", err)
	}
	init.Timestamp -= int64((2 * time.Minute).Seconds())

	// Re-sign isn't possible without the private key here, so this also
	// exercises signature rejection; timestamp is checked first.
	_, err = srv.HandleInit(init, map[string]dcrypto.PublicKeyBundle{clientFP: clientBundle.Public()})
	assertKind(t, err, proxyerr.TimestampSkew)
}

func TestHandleFinishRejectsUnknownSession(t *testing.T) {
	serverBundle := mustBundle(t)
	srv := handshake.NewServer(serverBundle)

	_, err := srv.HandleFinish(&handshake.FinishMessage{SessionID: "does-not-exist", Signature: []byte("x")})
	assertKind(t, err, proxyerr.SessionNotFound)
}

func TestProcessReplyRejectsTamperedSignature(t *testing.T) {
	clientBundle := mustBundle(t)
	serverBundle := mustBundle(t)
	clientFP := dcrypto.Fingerprint(clientBundle.Public())
	serverFP := dcrypto.Fingerprint(serverBundle.Public())

	srv := handshake.NewServer(serverBundle)
	cli := handshake.NewClient(clientBundle, serverFP)

	init, _ := cli.Init()
	reply, err := srv.HandleInit(init, map[string]dcrypto.PublicKeyBundle{clientFP: clientBundle.Public()})
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	reply.Signature[0] ^= 0xFF

	_, _, err = cli.ProcessReply(reply, map[string]dcrypto.PublicKeyBundle{serverFP: serverBundle.Public()})
	assertKind(t, err, proxyerr.InvalidSignature)
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
