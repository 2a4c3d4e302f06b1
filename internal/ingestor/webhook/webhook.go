// Package webhook implements inbound webhook ingestors: the remote server
// mounts each instance's WebhookPath and, on a matching POST, the instance
// verifies the sender's signature and turns the body into an IngestedEvent.
//
// Three providers are supported, each with its own signature scheme:
//
//   - github: X-Hub-Signature-256, HMAC-SHA256 over the raw body.
//   - stripe: Stripe-Signature (t=.../v1=...), HMAC-SHA256 over "t.body".
//   - trello: X-Trello-Webhook, HMAC-SHA1 base64 over body+callbackURL.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by Trello's webhook signature scheme
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// maxBodyBytes caps inbound webhook bodies, mirroring the teacher proxy's
// own limit against memory exhaustion from oversized deliveries.
const maxBodyBytes = 1 * 1024 * 1024

// Ingestor is the shared shape for every webhook provider: it owns a Base
// for buffering and exposes an http.Handler that a provider-specific
// verify function feeds.
type Ingestor struct {
	*ingestor.Base
	verify func(r *http.Request, body []byte) (verifyResult, error)
}

// verifyResult is what a provider's verify function extracts from a
// validated delivery: its event type, plus whichever delivery/event
// identifier that provider exposes (both optional — not every provider has
// both, or either).
type verifyResult struct {
	EventType  string
	DeliveryID string
	EventID    string
}

// deliveryPayload is the event record spec §4.9 describes for an accepted
// webhook: `{deliveryId?, event|type, payload}`. DeliveryID and EventID are
// omitted when the provider does not expose one.
type deliveryPayload struct {
	DeliveryID string `json:"deliveryId,omitempty"`
	EventID    string `json:"eventId,omitempty"`
	EventType  string `json:"eventType"`
	Payload    any    `json:"payload"`
}

// Start marks the ingestor as connected; webhook ingestors have no
// persistent connection to establish, delivery simply begins arriving at
// WebhookPath once the server is routing to it.
func (i *Ingestor) Start() error {
	i.SetState(ingestor.StateConnected)
	return nil
}

// Stop marks the ingestor stopped. The server should stop routing to
// WebhookPath after this returns, though Ingestor itself enforces nothing.
func (i *Ingestor) Stop() {
	i.SetState(ingestor.StateStopped)
}

// deliveryResult is the JSON body handleWebhook-style callers expect back:
// {accepted:true} on success, {accepted:false, reason} on rejection.
type deliveryResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func writeResult(w http.ResponseWriter, status int, result deliveryResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// ServeHTTP verifies the inbound delivery's signature and, on success,
// stores it as an IngestedEvent. Non-POST requests and signature failures
// are rejected before the body is buffered.
func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResult(w, http.StatusMethodNotAllowed, deliveryResult{Accepted: false, Reason: "method not allowed"})
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeResult(w, http.StatusBadRequest, deliveryResult{Accepted: false, Reason: "failed to read request body"})
		return
	}

	vr, err := i.verify(r, body)
	if err != nil {
		i.SetError(err.Error())
		writeResult(w, http.StatusUnauthorized, deliveryResult{Accepted: false, Reason: reasonFor(err)})
		return
	}

	var payload any
	if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil {
		payload = string(body)
	}
	i.PushEvent(vr.EventType, deliveryPayload{
		DeliveryID: vr.DeliveryID,
		EventID:    vr.EventID,
		EventType:  vr.EventType,
		Payload:    payload,
	})
	writeResult(w, http.StatusOK, deliveryResult{Accepted: true})
}

// reasonFor extracts the human-readable message from a verify error,
// falling back to its full string for unrecognized error types.
func reasonFor(err error) string {
	if pe, ok := proxyerr.As(err); ok {
		return pe.Message
	}
	return err.Error()
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// NewGitHub builds a webhook ingestor that validates GitHub's
// X-Hub-Signature-256 HMAC-SHA256 header and tags events with the
// X-GitHub-Event header value.
func NewGitHub(caller, connection string, bufferCapacity int, webhookPath, secret string) *Ingestor {
	base := ingestor.NewBase(caller, connection, bufferCapacity, webhookPath)
	return &Ingestor{
		Base: base,
		verify: func(r *http.Request, body []byte) (verifyResult, error) {
			sigHdr := r.Header.Get("X-Hub-Signature-256")
			const prefix = "sha256="
			if !strings.HasPrefix(sigHdr, prefix) {
				return verifyResult{}, proxyerr.New(proxyerr.WebhookSignatureInvalid, "missing or malformed X-Hub-Signature-256")
			}
			provided, err := hex.DecodeString(strings.TrimPrefix(sigHdr, prefix))
			if err != nil {
				return verifyResult{}, proxyerr.Wrap(proxyerr.WebhookSignatureInvalid, err, "invalid hex in X-Hub-Signature-256")
			}
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			if !hmac.Equal(mac.Sum(nil), provided) {
				return verifyResult{}, proxyerr.New(proxyerr.WebhookSignatureInvalid, "HMAC signature mismatch")
			}
			eventType := r.Header.Get("X-GitHub-Event")
			if eventType == "" {
				eventType = "unknown"
			}
			return verifyResult{EventType: eventType, DeliveryID: r.Header.Get("X-GitHub-Delivery")}, nil
		},
	}
}

// NewTrello builds a webhook ingestor that validates Trello's
// X-Trello-Webhook HMAC-SHA1 header, computed over the raw body concatenated
// with the callback URL Trello was registered with.
func NewTrello(caller, connection string, bufferCapacity int, webhookPath, secret, callbackURL string) *Ingestor {
	base := ingestor.NewBase(caller, connection, bufferCapacity, webhookPath)
	return &Ingestor{
		Base: base,
		verify: func(r *http.Request, body []byte) (verifyResult, error) {
			sigHdr := r.Header.Get("X-Trello-Webhook")
			if sigHdr == "" {
				return verifyResult{}, proxyerr.New(proxyerr.WebhookSignatureInvalid, "missing X-Trello-Webhook header")
			}
			mac := hmac.New(sha1.New, []byte(secret))
			mac.Write(body)
			mac.Write([]byte(callbackURL))
			expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(expected), []byte(sigHdr)) {
				return verifyResult{}, proxyerr.New(proxyerr.WebhookSignatureInvalid, "HMAC signature mismatch")
			}
			var parsed struct {
				Action struct {
					Type string `json:"type"`
				} `json:"action"`
			}
			_ = json.Unmarshal(body, &parsed)
			eventType := parsed.Action.Type
			if eventType == "" {
				eventType = "unknown"
			}
			return verifyResult{EventType: eventType}, nil
		},
	}
}

// NewStripe builds a webhook ingestor that validates Stripe's
// Stripe-Signature header ("t=<unix>,v1=<hex hmac>"), rejecting deliveries
// whose timestamp falls outside tolerance of the current time.
func NewStripe(caller, connection string, bufferCapacity int, webhookPath, secret string, tolerance time.Duration, now func() time.Time) *Ingestor {
	base := ingestor.NewBase(caller, connection, bufferCapacity, webhookPath)
	return &Ingestor{
		Base: base,
		verify: func(r *http.Request, body []byte) (verifyResult, error) {
			hdr := r.Header.Get("Stripe-Signature")
			ts, v1, err := parseStripeSignature(hdr)
			if err != nil {
				return verifyResult{}, err
			}
			skew := now().Sub(time.Unix(ts, 0))
			if skew < 0 {
				skew = -skew
			}
			if skew > tolerance {
				return verifyResult{}, proxyerr.New(proxyerr.WebhookSignatureInvalid, "Stripe-Signature timestamp outside tolerance")
			}
			signedPayload := fmt.Sprintf("%d.%s", ts, body)
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write([]byte(signedPayload))
			expected := hex.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(expected), []byte(v1)) {
				return verifyResult{}, proxyerr.New(proxyerr.WebhookSignatureInvalid, "HMAC signature mismatch")
			}
			var envelope struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			}
			_ = json.Unmarshal(body, &envelope)
			eventType := envelope.Type
			if eventType == "" {
				eventType = "unknown"
			}
			return verifyResult{EventType: eventType, EventID: envelope.ID}, nil
		},
	}
}

func parseStripeSignature(hdr string) (timestamp int64, v1 string, err error) {
	if hdr == "" {
		return 0, "", proxyerr.New(proxyerr.WebhookSignatureInvalid, "missing Stripe-Signature header")
	}
	for _, part := range strings.Split(hdr, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", proxyerr.Wrap(proxyerr.WebhookSignatureInvalid, err, "invalid Stripe-Signature timestamp")
			}
		case "v1":
			v1 = kv[1]
		}
	}
	if v1 == "" {
		return 0, "", proxyerr.New(proxyerr.WebhookSignatureInvalid, "Stripe-Signature missing v1 element")
	}
	return timestamp, v1, nil
}
