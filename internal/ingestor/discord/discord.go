// Package discord implements the Discord Gateway ingestor (spec C8): a
// websocket client that performs HELLO/IDENTIFY/READY handshake, drives a
// heartbeat loop, streams dispatch events into the shared ring buffer, and
// reconnects (resuming when possible) on disconnect with exponential
// backoff.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// Gateway opcodes relevant to this client (Discord Gateway v10).
const (
	opDispatch         = 0
	opHeartbeat        = 1
	opIdentify         = 2
	opResume           = 6
	opReconnect        = 7
	opInvalidSession   = 9
	opHello            = 10
	opHeartbeatAck     = 11
)

// close codes that must NOT trigger a resume attempt.
const (
	closeAuthFailed        = 4004
	closeDisallowedIntents = 4014
)

const defaultGatewayURL = "wss://gateway.discord.gg"

// wsConn is the subset of *websocket.Conn this package depends on, so tests
// can substitute a scripted fake without opening a real socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// dialFunc opens a new gateway connection to url.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type identifyData struct {
	Token   string `json:"token"`
	Intents int64  `json:"intents"`
	Shard   []int  `json:"shard,omitempty"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Config configures a single Discord Gateway ingestor instance, parsed from
// a ResolvedIngestor's string-valued config map.
type Config struct {
	BotToken    string
	GatewayURL  string
	Intents     int64
	EventFilter map[string]bool // empty = allow all
	GuildIDs    map[string]bool // empty = no filter
	ChannelIDs  map[string]bool
	UserIDs     map[string]bool
	ShardID     int
	ShardCount  int
}

// ParseConfig builds a Config from a ResolvedIngestor's string map.
func ParseConfig(resolved config.ResolvedIngestor) Config {
	c := resolved.Config
	cfg := Config{
		BotToken:   c["botToken"],
		GatewayURL: c["gatewayURL"],
		EventFilter: toSet(c["eventFilter"]),
		GuildIDs:    toSet(c["guildIds"]),
		ChannelIDs:  toSet(c["channelIds"]),
		UserIDs:     toSet(c["userIds"]),
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = defaultGatewayURL
	}
	if n, err := strconv.ParseInt(c["intents"], 10, 64); err == nil {
		cfg.Intents = n
	}
	if n, err := strconv.Atoi(c["shardId"]); err == nil {
		cfg.ShardID = n
	}
	if n, err := strconv.Atoi(c["shardCount"]); err == nil {
		cfg.ShardCount = n
	}
	return cfg
}

func toSet(csv string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out[t] = true
		}
	}
	return out
}

const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 60 * time.Second
	streamingResetAge = 30 * time.Second
)

// Ingestor is the Discord Gateway ingestor. It embeds ingestor.Base for
// buffering and lifecycle bookkeeping and adds the gateway session state
// (session id, last seq, resume URL) and connection management.
type Ingestor struct {
	*ingestor.Base
	cfg  Config
	dial dialFunc

	cancel context.CancelFunc
	done   chan struct{}

	mu               sync.Mutex
	sessionID        string
	resumeURL        string
	lastSeq          int64
	connectedAt      time.Time
}

// New builds a Discord Gateway ingestor using the real websocket dialer.
func New(caller, connection string, cfg Config, bufferCapacity int) *Ingestor {
	return newWithDial(caller, connection, cfg, bufferCapacity, defaultDial)
}

func newWithDial(caller, connection string, cfg Config, bufferCapacity int, dial dialFunc) *Ingestor {
	return &Ingestor{
		Base: ingestor.NewBase(caller, connection, bufferCapacity, ""),
		cfg:  cfg,
		dial: dial,
	}
}

// Start validates configuration and launches the connect/stream/reconnect
// loop in a background goroutine.
func (i *Ingestor) Start() error {
	if i.cfg.BotToken == "" {
		return proxyerr.New(proxyerr.IngestorStartFailed, "discord ingestor %s:%s has no bot token", i.Caller, i.Connection)
	}
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	i.SetState(ingestor.StateStarting)
	go i.runLoop(ctx)
	return nil
}

// Stop cancels the connection loop and waits for it to exit.
func (i *Ingestor) Stop() {
	if i.cancel != nil {
		i.cancel()
		<-i.done
	}
	i.SetState(ingestor.StateStopped)
}

func (i *Ingestor) runLoop(ctx context.Context) {
	defer close(i.done)
	backoff := initialBackoff
	resume := false

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := i.connectAndStream(ctx, resume)
		if ctx.Err() != nil {
			return
		}

		resumable := true
		if ce, ok := asCloseError(err); ok {
			if ce.Code == closeAuthFailed || ce.Code == closeDisallowedIntents {
				resumable = false
			}
		}
		resume = resumable && i.hasSession()

		if time.Since(start) >= streamingResetAge {
			backoff = initialBackoff
		}

		i.SetState(ingestor.StateReconnecting)
		if err != nil {
			i.Base.SetError(err.Error())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func asCloseError(err error) (*websocket.CloseError, bool) {
	ce, ok := err.(*websocket.CloseError)
	return ce, ok
}

func (i *Ingestor) hasSession() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID != "" && i.resumeURL != ""
}

// connectAndStream performs one full connection attempt: dial, HELLO,
// IDENTIFY or RESUME, then stream dispatch events until the connection
// closes or ctx is cancelled.
func (i *Ingestor) connectAndStream(ctx context.Context, resume bool) error {
	url := i.cfg.GatewayURL
	if resume {
		i.mu.Lock()
		url = i.resumeURL
		i.mu.Unlock()
	}

	conn, err := i.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	hello, err := readHello(conn)
	if err != nil {
		return err
	}

	heartbeatInterval := time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	ackCh := make(chan struct{}, 1)
	go i.heartbeatLoop(hbCtx, conn, heartbeatInterval, ackCh)

	if resume {
		i.SetState(ingestor.StateReconnecting)
		if err := i.sendResume(conn); err != nil {
			return err
		}
	} else {
		i.SetState(ingestor.StateStarting)
		if err := i.sendIdentify(conn); err != nil {
			return err
		}
	}

	i.connectedAt = time.Now()
	return i.streamLoop(ctx, conn, ackCh)
}

func readHello(conn wsConn) (*helloData, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse hello envelope: %w", err)
	}
	if p.Op != opHello {
		return nil, fmt.Errorf("expected HELLO (op %d), got op %d", opHello, p.Op)
	}
	var hello helloData
	if err := json.Unmarshal(p.D, &hello); err != nil {
		return nil, fmt.Errorf("parse hello data: %w", err)
	}
	return &hello, nil
}

func (i *Ingestor) sendIdentify(conn wsConn) error {
	var shard []int
	if i.cfg.ShardCount > 0 {
		shard = []int{i.cfg.ShardID, i.cfg.ShardCount}
	}
	d, _ := json.Marshal(identifyData{Token: i.cfg.BotToken, Intents: i.cfg.Intents, Shard: shard})
	return conn.WriteJSON(payload{Op: opIdentify, D: d})
}

func (i *Ingestor) sendResume(conn wsConn) error {
	i.mu.Lock()
	sessionID := i.sessionID
	seq := i.lastSeq
	i.mu.Unlock()
	d, _ := json.Marshal(resumeData{Token: i.cfg.BotToken, SessionID: sessionID, Seq: seq})
	return conn.WriteJSON(payload{Op: opResume, D: d})
}

func (i *Ingestor) heartbeatLoop(ctx context.Context, conn wsConn, interval time.Duration, ack <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	acked := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ack:
			acked = true
		case <-ticker.C:
			if !acked {
				conn.Close()
				return
			}
			acked = false
			i.mu.Lock()
			seq := i.lastSeq
			i.mu.Unlock()
			d, _ := json.Marshal(seq)
			if err := conn.WriteJSON(payload{Op: opHeartbeat, D: d}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (i *Ingestor) streamLoop(ctx context.Context, conn wsConn, ackCh chan<- struct{}) error {
	i.SetState(ingestor.StateConnected)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.S != nil {
			i.mu.Lock()
			i.lastSeq = *p.S
			i.mu.Unlock()
		}

		switch p.Op {
		case opHeartbeatAck:
			select {
			case ackCh <- struct{}{}:
			default:
			}
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				i.mu.Lock()
				i.sessionID = ""
				i.resumeURL = ""
				i.mu.Unlock()
			}
			return fmt.Errorf("invalid session (resumable=%v)", resumable)
		case opDispatch:
			i.handleDispatch(p.T, p.D)
		}
	}
}

func (i *Ingestor) handleDispatch(eventType string, data json.RawMessage) {
	if eventType == "READY" {
		var ready readyData
		if err := json.Unmarshal(data, &ready); err == nil {
			i.mu.Lock()
			i.sessionID = ready.SessionID
			i.resumeURL = ready.ResumeGatewayURL
			i.mu.Unlock()
		}
		i.SetState(ingestor.StateConnected)
		return
	}

	if len(i.cfg.EventFilter) > 0 && !i.cfg.EventFilter[eventType] {
		return
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		decoded = string(data)
	}
	if !i.passesIDFilters(decoded) {
		return
	}
	i.PushEvent(eventType, decoded)
}

// passesIDFilters applies the guildIds/channelIds/userIds allowlists, when
// configured, against the decoded dispatch payload's common id fields.
func (i *Ingestor) passesIDFilters(decoded any) bool {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return true
	}
	if len(i.cfg.GuildIDs) > 0 && !matchesID(obj, "guild_id", i.cfg.GuildIDs) {
		return false
	}
	if len(i.cfg.ChannelIDs) > 0 && !matchesID(obj, "channel_id", i.cfg.ChannelIDs) {
		return false
	}
	if len(i.cfg.UserIDs) > 0 {
		author, _ := obj["author"].(map[string]any)
		if !matchesID(author, "id", i.cfg.UserIDs) {
			return false
		}
	}
	return true
}

func matchesID(obj map[string]any, field string, allowed map[string]bool) bool {
	if obj == nil {
		return false
	}
	v, _ := obj[field].(string)
	return allowed[v]
}
