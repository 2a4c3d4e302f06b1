// Package poll implements the periodic-HTTP-poll ingestor: on a fixed
// interval it issues a GET against a configured URL, extracts a dotted-path
// field from the JSON response for deduplication, and pushes any response
// not already seen as an IngestedEvent.
package poll

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/drawlatch/secure-mcp-proxy/common/retry"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// pollRetry bounds the number of transient-failure retries within a single
// tick before the ingestor records the failure (StateError with its message)
// and waits for the next tick; it does not retry forever the way the Discord gateway's reconnect
// loop does, since a poll tick already recurs on its own interval.
var pollRetry = retry.Config{MaxAttempts: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}

const defaultEventType = "poll"

// clock is injected the way internal/gitai/gateway/cron.go injects one, so
// tests can advance time without real sleeps.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                        { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config configures a single poll ingestor instance.
type Config struct {
	URL            string
	IntervalMS     int
	ResponsePath   string // dotted gjson path to the response array (spec: "responsePath"); "" means the whole body
	DeduplicateBy  string // dotted gjson path, relative to one item, used as its dedup key; "" dedups on the item's raw JSON
	EventType      string
	BufferCapacity int
	WebhookPath    string
}

// Ingestor polls Config.URL every Config.IntervalMS milliseconds.
type Ingestor struct {
	*ingestor.Base
	cfg        Config
	httpClient *http.Client
	clk        clock

	cancel context.CancelFunc
	done   chan struct{}

	dedupMu sync.Mutex
	dedup   *dedupSet
}

// New builds a poll ingestor using the real wall clock.
func New(caller, connection string, cfg Config) *Ingestor {
	return newWithClock(caller, connection, cfg, realClock{})
}

func newWithClock(caller, connection string, cfg Config, clk clock) *Ingestor {
	capacity := cfg.BufferCapacity
	if capacity <= 0 {
		capacity = 200
	}
	return &Ingestor{
		Base: ingestor.NewBase(caller, connection, capacity, cfg.WebhookPath),
		cfg: Config{
			URL:            cfg.URL,
			IntervalMS:     cfg.IntervalMS,
			ResponsePath:   cfg.ResponsePath,
			DeduplicateBy:  cfg.DeduplicateBy,
			EventType:      cfg.EventType,
			BufferCapacity: capacity,
		},
		httpClient: &http.Client{Timeout: 15 * time.Second},
		clk:        clk,
		dedup:      newDedupSet(capacity * 2),
	}
}

// Start begins the poll loop in a background goroutine.
func (i *Ingestor) Start() error {
	if i.cfg.URL == "" {
		return proxyerr.New(proxyerr.IngestorStartFailed, "poll ingestor %s:%s has no configured url", i.Caller, i.Connection)
	}
	interval := time.Duration(i.cfg.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	i.SetState(ingestor.StateConnected)

	go i.run(ctx, interval)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (i *Ingestor) Stop() {
	if i.cancel != nil {
		i.cancel()
		<-i.done
	}
	i.SetState(ingestor.StateStopped)
}

func (i *Ingestor) run(ctx context.Context, interval time.Duration) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.clk.After(interval):
			i.poll(ctx)
		}
	}
}

func (i *Ingestor) poll(ctx context.Context) {
	var body []byte
	var status int

	err := retry.Do(ctx, pollRetry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.cfg.URL, nil)
		if err != nil {
			return err
		}
		resp, err := i.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
		if err != nil {
			return err
		}
		body, status = b, resp.StatusCode
		if status >= 500 {
			return proxyerr.New(proxyerr.UpstreamError, "poll target returned status %d", status)
		}
		return nil
	})
	if err != nil {
		i.SetState(ingestor.StateReconnecting)
		i.SetError(err.Error())
		return
	}
	if status >= 400 {
		i.SetState(ingestor.StateReconnecting)
		i.SetError("poll target returned status " + strconv.Itoa(status))
		return
	}
	i.SetState(ingestor.StateConnected)

	eventType := i.cfg.EventType
	if eventType == "" {
		eventType = defaultEventType
	}

	for _, item := range extractItems(body, i.cfg.ResponsePath) {
		key := dedupKey(item, i.cfg.DeduplicateBy)
		i.dedupMu.Lock()
		seen := i.dedup.SeenAndAdd(key)
		i.dedupMu.Unlock()
		if seen {
			continue
		}
		i.PushEvent(eventType, item.Value())
	}
}

// extractItems returns the items at responsePath (dotted gjson path), or in
// the whole body when responsePath is empty: one item per element when the
// target is a JSON array, else the target as a single item.
func extractItems(body []byte, responsePath string) []gjson.Result {
	target := gjson.ParseBytes(body)
	if responsePath != "" {
		target = gjson.GetBytes(body, responsePath)
	}
	if target.IsArray() {
		return target.Array()
	}
	return []gjson.Result{target}
}

// dedupKey computes the dedup key for one already-extracted item: the field
// at path (deduplicateBy), or the item's own raw JSON when path is empty.
func dedupKey(item gjson.Result, path string) string {
	if path == "" {
		return item.Raw
	}
	return item.Get(path).String()
}

// dedupSet is a bounded FIFO-eviction set: once capacity is reached the
// oldest inserted key is evicted to make room for the newest. Plain Go is
// enough here; no example repo imports a third-party LRU cache.
type dedupSet struct {
	capacity int
	order    []string
	present  map[string]bool
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupSet{capacity: capacity, present: make(map[string]bool, capacity)}
}

// SeenAndAdd reports whether key was already present, and if not, adds it.
func (d *dedupSet) SeenAndAdd(key string) bool {
	if d.present[key] {
		return true
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.present, oldest)
	}
	d.order = append(d.order, key)
	d.present[key] = true
	return false
}
