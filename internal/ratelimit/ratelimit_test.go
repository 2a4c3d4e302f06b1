package ratelimit_test

import (
	"testing"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/internal/ratelimit"
)

func TestAllowAdmitsUpToLimitThenDenies(t *testing.T) {
	l := ratelimit.New(2, time.Minute)

	if !l.Allow("acme") {
		t.Fatal("expected first request to be admitted")
	}
	if !l.Allow("acme") {
		t.Fatal("expected second request to be admitted")
	}
	if l.Allow("acme") {
		t.Fatal("expected third request within the window to be denied")
	}
}

func TestAllowIsPerCaller(t *testing.T) {
	l := ratelimit.New(1, time.Minute)

	if !l.Allow("acme") {
		t.Fatal("expected acme's first request to be admitted")
	}
	if !l.Allow("globex") {
		t.Fatal("expected globex's first request to be admitted independently of acme")
	}
	if l.Allow("acme") {
		t.Fatal("expected acme's second request to be denied")
	}
}

func TestAllowSlidesAsWindowPasses(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	l := ratelimit.NewWithClock(1, time.Minute, func() time.Time { return current })

	if !l.Allow("acme") {
		t.Fatal("expected first request to be admitted")
	}
	if l.Allow("acme") {
		t.Fatal("expected second request before the window elapses to be denied")
	}

	current = current.Add(61 * time.Second)
	if !l.Allow("acme") {
		t.Fatal("expected request after the window has slid to be admitted")
	}
}

func TestResetClearsHistory(t *testing.T) {
	l := ratelimit.New(1, time.Minute)
	l.Allow("acme")
	if l.Allow("acme") {
		t.Fatal("expected second request to be denied before Reset")
	}
	l.Reset("acme")
	if !l.Allow("acme") {
		t.Fatal("expected request after Reset to be admitted")
	}
}
