package subscribe

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ebouchut/upnpcp/device"
)

func TestParseTimeoutBoundaryBehaviours(t *testing.T) {
	cases := map[string]time.Duration{
		"Second-300": 300 * time.Second,
		"second-60":  60 * time.Second,
		"infinite":   DefaultTimeout,
		"":           DefaultTimeout,
		"garbage":    DefaultTimeout,
		"Second-0":   DefaultTimeout,
		"Second--5":  DefaultTimeout,
	}
	for in, want := range cases {
		if got := parseTimeout(in); got != want {
			t.Errorf("parseTimeout(%q) = %v, want %v", in, got, want)
		}
	}
}

func newTestService(t *testing.T, eventSubURL string) *device.Service {
	t.Helper()
	raw := device.RawDevice{UDN: "uuid:dev-1", Services: []device.RawService{{
		ServiceID:   "svc-1",
		EventSubURL: eventSubURL,
	}}}
	b := device.NewBuilderForTest(raw)
	dev, err := b.Resolve("http://127.0.0.1/", "127.0.0.1")
	if err != nil {
		t.Fatalf("resolve test device: %v", err)
	}
	return dev.Services[0]
}

func TestSubscribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "UNSUBSCRIBE" {
			// the deferred m.Stop unsubscribes every tracked service
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "SUBSCRIBE" {
			t.Errorf("method = %s, want SUBSCRIBE", r.Method)
		}
		if r.Header.Get("NT") != "upnp:event" {
			t.Errorf("NT header = %q, want upnp:event", r.Header.Get("NT"))
		}
		if r.Header.Get("CALLBACK") == "" {
			t.Error("expected a non-empty CALLBACK header")
		}
		w.Header().Set("SID", "uuid:sub-1")
		w.Header().Set("TIMEOUT", "Second-120")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New("127.0.0.1", 9090, srv.Client())
	defer m.Stop()

	svc := newTestService(t, srv.URL)
	if err := m.Subscribe(svc, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sid, start, timeout, expiry, keepRenew := svc.Snapshot()
	if sid != "uuid:sub-1" {
		t.Errorf("SID = %q, want uuid:sub-1", sid)
	}
	if timeout != 120*time.Second {
		t.Errorf("timeout = %v, want 120s", timeout)
	}
	if !keepRenew {
		t.Error("expected keepRenew to be true")
	}
	if !expiry.Equal(start.Add(timeout)) {
		t.Errorf("expiry = %v, want start+timeout = %v", expiry, start.Add(timeout))
	}
	if _, ok := m.BySID("uuid:sub-1"); !ok {
		t.Error("expected the manager to track the new SID")
	}
}

func TestSubscribeMissingSIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New("127.0.0.1", 9090, srv.Client())
	defer m.Stop()

	svc := newTestService(t, srv.URL)
	if err := m.Subscribe(svc, false); err == nil {
		t.Fatal("expected an error when SUBSCRIBE response carries no SID")
	}
	if svc.IsSubscribed() {
		t.Error("a failed subscribe must leave the service unsubscribed")
	}
}

func TestSubscribeOnActiveServiceRenews(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		sid := "uuid:sub-2"
		if got := r.Header.Get("SID"); calls > 1 && got != sid {
			t.Errorf("renew request SID = %q, want %q", got, sid)
		}
		w.Header().Set("SID", sid)
		w.Header().Set("TIMEOUT", "Second-300")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New("127.0.0.1", 9090, srv.Client())
	defer m.Stop()

	svc := newTestService(t, srv.URL)
	if err := m.Subscribe(svc, false); err != nil {
		t.Fatalf("initial Subscribe: %v", err)
	}
	sidBefore, _, _, _, _ := svc.Snapshot()

	if err := m.Subscribe(svc, false); err != nil {
		t.Fatalf("second Subscribe (should renew): %v", err)
	}
	sidAfter, _, _, _, _ := svc.Snapshot()

	if sidAfter != sidBefore {
		t.Errorf("SID changed across renew: %q -> %q", sidBefore, sidAfter)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 HTTP calls (subscribe + renew), got %d", calls)
	}
}

func TestUnsubscribeClearsStateEvenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "SUBSCRIBE" {
			w.Header().Set("SID", "uuid:sub-3")
			w.Header().Set("TIMEOUT", "Second-300")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New("127.0.0.1", 9090, srv.Client())
	defer m.Stop()

	svc := newTestService(t, srv.URL)
	if err := m.Subscribe(svc, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	err := m.Unsubscribe(svc)
	if err == nil {
		t.Fatal("expected Unsubscribe to surface the server's error")
	}
	if svc.IsSubscribed() {
		t.Error("Unsubscribe must clear subscription state regardless of HTTP outcome")
	}
	if _, ok := m.BySID("uuid:sub-3"); ok {
		t.Error("expected the manager to drop the SID after unsubscribe")
	}
}
