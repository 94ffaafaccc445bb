package registry

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ebouchut/upnpcp/device"
	"github.com/ebouchut/upnpcp/ssdp"
)

// recordingUnsubscriber tracks every call to UnsubscribeAll, used to verify
// spec.md §8 invariant 3: removing a device with subscribed services
// triggers an unsubscribe attempt for each.
type recordingUnsubscriber struct {
	mu    sync.Mutex
	calls [][]*device.Service
}

func (u *recordingUnsubscriber) UnsubscribeAll(services []*device.Service) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, services)
}

func (u *recordingUnsubscriber) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

// newTestDevice builds a resolved Device whose expiry is driven by an
// alive message carrying maxAgeSeconds (ssdp.Message.Expiry() = received
// time + max-age).
func newTestDevice(t *testing.T, udn string, maxAgeSeconds int) *device.Device {
	t.Helper()
	raw := device.RawDevice{UDN: udn, Services: []device.RawService{{ServiceID: "svc-1"}}}
	b := device.NewBuilderForTest(raw)
	dev, err := b.Resolve("http://127.0.0.1/", "127.0.0.1")
	if err != nil {
		t.Fatalf("resolve test device: %v", err)
	}

	payload := []byte("NOTIFY * HTTP/1.1\r\nNT: upnp:rootdevice\r\nNTS: ssdp:alive\r\n" +
		"USN: " + udn + "::upnp:rootdevice\r\n" +
		"CACHE-CONTROL: max-age=" + strconv.Itoa(maxAgeSeconds) + "\r\n\r\n")
	msg, err := ssdp.Parse(payload, &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("parse fixture NOTIFY: %v", err)
	}
	dev.Touch(msg)
	return dev
}

func TestAddGetRemove(t *testing.T) {
	h := New()
	defer h.Stop()

	dev := newTestDevice(t, "uuid:dev-1", 3600)
	h.Add(dev)

	got, ok := h.Get("uuid:dev-1")
	if !ok || got.UDN != "uuid:dev-1" {
		t.Fatalf("Get after Add = %v, %v", got, ok)
	}
	if h.Size() != 1 {
		t.Fatalf("Size = %d, want 1", h.Size())
	}

	h.Remove("uuid:dev-1")
	if _, ok := h.Get("uuid:dev-1"); ok {
		t.Fatal("expected device to be gone after Remove")
	}
	if h.Size() != 0 {
		t.Fatalf("Size after Remove = %d, want 0", h.Size())
	}
}

func TestRemoveUnsubscribesServices(t *testing.T) {
	h := New()
	defer h.Stop()
	unsub := &recordingUnsubscriber{}
	h.Unsubscriber = unsub

	dev := newTestDevice(t, "uuid:dev-2", 3600)
	h.Add(dev)
	h.Remove("uuid:dev-2")

	if unsub.callCount() != 1 {
		t.Fatalf("UnsubscribeAll called %d times, want 1", unsub.callCount())
	}
}

func TestRemoveUnknownUDNIsNoop(t *testing.T) {
	h := New()
	defer h.Stop()
	unsub := &recordingUnsubscriber{}
	h.Unsubscriber = unsub

	h.Remove("uuid:never-added")

	if unsub.callCount() != 0 {
		t.Error("removing an unknown UDN must not trigger any unsubscribe")
	}
}

func TestClearDropsEverythingWithoutUnsubscribing(t *testing.T) {
	h := New()
	defer h.Stop()
	unsub := &recordingUnsubscriber{}
	h.Unsubscriber = unsub

	h.Add(newTestDevice(t, "uuid:dev-3", 3600))
	h.Clear()

	if h.Size() != 0 {
		t.Fatalf("Size after Clear = %d, want 0", h.Size())
	}
	if unsub.callCount() != 0 {
		t.Error("Clear must not invoke Unsubscriber (the subscribe manager sweeps separately on Stop)")
	}
}

func TestExpiryLoopReapsStaleDevices(t *testing.T) {
	h := New()
	defer h.Stop()
	unsub := &recordingUnsubscriber{}
	h.Unsubscriber = unsub
	var lost int
	var mu sync.Mutex
	h.OnLost = func(d *device.Device) {
		mu.Lock()
		lost++
		mu.Unlock()
	}

	h.Add(newTestDevice(t, "uuid:dev-4", 1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Size() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if h.Size() != 0 {
		t.Fatal("expected the expiry goroutine to reap the stale device")
	}
	mu.Lock()
	defer mu.Unlock()
	if lost != 1 {
		t.Errorf("OnLost called %d times, want 1", lost)
	}
	if unsub.callCount() != 1 {
		t.Errorf("UnsubscribeAll called %d times on expiry, want 1", unsub.callCount())
	}
}
