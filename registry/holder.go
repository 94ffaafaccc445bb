// Package registry holds the set of currently-known devices (spec.md §4.4):
// a UDN-keyed map, and a background goroutine that expires devices whose
// SSDP cache-control lease has lapsed without a refreshing announcement.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/ebouchut/upnpcp/device"
)

// Unsubscriber is the subscribe package's collaborator contract: best-effort
// unsubscribe of every Service belonging to a device that just expired or
// was explicitly removed (spec.md §4.4 "Removal side effects").
type Unsubscriber interface {
	UnsubscribeAll(services []*device.Service)
}

// noopUnsubscriber is installed by default so Holder is usable standalone
// (e.g. in tests) without wiring a subscribe.Manager.
type noopUnsubscriber struct{}

func (noopUnsubscriber) UnsubscribeAll([]*device.Service) {}

// Holder is the device registry of spec.md §4.4. The zero value is not
// usable; construct with New.
type Holder struct {
	// Unsubscriber is consulted whenever a device is removed, either by
	// expiry or explicitly. Defaults to a no-op.
	Unsubscriber Unsubscriber
	// OnLost is invoked (synchronously, on the expiry goroutine or the
	// caller's goroutine for explicit Remove) for every device removed.
	OnLost func(*device.Device)

	mu      sync.Mutex
	devices map[string]*device.Device
	wake    chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Holder and starts its expiry goroutine.
func New() *Holder {
	h := &Holder{
		Unsubscriber: noopUnsubscriber{},
		devices:      make(map[string]*device.Device),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go h.expiryLoop()
	return h
}

// Get returns the device registered under udn, if any.
func (h *Holder) Get(udn string) (*device.Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[udn]
	return d, ok
}

// Add registers a newly loaded device, replacing any previous entry with
// the same UDN (spec.md §4.3 publishes only once the load succeeds, so a
// collision here means a concurrent reload raced and won; the newest wins).
func (h *Holder) Add(d *device.Device) {
	h.mu.Lock()
	h.devices[d.UDN] = d
	h.mu.Unlock()
	h.nudge()
}

// Remove explicitly drops a device (e.g. on a byebye notification) and
// triggers unsubscription of its services, per spec.md §4.4.
func (h *Holder) Remove(udn string) {
	h.mu.Lock()
	d, ok := h.devices[udn]
	if ok {
		delete(h.devices, udn)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.Unsubscriber.UnsubscribeAll(d.AllServices())
	if h.OnLost != nil {
		h.OnLost(d)
	}
}

// List returns every registered device, sorted by UDN for deterministic
// iteration in tests and diagnostics.
func (h *Holder) List() []*device.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*device.Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UDN < out[j].UDN })
	return out
}

// Size returns the number of registered devices.
func (h *Holder) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.devices)
}

// Clear removes every device without invoking Unsubscriber or OnLost; used
// on ControlPoint shutdown, where unsubscription is driven separately by
// the subscribe manager's own best-effort sweep.
func (h *Holder) Clear() {
	h.mu.Lock()
	h.devices = make(map[string]*device.Device)
	h.mu.Unlock()
}

// Stop terminates the expiry goroutine. Idempotent.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// nudge wakes the expiry goroutine to recompute its sleep deadline. Add
// calls it after every insertion; a refresh through Device.Touch does not,
// so the goroutine picks up a refreshed expiry at its next wake.
func (h *Holder) nudge() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// expiryLoop sleeps until the earliest known expiry, or indefinitely when
// the registry is empty, per spec.md §4.4's single dedicated expiry thread.
func (h *Holder) expiryLoop() {
	defer close(h.doneCh)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	for {
		next, ok := h.earliestExpiry()
		if timerActive && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerActive = false
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			timerActive = true
		}

		var timerC <-chan time.Time
		if timerActive {
			timerC = timer.C
		}

		select {
		case <-h.stopCh:
			return
		case <-h.wake:
			continue
		case <-timerC:
			h.reapExpired()
		}
	}
}

func (h *Holder) earliestExpiry() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var earliest time.Time
	found := false
	for _, d := range h.devices {
		e := d.Expiry()
		if !found || e.Before(earliest) {
			earliest = e
			found = true
		}
	}
	return earliest, found
}

func (h *Holder) reapExpired() {
	now := time.Now()
	h.mu.Lock()
	var expired []*device.Device
	for udn, d := range h.devices {
		if !d.Expiry().After(now) {
			expired = append(expired, d)
			delete(h.devices, udn)
		}
	}
	h.mu.Unlock()

	for _, d := range expired {
		h.Unsubscriber.UnsubscribeAll(d.AllServices())
		if h.OnLost != nil {
			h.OnLost(d)
		}
	}
}
