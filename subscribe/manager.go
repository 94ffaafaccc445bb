// Package subscribe implements the GENA subscription manager of spec.md
// §4.5: SUBSCRIBE/RENEW/UNSUBSCRIBE against a Service's eventSubURL, and a
// single background goroutine that renews every keep-renew subscription
// shortly before it expires.
package subscribe

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/device"
)

// DefaultTimeout is the TIMEOUT requested on every SUBSCRIBE/RENEW and the
// value substituted for a missing/malformed/infinite TIMEOUT response
// (spec.md §4.5, §8 boundary behaviours).
const DefaultTimeout = 300 * time.Second

// DefaultRenewMargin is subtracted from a subscription's expiry to decide
// when the renewal goroutine wakes for it, unless Manager.RenewMargin
// overrides it. Never honored below minRenewMargin.
const DefaultRenewMargin = 10 * time.Second
const minRenewMargin = 300 * time.Millisecond

// Listener is notified when a kept-renewed subscription's renewal fails.
type Listener interface {
	OnExpired(svc *device.Service)
}

// HTTPDoer is the subset of *http.Client the manager needs; satisfied by
// http.DefaultClient or any RoundTripper-backed client the caller supplies.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager is the SubscribeHolder of spec.md §4.5: it tracks every Service
// currently Subscribing/Active/Renewing and runs the single renewal
// goroutine. The zero value is not usable; construct with New.
type Manager struct {
	Client       HTTPDoer
	CallbackHost string
	CallbackPort int
	Listener     Listener

	// RenewMargin overrides DefaultRenewMargin when non-zero (spec.md §6
	// "renewal safety margin" configuration knob).
	RenewMargin time.Duration

	mu    sync.Mutex
	bySID map[string]*device.Service

	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Manager whose CALLBACK header will read
// http://<callbackHost>:<callbackPort>/, and starts its renewal goroutine.
func New(callbackHost string, callbackPort int, client HTTPDoer) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	m := &Manager{
		Client:       client,
		CallbackHost: callbackHost,
		CallbackPort: callbackPort,
		bySID:        make(map[string]*device.Service),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go m.renewLoop()
	return m
}

// Subscribe issues SUBSCRIBE for svc, or RENEW if svc already holds an
// active SID (spec.md §4.5 "subscribe" transition; §8 round-trip property
// "subscribe on an already-Active Service triggers a renew"). keepRenew
// controls whether the renewal goroutine keeps this subscription alive
// automatically.
func (m *Manager) Subscribe(svc *device.Service, keepRenew bool) error {
	if svc.IsSubscribed() {
		return m.Renew(svc)
	}

	req, err := http.NewRequest("SUBSCRIBE", svc.EventSubURL, nil)
	if err != nil {
		return cperr.Wrap(cperr.Network, "build SUBSCRIBE request", err)
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("CALLBACK", m.callbackHeader())
	req.Header.Set("TIMEOUT", "Second-300")

	resp, err := m.Client.Do(req)
	if err != nil {
		return cperr.Wrap(cperr.Network, "SUBSCRIBE "+svc.EventSubURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cperr.New(cperr.Network, fmt.Sprintf("SUBSCRIBE %s: status %d", svc.EventSubURL, resp.StatusCode))
	}
	sid := resp.Header.Get("SID")
	if sid == "" {
		return cperr.New(cperr.Protocol, "SUBSCRIBE response missing SID")
	}
	timeout := parseTimeout(resp.Header.Get("TIMEOUT"))

	start := time.Now()
	svc.SetSubscription(sid, start, timeout, keepRenew)

	m.mu.Lock()
	m.bySID[sid] = svc
	m.mu.Unlock()
	m.nudge()

	return nil
}

// Renew re-issues SUBSCRIBE carrying the existing SID (spec.md §4.5
// "renew"). On success it updates the expiry; on failure the Service's
// subscription state is left unchanged, matching the "state unchanged"
// boundary wording applied to subscribe failures.
func (m *Manager) Renew(svc *device.Service) error {
	sid, _, _, _, _ := svc.Snapshot()
	if sid == "" {
		return cperr.New(cperr.InvalidState, "renew invoked on a service with no active subscription")
	}

	req, err := http.NewRequest("SUBSCRIBE", svc.EventSubURL, nil)
	if err != nil {
		return cperr.Wrap(cperr.Network, "build RENEW request", err)
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", "Second-300")

	resp, err := m.Client.Do(req)
	if err != nil {
		return cperr.Wrap(cperr.Network, "RENEW "+svc.EventSubURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Header.Get("SID") != sid {
		return cperr.New(cperr.Network, fmt.Sprintf("RENEW %s: status %d", svc.EventSubURL, resp.StatusCode))
	}

	timeout := parseTimeout(resp.Header.Get("TIMEOUT"))
	svc.RenewSubscription(timeout)
	m.nudge()
	return nil
}

// Unsubscribe issues UNSUBSCRIBE for svc and clears its subscription state
// regardless of the HTTP outcome (spec.md §4.5: "on success (or always, on
// expired callback), clear all subscription fields and remove from the
// holder").
func (m *Manager) Unsubscribe(svc *device.Service) error {
	sid, _, _, _, _ := svc.Snapshot()
	if sid == "" {
		return nil
	}

	var callErr error
	req, err := http.NewRequest("UNSUBSCRIBE", svc.EventSubURL, nil)
	if err != nil {
		callErr = cperr.Wrap(cperr.Network, "build UNSUBSCRIBE request", err)
	} else {
		req.Header.Set("SID", sid)
		resp, err := m.Client.Do(req)
		if err != nil {
			callErr = cperr.Wrap(cperr.Network, "UNSUBSCRIBE "+svc.EventSubURL, err)
		} else {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				callErr = cperr.New(cperr.Network, fmt.Sprintf("UNSUBSCRIBE %s: status %d", svc.EventSubURL, resp.StatusCode))
			}
		}
	}

	m.mu.Lock()
	delete(m.bySID, sid)
	m.mu.Unlock()
	svc.ClearSubscription()

	return callErr
}

// UnsubscribeAll is the registry.Unsubscriber contract: best-effort
// unsubscribe of every currently-subscribed service in services (spec.md
// §4.4 "Removal side effects", §8 invariant 3).
func (m *Manager) UnsubscribeAll(services []*device.Service) {
	for _, svc := range services {
		if !svc.IsSubscribed() {
			continue
		}
		if err := m.Unsubscribe(svc); err != nil {
			log.Warnf("subscribe: best-effort unsubscribe %s: %v", svc.Key(), err)
		}
	}
}

// BySID looks up the Service owning an active subscription ID, used by the
// event receiver to route an incoming NOTIFY (spec.md §4.6).
func (m *Manager) BySID(sid string) (*device.Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.bySID[sid]
	return svc, ok
}

// Stop best-effort unsubscribes every tracked service and terminates the
// renewal goroutine (spec.md §5 "stop... issues best-effort unsubscribes").
func (m *Manager) Stop() {
	m.mu.Lock()
	services := make([]*device.Service, 0, len(m.bySID))
	for _, svc := range m.bySID {
		services = append(services, svc)
	}
	m.mu.Unlock()

	m.UnsubscribeAll(services)

	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// renewMargin returns m.RenewMargin if set, otherwise DefaultRenewMargin,
// raised to minRenewMargin if smaller.
func (m *Manager) renewMargin() time.Duration {
	margin := DefaultRenewMargin
	if m.RenewMargin > 0 {
		margin = m.RenewMargin
	}
	if margin < minRenewMargin {
		margin = minRenewMargin
	}
	return margin
}

func (m *Manager) callbackHeader() string {
	host := m.CallbackHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("<http://%s/>", net.JoinHostPort(host, strconv.Itoa(m.CallbackPort)))
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// renewLoop sleeps until the earliest tracked subscription's expiry minus
// renewMargin, then renews every keep-renew subscription due, per spec.md
// §4.5's single renewal thread.
func (m *Manager) renewLoop() {
	defer close(m.doneCh)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	for {
		next, ok := m.earliestWake()
		if timerActive && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerActive = false
		if ok {
			d := time.Until(next)
			if d < minRenewMargin {
				d = minRenewMargin
			}
			timer.Reset(d)
			timerActive = true
		}

		var timerC <-chan time.Time
		if timerActive {
			timerC = timer.C
		}

		select {
		case <-m.stopCh:
			return
		case <-m.wake:
			continue
		case <-timerC:
			m.processDue()
		}
	}
}

func (m *Manager) earliestWake() (time.Time, bool) {
	m.mu.Lock()
	services := make([]*device.Service, 0, len(m.bySID))
	for _, svc := range m.bySID {
		services = append(services, svc)
	}
	m.mu.Unlock()

	margin := m.renewMargin()
	var earliest time.Time
	found := false
	for _, svc := range services {
		_, _, _, expiry, _ := svc.Snapshot()
		wake := expiry.Add(-margin)
		if !found || wake.Before(earliest) {
			earliest = wake
			found = true
		}
	}
	return earliest, found
}

func (m *Manager) processDue() {
	now := time.Now()

	m.mu.Lock()
	services := make([]*device.Service, 0, len(m.bySID))
	for _, svc := range m.bySID {
		services = append(services, svc)
	}
	m.mu.Unlock()

	sort.Slice(services, func(i, j int) bool { return services[i].Key() < services[j].Key() })
	margin := m.renewMargin()

	for _, svc := range services {
		sid, _, _, expiry, keepRenew := svc.Snapshot()
		if sid == "" {
			continue
		}
		if expiry.Add(-margin).After(now) {
			continue
		}

		if !keepRenew {
			m.mu.Lock()
			delete(m.bySID, sid)
			m.mu.Unlock()
			svc.ClearSubscription()
			continue
		}

		if err := m.Renew(svc); err != nil {
			log.Warnf("subscribe: renew %s failed: %v", svc.Key(), err)
			m.mu.Lock()
			delete(m.bySID, sid)
			m.mu.Unlock()
			svc.ClearSubscription()
			if m.Listener != nil {
				m.Listener.OnExpired(svc)
			}
		}
	}
}

// parseTimeout decodes a GENA TIMEOUT header value ("Second-<n>" or
// "infinite"), coercing anything missing or unparseable to DefaultTimeout
// (spec.md §8 boundary behaviours).
func parseTimeout(value string) time.Duration {
	v := strings.TrimSpace(value)
	if v == "" {
		return DefaultTimeout
	}
	if strings.EqualFold(v, "infinite") {
		return DefaultTimeout
	}
	const prefix = "second-"
	if !strings.HasPrefix(strings.ToLower(v), prefix) {
		return DefaultTimeout
	}
	n, err := strconv.Atoi(v[len(prefix):])
	if err != nil || n <= 0 {
		return DefaultTimeout
	}
	return time.Duration(n) * time.Second
}
