// Package controlpoint is the façade of spec.md §4/§5/§7: it wires the
// SSDP discovery engine, device loader, registry, subscription manager, and
// GENA event receiver into one object with a start/stop/terminate
// lifecycle and listener registration.
package controlpoint

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/device"
	"github.com/ebouchut/upnpcp/gena"
	"github.com/ebouchut/upnpcp/loader"
	"github.com/ebouchut/upnpcp/netutils"
	"github.com/ebouchut/upnpcp/registry"
	"github.com/ebouchut/upnpcp/ssdp"
	"github.com/ebouchut/upnpcp/subscribe"
)

type lifecycleState int

const (
	notStarted lifecycleState = iota
	running
	stopped
	terminated
)

// drainWait bounds how long Stop waits for in-flight loader tasks before
// proceeding, per spec.md §5 "waits briefly for the loader pool to drain".
const drainWait = 500 * time.Millisecond

// ControlPoint is the entry point of this module: construct one with New,
// call Start, register listeners, Search, and eventually Stop or Terminate.
type ControlPoint struct {
	cfg *Config

	// instanceID is a process-local correlation id, generated fresh per
	// ControlPoint, and attached to lifecycle log lines so a multi-
	// ControlPoint process can tell its instances' logs apart.
	instanceID string

	registry *registry.Holder
	pipeline *loader.Pipeline
	subs     *subscribe.Manager
	events   *gena.Receiver
	mcast    []*gena.MulticastReceiver

	notifyReceivers []*ssdp.NotifyReceiver
	searchServers   []*ssdp.SearchServer

	mu    sync.Mutex
	state lifecycleState

	listenerMu            sync.Mutex
	discoveryListeners    []DiscoveryListener
	eventListeners        []EventListener
	notifyEventListeners  []NotifyEventListener
	subscriptionListeners []SubscriptionListener

	cbQueue  chan func()
	cbDoneCh chan struct{}

	pollStopCh chan struct{}
	pollDoneCh chan struct{}
}

// New constructs a ControlPoint from cfg (NewConfig() for defaults).
func New(cfg *Config) *ControlPoint {
	if cfg == nil {
		cfg = NewConfig()
	}
	cp := &ControlPoint{cfg: cfg, instanceID: uuid.New().String()}
	cp.registry = registry.New()
	cp.registry.OnLost = cp.dispatchLost

	var doer subscribe.HTTPDoer
	var loaderClient loader.HTTPClient
	if cfg.HTTPTimeout > 0 {
		httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
		doer = httpClient
		loaderClient = loader.NewDefaultHTTPClient(httpClient)
	}

	cp.subs = subscribe.New(cfg.EventCallbackHost, cfg.EventPort, doer)
	cp.subs.Listener = expiredAdapter{cp}
	cp.subs.RenewMargin = cfg.RenewMargin
	cp.registry.Unsubscriber = cp.subs

	cp.pipeline = &loader.Pipeline{
		Client:      loaderClient,
		IconFilter:  cfg.IconFilter,
		SSDPFilter:  cfg.SSDPFilter,
		Registry:    registryAdapter{cp.registry},
		Concurrency: cfg.LoaderConcurrency,
		OnLoaded:    cp.dispatchDiscover,
	}

	cp.events = &gena.Receiver{Lookup: cp.subs, Listener: eventAdapter{cp}}

	return cp
}

// registryAdapter narrows *registry.Holder to loader.Registry.
type registryAdapter struct{ h *registry.Holder }

func (a registryAdapter) Get(udn string) (*device.Device, bool) { return a.h.Get(udn) }
func (a registryAdapter) Add(d *device.Device)                  { a.h.Add(d) }

type expiredAdapter struct{ cp *ControlPoint }

func (a expiredAdapter) OnExpired(svc *device.Service) { a.cp.dispatchSubscriptionExpired(svc) }

type eventAdapter struct{ cp *ControlPoint }

func (a eventAdapter) OnNotifyEvent(svc *device.Service, seq int, name, value string) {
	a.cp.dispatchEvent(svc, seq, name, value)
}

type notifyEventAdapter struct{ cp *ControlPoint }

func (a notifyEventAdapter) OnEvent(uuid, svcID string, lvl, seq int, properties map[string]string) {
	a.cp.dispatchMulticastEvent(uuid, svcID, lvl, seq, properties)
}

// AddDiscoveryListener registers l if it is not already registered
// (spec.md §8 invariant 6: listener registration is idempotent).
func (cp *ControlPoint) AddDiscoveryListener(l DiscoveryListener) {
	cp.listenerMu.Lock()
	defer cp.listenerMu.Unlock()
	for _, existing := range cp.discoveryListeners {
		if existing == l {
			return
		}
	}
	cp.discoveryListeners = append(append([]DiscoveryListener{}, cp.discoveryListeners...), l)
}

// RemoveDiscoveryListener removes l if present.
func (cp *ControlPoint) RemoveDiscoveryListener(l DiscoveryListener) {
	cp.listenerMu.Lock()
	defer cp.listenerMu.Unlock()
	out := make([]DiscoveryListener, 0, len(cp.discoveryListeners))
	for _, existing := range cp.discoveryListeners {
		if existing != l {
			out = append(out, existing)
		}
	}
	cp.discoveryListeners = out
}

// AddEventListener registers l idempotently.
func (cp *ControlPoint) AddEventListener(l EventListener) {
	cp.listenerMu.Lock()
	defer cp.listenerMu.Unlock()
	for _, existing := range cp.eventListeners {
		if existing == l {
			return
		}
	}
	cp.eventListeners = append(append([]EventListener{}, cp.eventListeners...), l)
}

// RemoveEventListener removes l if present.
func (cp *ControlPoint) RemoveEventListener(l EventListener) {
	cp.listenerMu.Lock()
	defer cp.listenerMu.Unlock()
	out := make([]EventListener, 0, len(cp.eventListeners))
	for _, existing := range cp.eventListeners {
		if existing != l {
			out = append(out, existing)
		}
	}
	cp.eventListeners = out
}

// AddNotifyEventListener registers l idempotently.
func (cp *ControlPoint) AddNotifyEventListener(l NotifyEventListener) {
	cp.listenerMu.Lock()
	defer cp.listenerMu.Unlock()
	for _, existing := range cp.notifyEventListeners {
		if existing == l {
			return
		}
	}
	cp.notifyEventListeners = append(append([]NotifyEventListener{}, cp.notifyEventListeners...), l)
}

// AddSubscriptionListener registers l idempotently.
func (cp *ControlPoint) AddSubscriptionListener(l SubscriptionListener) {
	cp.listenerMu.Lock()
	defer cp.listenerMu.Unlock()
	for _, existing := range cp.subscriptionListeners {
		if existing == l {
			return
		}
	}
	cp.subscriptionListeners = append(append([]SubscriptionListener{}, cp.subscriptionListeners...), l)
}

// Registry exposes read access to the device registry.
func (cp *ControlPoint) Registry() *registry.Holder { return cp.registry }

// Subscriptions exposes the subscription manager for subscribe/renew/
// unsubscribe calls against discovered Services.
func (cp *ControlPoint) Subscriptions() *subscribe.Manager { return cp.subs }

// InstanceID returns this ControlPoint's process-local correlation id.
func (cp *ControlPoint) InstanceID() string { return cp.instanceID }

// Start binds sockets on every configured interface and begins discovery.
// Idempotent while running; returns cperr.InvalidState if this ControlPoint
// was already Stop()ped or Terminate()d — start→stop→start on the same
// ControlPoint is not supported (spec.md §8).
func (cp *ControlPoint) Start(ctx context.Context) error {
	cp.mu.Lock()
	switch cp.state {
	case running:
		cp.mu.Unlock()
		return nil
	case stopped:
		cp.mu.Unlock()
		return cperr.New(cperr.InvalidState, "start after stop is not supported")
	case terminated:
		cp.mu.Unlock()
		return cperr.New(cperr.InvalidState, "start after terminate is not supported")
	}
	cp.mu.Unlock()

	log.Infof("controlpoint[%s]: starting", cp.instanceID)

	if cp.cfg.EventCallbackHost == "" {
		cp.cfg.EventCallbackHost = netutils.GuessLocalIP()
		cp.subs.CallbackHost = cp.cfg.EventCallbackHost
	}

	cp.cbQueue = make(chan func(), 256)
	cp.cbDoneCh = make(chan struct{})
	go cp.callbackExecutor()

	if err := cp.events.Start(eventListenAddr(cp.cfg.EventPort)); err != nil {
		return cperr.Wrap(cperr.Network, "start event receiver", err)
	}
	cp.subs.CallbackPort = cp.events.Port()

	v4, v6 := cp.enabledFamilies()
	for _, iface := range cp.cfg.Interfaces {
		if v4 {
			ipnet, _ := netutils.IPv4Net(iface)
			recv := &ssdp.NotifyReceiver{
				Iface:        iface,
				IfaceNet:     ipnet,
				IPv6:         false,
				SegmentCheck: cp.cfg.NotifySegmentCheck,
				OnMessage:    cp.onSSDPMessage,
			}
			search := &ssdp.SearchServer{Iface: iface, IPv6: false, OnMessage: cp.onSSDPMessage}
			if err := recv.Start(ctx); err != nil {
				log.Warnf("controlpoint: start notify receiver on %s: %v", iface.Name, err)
				continue
			}
			if err := search.Start(); err != nil {
				log.Warnf("controlpoint: start search server on %s: %v", iface.Name, err)
			}
			cp.notifyReceivers = append(cp.notifyReceivers, recv)
			cp.searchServers = append(cp.searchServers, search)

			mcast := &gena.MulticastReceiver{Iface: iface, Listener: notifyEventAdapter{cp}}
			if err := mcast.Start(ctx); err != nil {
				log.Warnf("controlpoint: start multicast event receiver on %s: %v", iface.Name, err)
			} else {
				cp.mcast = append(cp.mcast, mcast)
			}
		}
		if v6 {
			recv := &ssdp.NotifyReceiver{
				Iface:        iface,
				IPv6:         true,
				SegmentCheck: false,
				OnMessage:    cp.onSSDPMessage,
			}
			search := &ssdp.SearchServer{Iface: iface, IPv6: true, OnMessage: cp.onSSDPMessage}
			if err := recv.Start(ctx); err != nil {
				log.Warnf("controlpoint: start v6 notify receiver on %s: %v", iface.Name, err)
				continue
			}
			if err := search.Start(); err != nil {
				log.Warnf("controlpoint: start v6 search server on %s: %v", iface.Name, err)
			}
			cp.notifyReceivers = append(cp.notifyReceivers, recv)
			cp.searchServers = append(cp.searchServers, search)
		}
	}

	if len(cp.notifyReceivers) == 0 {
		return cperr.New(cperr.Network, "failed to bind any SSDP socket on any configured interface")
	}

	if cp.cfg.PollInterval > 0 {
		cp.pollStopCh = make(chan struct{})
		cp.pollDoneCh = make(chan struct{})
		go cp.pollLoop(cp.cfg.PollInterval)
	}

	cp.mu.Lock()
	cp.state = running
	cp.mu.Unlock()
	return nil
}

func (cp *ControlPoint) enabledFamilies() (v4, v6 bool) {
	switch cp.cfg.Protocol {
	case IPv4Only:
		return true, false
	case IPv6Only:
		return false, true
	default:
		return true, true
	}
}

func eventListenAddr(port int) string {
	if port <= 0 {
		return ":0"
	}
	return ":" + strconv.Itoa(port)
}

func (cp *ControlPoint) onSSDPMessage(msg *ssdp.Message) {
	if msg.NTS == ssdp.ByeBye {
		cp.pipeline.CancelLoad(msg.UUID)
		cp.registry.Remove(msg.UUID)
		return
	}
	cp.pipeline.Handle(msg)
}

// pollLoop issues a periodic active "ssdp:all" Search every interval until
// Stop, refreshing devices that a dropped NOTIFY would otherwise leave stale
// (spec.md §6 "poll interval" configuration knob).
func (cp *ControlPoint) pollLoop(interval time.Duration) {
	defer close(cp.pollDoneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cp.pollStopCh:
			return
		case <-ticker.C:
			if err := cp.Search("ssdp:all"); err != nil {
				log.Warnf("controlpoint: periodic search: %v", err)
			}
		}
	}
}

// Search sends an M-SEARCH for searchTarget ("" defaults to "ssdp:all") on
// every configured interface. Returns cperr.InvalidState before Start.
func (cp *ControlPoint) Search(searchTarget string) error {
	cp.mu.Lock()
	st := cp.state
	cp.mu.Unlock()
	if st != running {
		return cperr.New(cperr.InvalidState, "search invoked before start")
	}
	for _, s := range cp.searchServers {
		if err := s.Search(searchTarget); err != nil {
			log.Warnf("controlpoint: search: %v", err)
		}
	}
	return nil
}

// Stop cancels every server task, closes sockets, best-effort unsubscribes,
// and clears the registry. Idempotent.
func (cp *ControlPoint) Stop() {
	cp.mu.Lock()
	if cp.state != running {
		cp.mu.Unlock()
		return
	}
	cp.state = stopped
	cp.mu.Unlock()

	if cp.pollStopCh != nil {
		close(cp.pollStopCh)
		<-cp.pollDoneCh
	}

	for _, r := range cp.notifyReceivers {
		r.Stop()
	}
	for _, s := range cp.searchServers {
		s.Stop()
	}
	for _, m := range cp.mcast {
		m.Stop()
	}

	time.Sleep(drainWait)

	cp.subs.Stop()
	cp.registry.Clear()
}

// Terminate additionally shuts down the callback executor and releases the
// event port. After Terminate, Start returns InvalidState.
func (cp *ControlPoint) Terminate() {
	cp.mu.Lock()
	if cp.state == running {
		cp.mu.Unlock()
		cp.Stop()
	} else {
		cp.mu.Unlock()
	}

	cp.mu.Lock()
	if cp.state == terminated {
		cp.mu.Unlock()
		return
	}
	cp.state = terminated
	cp.mu.Unlock()

	if err := cp.events.Stop(); err != nil {
		log.Warnf("controlpoint: stop event receiver: %v", err)
	}
	cp.registry.Stop()
	if cp.cbQueue != nil {
		close(cp.cbQueue)
		<-cp.cbDoneCh
	}
}

// callbackExecutor is the single-threaded dispatcher of spec.md §5: every
// listener invocation is funneled through here for serial, predictable
// delivery order.
func (cp *ControlPoint) callbackExecutor() {
	defer close(cp.cbDoneCh)
	for fn := range cp.cbQueue {
		fn()
	}
}

func (cp *ControlPoint) enqueue(fn func()) {
	select {
	case cp.cbQueue <- fn:
	default:
		log.Warn("controlpoint: callback queue full, dropping a listener dispatch")
	}
}

func (cp *ControlPoint) dispatchDiscover(d *device.Device) {
	cp.listenerMu.Lock()
	listeners := cp.discoveryListeners
	cp.listenerMu.Unlock()
	cp.enqueue(func() {
		for _, l := range listeners {
			l.OnDiscover(d)
		}
	})
}

func (cp *ControlPoint) dispatchLost(d *device.Device) {
	cp.listenerMu.Lock()
	listeners := cp.discoveryListeners
	cp.listenerMu.Unlock()
	cp.enqueue(func() {
		for _, l := range listeners {
			l.OnLost(d)
		}
	})
}

func (cp *ControlPoint) dispatchEvent(svc *device.Service, seq int, name, value string) {
	cp.listenerMu.Lock()
	listeners := cp.eventListeners
	cp.listenerMu.Unlock()
	cp.enqueue(func() {
		for _, l := range listeners {
			l.OnNotifyEvent(svc, seq, name, value)
		}
	})
}

func (cp *ControlPoint) dispatchMulticastEvent(uuid, svcID string, lvl, seq int, properties map[string]string) {
	cp.listenerMu.Lock()
	listeners := cp.notifyEventListeners
	cp.listenerMu.Unlock()
	cp.enqueue(func() {
		for _, l := range listeners {
			l.OnEvent(uuid, svcID, lvl, seq, properties)
		}
	})
}

func (cp *ControlPoint) dispatchSubscriptionExpired(svc *device.Service) {
	cp.listenerMu.Lock()
	listeners := cp.subscriptionListeners
	cp.listenerMu.Unlock()
	cp.enqueue(func() {
		for _, l := range listeners {
			l.OnSubscriptionExpired(svc)
		}
	})
}
