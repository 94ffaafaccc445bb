// Package device holds the UPnP data model discovered by the loader
// pipeline: Device, Service, Action, Argument, StateVariable, Icon
// (spec.md §3). Construction follows the arena strategy of spec.md §9:
// parse into plain structs first, then resolve all back-references
// (Argument → StateVariable, Service → Device) in one pass, instead of the
// nested mutable builders the original Java implementation uses.
package device

import (
	"strings"
	"sync"
	"time"

	"github.com/ebouchut/upnpcp/ssdp"
)

// Icon is a device icon declaration, optionally carrying its downloaded
// binary (populated only when the configured icon filter selects it).
type Icon struct {
	Mime   string
	Width  int
	Height int
	Depth  int
	URL    string
	Binary []byte
}

// StateVariable describes one evented or non-evented service variable.
type StateVariable struct {
	Name          string
	DataType      string
	AllowedValues []string
	Minimum       string
	Maximum       string
	Step          string
	Default       string
	SendEvents    bool
}

// HasRange reports whether Minimum/Maximum were declared.
func (v StateVariable) HasRange() bool { return v.Minimum != "" || v.Maximum != "" }

// Argument is one parameter of an Action. RelatedStateVariable is an index
// into the owning Service's StateVariables slice, resolved at build time
// (spec.md §9: "Arguments hold a non-owning index into the parent Service's
// StateVariable list").
type Argument struct {
	Name                  string
	Direction             string // "in" or "out"
	RelatedStateVariable  int
	relatedStateVariable_ string // raw name, retained for diagnostics
}

// RelatedStateVariableName is the raw (pre-resolution) name as given in the
// RawArgument; it is not trimmed here (the loader's XML parser already trims
// element text).
func (a Argument) RelatedStateVariableName() string { return a.relatedStateVariable_ }

// Action is a named operation exposed by a Service.
type Action struct {
	Name      string
	Arguments []Argument
}

// Service is a functional interface on a Device. Identity is
// (owning Device, ServiceID); Key returns a string combining both.
type Service struct {
	ServiceType string
	ServiceID   string
	SCPDURL     string
	ControlURL  string
	EventSubURL string
	Description string

	Actions        []Action
	StateVariables []StateVariable

	device *Device

	mu               sync.Mutex
	SID              string
	SubscribeStart   time.Time
	SubscribeTimeout time.Duration
	SubscribeExpiry  time.Time
	KeepRenew        bool
}

// Device returns the owning Device.
func (s *Service) Device() *Device { return s.device }

// Key is the Service's identity: owning Device UDN + ServiceID.
func (s *Service) Key() string { return s.device.UDN + "|" + s.ServiceID }

// StateVariableByName returns the StateVariable named name and true, or the
// zero value and false if this Service declares no such variable.
func (s *Service) StateVariableByName(name string) (StateVariable, bool) {
	for _, v := range s.StateVariables {
		if v.Name == name {
			return v, true
		}
	}
	return StateVariable{}, false
}

// IsSubscribed reports whether this Service currently holds an active SID.
// All subscription fields are zeroed together when unsubscribed
// (spec.md §3), so checking SID alone is sufficient.
func (s *Service) IsSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SID != ""
}

// SetSubscription atomically installs new subscription state.
func (s *Service) SetSubscription(sid string, start time.Time, timeout time.Duration, keepRenew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SID = sid
	s.SubscribeStart = start
	s.SubscribeTimeout = timeout
	s.SubscribeExpiry = start.Add(timeout)
	s.KeepRenew = keepRenew
}

// RenewSubscription updates the expiry of an already-active subscription.
func (s *Service) RenewSubscription(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SubscribeTimeout = timeout
	s.SubscribeExpiry = time.Now().Add(timeout)
}

// ClearSubscription zeroes all subscription fields.
func (s *Service) ClearSubscription() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SID = ""
	s.SubscribeStart = time.Time{}
	s.SubscribeTimeout = 0
	s.SubscribeExpiry = time.Time{}
	s.KeepRenew = false
}

// Snapshot returns a copy of the current subscription fields for read-only
// inspection without holding the lock.
func (s *Service) Snapshot() (sid string, start time.Time, timeout time.Duration, expiry time.Time, keepRenew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SID, s.SubscribeStart, s.SubscribeTimeout, s.SubscribeExpiry, s.KeepRenew
}

// Device is a discovered UPnP root or embedded device (spec.md §3).
// Identity and equality are by UDN.
type Device struct {
	UDN             string
	DeviceType      string
	FriendlyName    string
	Manufacturer    string
	ModelName       string
	PresentationURL string
	BaseURL         string
	SourceIP        string

	mu       sync.RWMutex
	ssdpMsg  *ssdp.Message
	expiry   time.Time

	Icons    []Icon
	Embedded []*Device
	Services []*Service
}

// Equal reports whether two devices share the same UDN.
func (d *Device) Equal(other *Device) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.UDN == other.UDN
}

// Touch updates the backing SSDP message and derived expiry, used when a
// re-announcement arrives for an already-known device (spec.md §3 Lifecycle,
// §4.3 step 1).
func (d *Device) Touch(msg *ssdp.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ssdpMsg = msg
	d.expiry = msg.Expiry()
}

// Expiry returns the instant at which this device should be considered
// stale absent a refreshing announcement.
func (d *Device) Expiry() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.expiry
}

// SSDPMessage returns the most recent announcement that produced or
// refreshed this device.
func (d *Device) SSDPMessage() *ssdp.Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ssdpMsg
}

// ServiceByID returns the Service with the given serviceId, searching this
// device only (not embedded devices), and true, or false if absent.
func (d *Device) ServiceByID(serviceID string) (*Service, bool) {
	for _, s := range d.Services {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return nil, false
}

// AllServices returns every Service owned by this device and its embedded
// devices, depth-first.
func (d *Device) AllServices() []*Service {
	out := append([]*Service{}, d.Services...)
	for _, child := range d.Embedded {
		out = append(out, child.AllServices()...)
	}
	return out
}

// trimRelatedName applies the whitespace-trimming tolerance of spec.md §3
// invariant (ii) / §4.3 "Argument resolution policy".
func trimRelatedName(name string) string {
	return strings.TrimSpace(name)
}
