package controlpoint

import "github.com/ebouchut/upnpcp/device"

// DiscoveryListener is notified as devices enter and leave the registry
// (spec.md §6). Both methods are invoked on the ControlPoint's single
// callback executor, so listeners observe a serial, predictable order.
type DiscoveryListener interface {
	OnDiscover(d *device.Device)
	OnLost(d *device.Device)
}

// EventListener receives accepted GENA NOTIFY property changes (spec.md
// §6).
type EventListener interface {
	OnNotifyEvent(svc *device.Service, seq int, variable, value string)
}

// NotifyEventListener receives the secondary multicast event variant
// (spec.md §4.6, §6).
type NotifyEventListener interface {
	OnEvent(uuid, svcID string, lvl, seq int, properties map[string]string)
}

// SubscriptionListener is notified when a kept-renewed subscription's
// renewal fails and the subscription is marked expired (spec.md §4.5).
type SubscriptionListener interface {
	OnSubscriptionExpired(svc *device.Service)
}
