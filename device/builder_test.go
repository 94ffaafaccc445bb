package device

import (
	"net"
	"testing"
	"time"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/ssdp"
)

func fakeMessage(uuid string) *ssdp.Message {
	raw := []byte("NOTIFY * HTTP/1.1\r\nNT: upnp:rootdevice\r\nNTS: ssdp:alive\r\nUSN: uuid:" + uuid + "::upnp:rootdevice\r\n\r\n")
	msg, err := ssdp.Parse(raw, &net.UDPAddr{IP: net.ParseIP("192.168.0.5")})
	if err != nil {
		panic(err)
	}
	return msg
}

func TestResolveRelatedStateVariableExactMatch(t *testing.T) {
	raw := RawDevice{
		UDN: "uuid:dev-1",
		Services: []RawService{{
			ServiceID:      "urn:upnp-org:serviceId:Svc",
			StateVariables: []RawStateVariable{{Name: "X"}},
			Actions: []RawAction{{
				Name:      "DoThing",
				Arguments: []RawArgument{{Name: "arg", RelatedStateVariable: "X"}},
			}},
		}},
	}
	b := &Builder{UDN: "uuid:dev-1", Raw: raw}
	b.ssdpMsg = fakeMessage("dev-1")

	dev, err := b.Resolve("http://192.168.0.5:80/", "192.168.0.5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	arg := dev.Services[0].Actions[0].Arguments[0]
	if arg.RelatedStateVariable != 0 {
		t.Errorf("RelatedStateVariable index = %d, want 0", arg.RelatedStateVariable)
	}
}

func TestResolveRelatedStateVariableTrimmedRetry(t *testing.T) {
	raw := RawDevice{
		UDN: "uuid:dev-2",
		Services: []RawService{{
			ServiceID:      "urn:upnp-org:serviceId:Svc",
			StateVariables: []RawStateVariable{{Name: "X"}},
			Actions: []RawAction{{
				Name:      "DoThing",
				Arguments: []RawArgument{{Name: "arg", RelatedStateVariable: "  X  "}},
			}},
		}},
	}
	b := &Builder{UDN: "uuid:dev-2", Raw: raw}
	b.ssdpMsg = fakeMessage("dev-2")

	dev, err := b.Resolve("http://192.168.0.5:80/", "192.168.0.5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dev.Services[0].Actions[0].Arguments[0].RelatedStateVariable != 0 {
		t.Error("expected the whitespace-trimmed name to resolve to X")
	}
}

func TestResolveRelatedStateVariableUnresolvableFails(t *testing.T) {
	raw := RawDevice{
		UDN: "uuid:dev-3",
		Services: []RawService{{
			ServiceID:      "urn:upnp-org:serviceId:Svc",
			StateVariables: []RawStateVariable{{Name: "X"}},
			Actions: []RawAction{{
				Name:      "DoThing",
				Arguments: []RawArgument{{Name: "arg", RelatedStateVariable: "Y"}},
			}},
		}},
	}
	b := &Builder{UDN: "uuid:dev-3", Raw: raw}
	b.ssdpMsg = fakeMessage("dev-3")

	_, err := b.Resolve("http://192.168.0.5:80/", "192.168.0.5")
	if !cperr.Is(err, cperr.InvalidDescription) {
		t.Fatalf("expected InvalidDescription, got %v", err)
	}
}

func TestResolveDuplicateServiceIDFails(t *testing.T) {
	raw := RawDevice{
		UDN: "uuid:dev-4",
		Services: []RawService{
			{ServiceID: "svc"},
			{ServiceID: "svc"},
		},
	}
	b := &Builder{UDN: "uuid:dev-4", Raw: raw}
	b.ssdpMsg = fakeMessage("dev-4")

	_, err := b.Resolve("http://192.168.0.5:80/", "192.168.0.5")
	if !cperr.Is(err, cperr.InvalidDescription) {
		t.Fatalf("expected InvalidDescription for duplicate serviceId, got %v", err)
	}
}

func TestResolveEmbeddedDevices(t *testing.T) {
	raw := RawDevice{
		UDN: "uuid:root",
		Embedded: []RawDevice{
			{UDN: "uuid:child", Services: []RawService{{ServiceID: "child-svc"}}},
		},
	}
	b := &Builder{UDN: "uuid:root", Raw: raw}
	b.ssdpMsg = fakeMessage("root")

	dev, err := b.Resolve("http://192.168.0.5:80/", "192.168.0.5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(dev.Embedded) != 1 || dev.Embedded[0].UDN != "uuid:child" {
		t.Fatalf("expected one embedded device uuid:child, got %+v", dev.Embedded)
	}
	all := dev.AllServices()
	if len(all) != 1 || all[0].ServiceID != "child-svc" {
		t.Fatalf("AllServices should include the embedded device's services, got %+v", all)
	}
}

func TestBuilderTouchUpdatesMessage(t *testing.T) {
	b := NewBuilder(fakeMessage("dev-5"))
	later := fakeMessage("dev-5")
	b.Touch(later)
	if b.ssdpMsg != later {
		t.Error("Touch should replace the in-flight builder's backing SSDP message")
	}
}

func TestDeviceTouchUpdatesExpiry(t *testing.T) {
	dev := &Device{UDN: "uuid:dev-6"}
	msg := fakeMessage("dev-6")
	before := time.Now()
	dev.Touch(msg)
	if !dev.Expiry().After(before) {
		t.Error("expected Expiry to be set to a future instant after Touch")
	}
}
