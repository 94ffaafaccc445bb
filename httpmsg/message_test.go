package httpmsg

import (
	"net/http"
	"testing"
)

func TestParseRequestMessage(t *testing.T) {
	raw := []byte("NOTIFY * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\nNT: upnp:rootdevice\r\nNTS: ssdp:alive\r\n\r\n")
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Method != "NOTIFY" {
		t.Errorf("Method = %q, want NOTIFY", msg.Method)
	}
	if msg.IsResponse() {
		t.Error("IsResponse() = true for a request-form message")
	}
	if got := msg.Get("nts"); got != "ssdp:alive" {
		t.Errorf("Get(nts) = %q, want ssdp:alive (case-insensitive lookup)", got)
	}
}

func TestParseResponseMessage(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nST: upnp:rootdevice\r\nUSN: uuid:abc::upnp:rootdevice\r\n\r\n")
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.IsResponse() {
		t.Error("IsResponse() = false for a response-form message")
	}
	if msg.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", msg.StatusCode)
	}
	if got := msg.Get("USN"); got != "uuid:abc::upnp:rootdevice" {
		t.Errorf("Get(USN) = %q", got)
	}
}

func TestBytesRoundTripHeaderBag(t *testing.T) {
	original := &Message{
		Method: "M-SEARCH",
		Header: http.Header{
			"Host": {"239.255.255.250:1900"},
			"Man":  {`"ssdp:discover"`},
			"Mx":   {"1"},
			"St":   {"ssdp:all"},
		},
	}

	serialized := original.Bytes("*")
	reparsed, err := Parse(serialized)
	if err != nil {
		t.Fatalf("Parse(serialized): %v", err)
	}

	for name, values := range original.Header {
		got := reparsed.Header.Get(name)
		if got != values[0] {
			t.Errorf("header %s = %q after round-trip, want %q", name, got, values[0])
		}
	}
}

func TestBytesResponseLine(t *testing.T) {
	msg := &Message{StatusCode: 200, Header: http.Header{}}
	serialized := msg.Bytes("")
	if !msg.IsResponse() {
		t.Fatal("expected a response-form message")
	}
	reparsed, err := Parse(serialized)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reparsed.StatusCode != 200 {
		t.Errorf("StatusCode after round-trip = %d, want 200", reparsed.StatusCode)
	}
}
