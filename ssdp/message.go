// Package ssdp implements the SSDP discovery engine: per-interface multicast
// NOTIFY receivers, a unicast M-SEARCH responder/receiver, and the typed
// message view over both. Grounded in the reference SSDP server in this
// corpus (gcastel-gossdp/ssdp.go parses NOTIFY/M-SEARCH the same way, and
// coissac-pmomusic/ssdp/server.go shapes NOTIFY/M-SEARCH-response text the
// same way) but reworked for the client (ControlPoint) role: we receive and
// classify announcements instead of advertising our own device.
package ssdp

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ebouchut/upnpcp/httpmsg"
)

const (
	// MulticastAddrV4 is the well-known SSDP multicast group for IPv4.
	MulticastAddrV4 = "239.255.255.250"
	// MulticastAddrV6LinkLocal is the well-known SSDP multicast group for
	// IPv6 link-local scope.
	MulticastAddrV6LinkLocal = "ff02::c"
	// Port is the well-known SSDP UDP port.
	Port = 1900
)

// NTS is the Notification Sub-Type of an SSDP NOTIFY message.
type NTS string

const (
	Alive  NTS = "ssdp:alive"
	ByeBye NTS = "ssdp:byebye"
	// Update is treated as equivalent to Alive per spec.md §11 (Open
	// Questions): it refreshes max-age and the stored SsdpMessage without
	// triggering a reload.
	Update NTS = "ssdp:update"
)

var maxAgeRE = regexp.MustCompile(`max-age\s*=\s*(\d+)`)

// Message is a parsed SSDP packet: the underlying HTTP-shaped message plus
// the UDP source address it arrived from, and the fields derived from its
// headers (spec.md §3, SsdpMessage).
type Message struct {
	raw    *httpmsg.Message
	Source *net.UDPAddr

	USN      string
	UUID     string
	NT       string // NT for NOTIFY, ST for M-SEARCH response
	NTS      NTS    // empty for M-SEARCH responses
	Location string
	MaxAge   int // seconds; -1 if absent/unparseable
	Server   string

	// IsResponse is true for M-SEARCH 200 OK responses, false for NOTIFY
	// and M-SEARCH request messages.
	IsResponse bool
	// IsSearch is true for M-SEARCH request messages.
	IsSearch bool
	ReceivedAt time.Time
}

// Expiry returns the instant this announcement should be considered stale,
// derived from MaxAge. If MaxAge is unset, the SSDP-default 1800s is used.
func (m *Message) Expiry() time.Time {
	age := m.MaxAge
	if age <= 0 {
		age = 1800
	}
	return m.ReceivedAt.Add(time.Duration(age) * time.Second)
}

// Parse decodes a raw UDP payload received from src into a Message.
func Parse(payload []byte, src *net.UDPAddr) (*Message, error) {
	hm, err := httpmsg.Parse(payload)
	if err != nil {
		return nil, err
	}

	m := &Message{
		raw:        hm,
		Source:     src,
		IsResponse: hm.IsResponse(),
		ReceivedAt: time.Now(),
		MaxAge:     -1,
	}

	if hm.IsResponse() {
		m.NT = hm.Get("ST")
		m.Server = hm.Get("SERVER")
		m.Location = hm.Get("LOCATION")
		m.USN = hm.Get("USN")
	} else if hm.Method == "M-SEARCH" {
		m.IsSearch = true
		m.NT = hm.Get("ST")
	} else {
		// NOTIFY
		m.NT = hm.Get("NT")
		m.NTS = NTS(strings.ToLower(hm.Get("NTS")))
		m.Server = hm.Get("SERVER")
		m.Location = hm.Get("LOCATION")
		m.USN = hm.Get("USN")
	}

	if cc := hm.Get("CACHE-CONTROL"); cc != "" {
		if match := maxAgeRE.FindStringSubmatch(strings.ToLower(cc)); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				m.MaxAge = n
			}
		}
	}

	m.UUID = uuidFromUSN(m.USN)
	return m, nil
}

// uuidFromUSN extracts the "uuid:<id>" prefix of a USN such as
// "uuid:abc-123::upnp:rootdevice".
func uuidFromUSN(usn string) string {
	if !strings.HasPrefix(usn, "uuid:") {
		return ""
	}
	rest := usn[len("uuid:"):]
	if idx := strings.Index(rest, "::"); idx >= 0 {
		rest = rest[:idx]
	}
	return "uuid:" + rest
}

// Header exposes the underlying header bag for callers needing a field not
// promoted onto Message.
func (m *Message) Header(name string) string { return m.raw.Get(name) }

// String renders a short diagnostic summary, used in WARN-level log lines.
func (m *Message) String() string {
	kind := "NOTIFY"
	if m.IsSearch {
		kind = "M-SEARCH"
	} else if m.IsResponse {
		kind = "RESPONSE"
	}
	return fmt.Sprintf("%s uuid=%s nt=%s nts=%s from=%v", kind, m.UUID, m.NT, m.NTS, m.Source)
}

// buildRequest renders a NOTIFY/M-SEARCH message for sending, mirroring the
// plain string-template approach used by coissac-pmomusic/ssdp/server.go.
func buildRequest(method string, headers map[string]string) []byte {
	hm := &httpmsg.Message{Method: method, Header: make(http.Header)}
	for k, v := range headers {
		hm.Header.Set(k, v)
	}
	return hm.Bytes("*")
}
