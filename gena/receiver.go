// Package gena implements the event receiver of spec.md §4.6: a TCP server
// that accepts GENA NOTIFY callbacks from subscribed services and an
// auxiliary multicast listener for the secondary multicast event variant.
package gena

import (
	"encoding/xml"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ebouchut/upnpcp/device"
)

// ServiceLookup resolves a GENA subscription ID to the Service it belongs
// to; satisfied by *subscribe.Manager.
type ServiceLookup interface {
	BySID(sid string) (*device.Service, bool)
}

// EventListener receives accepted property changes (spec.md §6
// EventListener collaborator contract).
type EventListener interface {
	OnNotifyEvent(svc *device.Service, seq int, variable, value string)
}

// Receiver is the TCP GENA event receiver of spec.md §4.6. One Receiver is
// bound per ControlPoint; its listen port is what the subscribe.Manager
// advertises in every CALLBACK header.
type Receiver struct {
	Lookup   ServiceLookup
	Listener EventListener

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	addr     string
}

// Start binds an ephemeral TCP port (or the given addr, typically ":0") and
// begins serving NOTIFY requests in a background goroutine.
func (r *Receiver) Start(addr string) error {
	if addr == "" {
		addr = ":0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", r.handleNotify)

	r.mu.Lock()
	r.listener = ln
	r.addr = ln.Addr().String()
	r.server = &http.Server{Handler: mux}
	r.mu.Unlock()

	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warnf("gena: event receiver serve error: %v", err)
		}
	}()
	return nil
}

// Port returns the bound TCP port, valid after Start returns successfully.
func (r *Receiver) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(r.addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// Stop closes the listener, releasing the event port (spec.md §5
// "terminate... releases the event port").
func (r *Receiver) Stop() error {
	r.mu.Lock()
	srv := r.server
	r.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// handleNotify implements spec.md §4.6's algorithm: validate required
// headers, resolve SID, parse the property set, verify each variable is
// sendEvents-eligible on its Service, reply 200 before dispatch, then
// dispatch every accepted pair to the EventListener.
func (r *Receiver) handleNotify(w http.ResponseWriter, req *http.Request) {
	if req.Method != "NOTIFY" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sid := req.Header.Get("SID")
	seqStr := req.Header.Get("SEQ")
	nts := req.Header.Get("NTS")
	if sid == "" || seqStr == "" || nts == "" {
		http.Error(w, "missing required header", http.StatusBadRequest)
		return
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		http.Error(w, "malformed SEQ", http.StatusBadRequest)
		return
	}

	svc, ok := r.Lookup.BySID(sid)
	if !ok {
		http.Error(w, "unknown SID", http.StatusPreconditionFailed)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	props, err := parsePropertySet(body)
	if err != nil {
		http.Error(w, "malformed propertyset", http.StatusBadRequest)
		return
	}

	// Reply before dispatch so a slow user callback can never stall the
	// publisher (spec.md §4.6).
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for name, value := range props {
		sv, ok := svc.StateVariableByName(name)
		if !ok || !sv.SendEvents {
			continue
		}
		if r.Listener != nil {
			r.Listener.OnNotifyEvent(svc, seq, name, value)
		}
	}
}

// parsePropertySet decodes an <e:propertyset> body into a name→value map,
// each <e:property> wrapping exactly one variable element whose tag name
// is the variable and whose text is the value.
func parsePropertySet(body []byte) (map[string]string, error) {
	var raw struct {
		XMLName    xml.Name `xml:"propertyset"`
		Properties []struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"property"`
	}
	if err := xml.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(raw.Properties))
	for _, p := range raw.Properties {
		var kv struct {
			XMLName xml.Name
			Value   string `xml:",chardata"`
		}
		if err := xml.Unmarshal(p.Inner, &kv); err != nil {
			continue
		}
		out[kv.XMLName.Local] = kv.Value
	}
	return out, nil
}
