package gena

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/ebouchut/upnpcp/httpmsg"
)

// NotifyEventListener receives the secondary multicast event variant
// (spec.md §4.6 "Multicast event variant" / §6 collaborator contract).
type NotifyEventListener interface {
	OnEvent(uuid, svcID string, lvl, seq int, properties map[string]string)
}

// MulticastAddr and MulticastPort are the group the secondary multicast
// event variant is published on, distinct from the SSDP discovery group.
const (
	MulticastAddr = "239.255.255.246"
	MulticastPort = 7900
)

// MulticastReceiver joins MulticastAddr:MulticastPort on one interface and
// dispatches NOTIFY * HTTP/1.1 packets tagged LVL/SEQ/SVCID/USN to a
// NotifyEventListener. Its join/loop/stop shape mirrors ssdp.NotifyReceiver.
type MulticastReceiver struct {
	Iface    *net.Interface
	Listener NotifyEventListener

	mu     sync.Mutex
	conn   net.PacketConn
	doneCh chan struct{}
}

// Start joins the multicast group and begins receiving in a background
// goroutine.
func (m *MulticastReceiver) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: MulticastPort}

	conn, err := net.ListenPacket("udp4", ":"+strconv.Itoa(MulticastPort))
	if err != nil {
		return err
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(m.Iface, addr); err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
	return nil
}

func (m *MulticastReceiver) loop() {
	defer close(m.doneCh)
	buf := make([]byte, 8192)
	for {
		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := httpmsg.Parse(buf[:n])
		if err != nil || msg.Method != "NOTIFY" {
			continue
		}
		m.dispatch(msg)
	}
}

func (m *MulticastReceiver) dispatch(msg *httpmsg.Message) {
	usn := msg.Get("USN")
	svcID := msg.Get("SVCID")
	lvl, _ := strconv.Atoi(msg.Get("LVL"))
	seq, _ := strconv.Atoi(msg.Get("SEQ"))
	uuid := uuidFromUSN(usn)

	props, err := parsePropertySet(msg.Body)
	if err != nil {
		log.Warnf("gena: malformed multicast event body from %s: %v", usn, err)
		return
	}
	if m.Listener != nil {
		m.Listener.OnEvent(uuid, svcID, lvl, seq, props)
	}
}

// uuidFromUSN extracts the "uuid:<id>" prefix of a USN header, mirroring
// ssdp.uuidFromUSN.
func uuidFromUSN(usn string) string {
	const prefix = "uuid:"
	if !strings.HasPrefix(usn, prefix) {
		return ""
	}
	rest := usn[len(prefix):]
	if idx := strings.Index(rest, "::"); idx >= 0 {
		rest = rest[:idx]
	}
	return prefix + rest
}

// Stop closes the multicast socket and waits for the receive loop to exit.
func (m *MulticastReceiver) Stop() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if m.doneCh != nil {
		<-m.doneCh
	}
}
