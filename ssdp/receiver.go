package ssdp

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// socketState is the lifecycle of a receiver's underlying socket, per
// spec.md §4.1: not-started, starting, ready, stopping, stopped.
type socketState int

const (
	stateNotStarted socketState = iota
	stateStarting
	stateReady
	stateStopping
	stateStopped
)

// readyWait is the cap on how long a sender waits for a socket to become
// ready before giving up, per spec.md §4.1.
const readyWait = 3 * time.Second

// NotifyReceiver receives multicast SSDP NOTIFY datagrams on one network
// interface. One NotifyReceiver is bound per interface to preserve source
// address fidelity, per spec.md §4.1. The receive-loop/close-to-unblock
// shape is grounded in gcastel-gossdp/ssdp.go's socketReader, adapted to a
// per-interface multicast join via golang.org/x/net/ipv4 (the maintained
// successor of the code.google.com/p/go.net/ipv4 package that file used).
type NotifyReceiver struct {
	Iface        *net.Interface
	IfaceNet     *net.IPNet // IPv4 prefix for segment checking; nil if unknown
	IPv6         bool
	SegmentCheck bool
	OnMessage    func(*Message)

	mu      sync.Mutex
	state   socketState
	readyCh chan struct{}
	doneCh  chan struct{}
	conn    net.PacketConn
}

// Start joins the multicast group on Iface and begins receiving. It returns
// once the socket is ready, or after readyWait elapses. Start is idempotent:
// calling it again while already starting/ready is a no-op.
func (r *NotifyReceiver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != stateNotStarted && r.state != stateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = stateStarting
	r.readyCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	network, addr := "udp4", &net.UDPAddr{IP: net.ParseIP(MulticastAddrV4), Port: Port}
	if r.IPv6 {
		network, addr = "udp6", &net.UDPAddr{IP: net.ParseIP(MulticastAddrV6LinkLocal), Port: Port}
	}

	conn, err := net.ListenPacket(network, formatListenAddr(network))
	if err != nil {
		r.mu.Lock()
		r.state = stateStopped
		r.mu.Unlock()
		return err
	}

	if r.IPv6 {
		p := ipv6.NewPacketConn(conn)
		if err := p.JoinGroup(r.Iface, addr); err != nil {
			conn.Close()
			r.mu.Lock()
			r.state = stateStopped
			r.mu.Unlock()
			return err
		}
	} else {
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(r.Iface, addr); err != nil {
			conn.Close()
			r.mu.Lock()
			r.state = stateStopped
			r.mu.Unlock()
			return err
		}
	}

	r.mu.Lock()
	r.conn = conn
	r.state = stateReady
	close(r.readyCh)
	r.mu.Unlock()

	go r.loop()

	select {
	case <-r.readyCh:
	case <-time.After(readyWait):
	}
	return nil
}

func formatListenAddr(network string) string {
	if network == "udp6" {
		return "[::]:1900"
	}
	return ":1900"
}

func (r *NotifyReceiver) loop() {
	defer close(r.doneCh)
	buf := make([]byte, 8192)
	for {
		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			r.mu.Lock()
			stopping := r.state == stateStopping
			r.mu.Unlock()
			if stopping {
				return
			}
			log.Warnf("ssdp: notify receiver read error on %s: %v", r.ifaceName(), err)
			return
		}
		udpAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		msg, err := Parse(buf[:n], udpAddr)
		if err != nil {
			log.Warnf("ssdp: malformed datagram from %v: %v", udpAddr, err)
			continue
		}

		if err := r.validate(msg, udpAddr); err != nil {
			log.Debugf("ssdp: dropping %s: %v", msg, err)
			continue
		}

		if r.OnMessage != nil {
			r.OnMessage(msg)
		}
	}
}

// validate applies the per-packet algorithm of spec.md §4.1 steps 2-4 (the
// IP-version check of step 1 is implicit: the socket family dictates which
// datagrams ever reach this code).
func (r *NotifyReceiver) validate(msg *Message, src *net.UDPAddr) error {
	if r.SegmentCheck && r.IfaceNet != nil && !r.IPv6 {
		if !InSegment(r.IfaceNet, src.IP) {
			return errSegmentMismatch
		}
	}
	if msg.IsSearch {
		// self-echo: a notify receiver never forwards M-SEARCH requests.
		return errSelfEcho
	}
	if msg.NTS != ByeBye && msg.Location != "" {
		u, err := url.Parse(msg.Location)
		if err != nil {
			return errBadLocation
		}
		host := u.Hostname()
		if host != "" && host != src.IP.String() {
			return errLocationMismatch
		}
	}
	return nil
}

func (r *NotifyReceiver) ifaceName() string {
	if r.Iface == nil {
		return "<all>"
	}
	return r.Iface.Name
}

// Stop closes the socket, which unblocks any in-progress receive, and waits
// for the receive loop to exit. Stop is idempotent.
func (r *NotifyReceiver) Stop() {
	r.mu.Lock()
	if r.state != stateReady && r.state != stateStarting {
		r.mu.Unlock()
		return
	}
	r.state = stateStopping
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-r.doneCh

	r.mu.Lock()
	r.state = stateStopped
	r.mu.Unlock()
}

// Ready reports whether the socket has joined its multicast group.
func (r *NotifyReceiver) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateReady
}
