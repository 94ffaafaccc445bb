package ssdp

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ebouchut/upnpcp/cperr"
)

// SearchServer sends M-SEARCH requests on one interface and receives the
// unicast 200 OK responses on the same ephemeral socket, per spec.md §4.2.
// Responses are handed to OnMessage exactly like NOTIFY alive/byebye so the
// caller can treat both uniformly (spec.md §2: "alive either updates an
// existing device, updates an in-flight loader, or starts a new loader").
type SearchServer struct {
	Iface     *net.Interface
	IPv6      bool
	OnMessage func(*Message)

	mu      sync.Mutex
	state   socketState
	readyCh chan struct{}
	doneCh  chan struct{}
	conn    *net.UDPConn
}

// Start opens the unicast search socket and begins listening for responses.
func (s *SearchServer) Start() error {
	s.mu.Lock()
	if s.state != stateNotStarted && s.state != stateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStarting
	s.readyCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	network := "udp4"
	if s.IPv6 {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{Port: 0})
	if err != nil {
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		return cperr.Wrap(cperr.Network, "bind search socket", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = stateReady
	close(s.readyCh)
	s.mu.Unlock()

	go s.loop()

	select {
	case <-s.readyCh:
	case <-time.After(readyWait):
	}
	return nil
}

func (s *SearchServer) loop() {
	defer close(s.doneCh)
	buf := make([]byte, 8192)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			stopping := s.state == stateStopping
			s.mu.Unlock()
			if stopping {
				return
			}
			log.Warnf("ssdp: search socket read error: %v", err)
			return
		}
		msg, err := Parse(buf[:n], addr)
		if err != nil {
			log.Warnf("ssdp: malformed search response from %v: %v", addr, err)
			continue
		}
		if msg.IsSearch {
			// A stray M-SEARCH arriving on our unicast socket; ignore.
			continue
		}
		if msg.Location != "" {
			if u, err := url.Parse(msg.Location); err == nil && u.Hostname() != "" && u.Hostname() != addr.IP.String() {
				log.Debugf("ssdp: dropping search response with mismatched LOCATION host from %v", addr)
				continue
			}
		}
		if s.OnMessage != nil {
			s.OnMessage(msg)
		}
	}
}

// Search sends one M-SEARCH for searchTarget (default "ssdp:all" when
// empty) with MX=1. It fails with cperr.InvalidState if the socket is not
// ready (i.e. Start has not been called).
func (s *SearchServer) Search(searchTarget string) error {
	s.mu.Lock()
	ready := s.state == stateReady
	conn := s.conn
	s.mu.Unlock()
	if !ready {
		return cperr.New(cperr.InvalidState, "search invoked before start")
	}

	if searchTarget == "" {
		searchTarget = "ssdp:all"
	}

	group := MulticastAddrV4
	if s.IPv6 {
		group = MulticastAddrV6LinkLocal
	}

	msg := buildRequest("M-SEARCH", map[string]string{
		"HOST": fmt.Sprintf("%s:%d", group, Port),
		"MAN":  `"ssdp:discover"`,
		"MX":   "1",
		"ST":   searchTarget,
	})

	dst := &net.UDPAddr{IP: net.ParseIP(group), Port: Port}
	if _, err := conn.WriteToUDP(msg, dst); err != nil {
		return cperr.Wrap(cperr.Network, "send m-search", err)
	}
	return nil
}

// Stop closes the search socket and waits for the receive loop to exit.
func (s *SearchServer) Stop() {
	s.mu.Lock()
	if s.state != stateReady && s.state != stateStarting {
		s.mu.Unlock()
		return
	}
	s.state = stateStopping
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-s.doneCh

	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
}
