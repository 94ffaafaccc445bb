// Package httpmsg parses and serializes the HTTP-shaped datagrams used by
// SSDP (NOTIFY/M-SEARCH over UDP) and GENA (SUBSCRIBE/NOTIFY over TCP):
// a start line, CRLF-terminated headers, an optional empty-line-terminated
// body. net/http's own request/response parsers are reused directly, the
// same approach the reference SSDP implementation in this corpus takes
// (gcastel-gossdp/ssdp.go parses NOTIFY/M-SEARCH via http.ReadRequest and
// 200 OK responses via http.ReadResponse).
package httpmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// Message is a typed view over an HTTP-style start line plus header set,
// shared by SSDP and GENA messages before either is specialized further.
type Message struct {
	// Method is non-empty for request-form messages (NOTIFY, M-SEARCH,
	// SUBSCRIBE, UNSUBSCRIBE).
	Method string
	// StatusCode is non-zero for response-form messages (HTTP/1.1 200 OK).
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}

// IsResponse reports whether the message is a status-line response rather
// than a request-line message.
func (m *Message) IsResponse() bool { return m.Method == "" }

// Parse decodes raw into a Message. raw is either a request-form message
// ("NOTIFY * HTTP/1.1\r\n...") or a response-form message
// ("HTTP/1.1 200 OK\r\n...").
func Parse(raw []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	if bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), []byte("HTTP/")) {
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			return nil, fmt.Errorf("httpmsg: parse response: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return &Message{
			StatusCode: resp.StatusCode,
			Reason:     strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
			Header:     resp.Header,
			Body:       body,
		}, nil
	}

	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, fmt.Errorf("httpmsg: parse request: %w", err)
	}
	defer req.Body.Close()
	body, _ := io.ReadAll(req.Body)
	// http.ReadRequest moves the Host header into req.Host; put it back so
	// the header bag is complete.
	if req.Host != "" {
		req.Header.Set("Host", req.Host)
	}
	return &Message{
		Method: req.Method,
		Header: req.Header,
		Body:   body,
	}, nil
}

// Bytes serializes the message back to wire form. Header order is not
// preserved (net/http.Header is unordered); this is acceptable because the
// round-trip property this codec must satisfy (spec.md §8) only requires an
// equal header bag, not an equal byte order.
func (m *Message) Bytes(requestTarget string) []byte {
	var buf bytes.Buffer
	if m.IsResponse() {
		reason := m.Reason
		if reason == "" {
			reason = http.StatusText(m.StatusCode)
		}
		fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", m.StatusCode, reason)
	} else {
		fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", m.Method, requestTarget)
	}

	keys := make([]string, 0, len(m.Header))
	for k := range m.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range m.Header[k] {
			fmt.Fprintf(&buf, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(k), v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(m.Body)
	return buf.Bytes()
}

// Get returns the first value of the named header, case-insensitively.
func (m *Message) Get(name string) string { return m.Header.Get(name) }
