// Package soap builds and parses the SOAP envelopes UPnP action invocation
// uses, grounded in the device-side soap/buildsoap.go and soap/parseSoap.go
// of the teacher repository and reworked for the control-point (client)
// direction: building action requests instead of responses, and parsing
// action responses/faults instead of requests.
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Envelope is the outer SOAP envelope; Body.Content is kept as raw inner
// XML so the action element (whose name varies per call) can be decoded
// separately.
type Envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Header  *Header  `xml:"Header"`
	Body    Body     `xml:"Body"`
}

type Header struct {
	Content []byte `xml:",innerxml"`
}

type Body struct {
	Content []byte `xml:",innerxml"`
}

// ActionResponse is a successful SOAP action reply: the out-arguments by
// name, as UPnP defines all action values as strings on the wire.
type ActionResponse struct {
	Name   string
	Values map[string]string
	RawXML []byte
}

// Fault is a SOAP-level failure reported by a UPnP device.
type Fault struct {
	Code        string
	Description string
	Detail      string
	RawXML      []byte
}

// ParseSOAPEnvelope unmarshals the outer envelope, deferring Body decoding.
func ParseSOAPEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal SOAP envelope: %w", err)
	}
	return &env, nil
}

// ParseUPnPResponse decodes a control-invocation response body: either an
// ActionResponse (out-arguments) or a Fault, never both.
func ParseUPnPResponse(env *Envelope) (*ActionResponse, *Fault, error) {
	dec := xml.NewDecoder(bytes.NewReader(env.Body.Content))
	var respName string
	values := make(map[string]string)

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, fmt.Errorf("SOAP parse error: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if start.Name.Local == "Fault" {
			var f struct {
				Code   string `xml:"faultcode"`
				Desc   string `xml:"faultstring"`
				Detail string `xml:"detail"`
			}
			if err := dec.DecodeElement(&f, &start); err != nil {
				return nil, nil, fmt.Errorf("decode Fault: %w", err)
			}
			return nil, &Fault{
				Code:        f.Code,
				Description: f.Desc,
				Detail:      f.Detail,
				RawXML:      env.Body.Content,
			}, nil
		}

		if respName == "" {
			respName = start.Name.Local
			continue
		}

		var value string
		if err := dec.DecodeElement(&value, &start); err != nil {
			return nil, nil, fmt.Errorf("decode response param %s: %w", start.Name.Local, err)
		}
		values[start.Name.Local] = value
	}

	if respName == "" {
		return nil, nil, fmt.Errorf("no response or fault in SOAP body")
	}
	return &ActionResponse{Name: respName, Values: values, RawXML: env.Body.Content}, nil, nil
}
