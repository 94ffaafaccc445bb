package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
)

// BuildUPnPRequest builds a SOAP envelope invoking action on serviceType
// with the given in-arguments, the request-direction counterpart of the
// response builder this package started from (device.Action.Invoke is the
// ControlPoint-side caller). Argument order is sorted for determinism since
// Go map iteration is not ordered; UPnP control points do not depend on
// argument order within the envelope.
func BuildUPnPRequest(serviceType, action string, args map[string]string) ([]byte, error) {
	env := &Envelope{
		XMLName: xml.Name{Local: "s:Envelope"},
		Body: Body{
			Content: buildActionRequest(serviceType, action, args),
		},
	}
	return marshalSOAP(env)
}

func buildActionRequest(serviceType, action string, args map[string]string) []byte {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<u:%s xmlns:u="%s">`, action, serviceType)
	for _, k := range keys {
		fmt.Fprintf(&buf, "<%s>%s</%s>", k, xmlEscape(args[k]), k)
	}
	fmt.Fprintf(&buf, `</u:%s>`, action)
	return buf.Bytes()
}

// marshalSOAP wraps env.Body.Content (already-serialized inner XML) in the
// fixed SOAP 1.1 envelope/body shell. The shell never varies between
// requests, so it is written directly rather than round-tripped through
// encoding/xml's encoder.
func marshalSOAP(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` + "\n")
	fmt.Fprintf(&buf, "  <s:Body>%s</s:Body>\n", env.Body.Content)
	buf.WriteString("</s:Envelope>")
	return buf.Bytes(), nil
}

// xmlEscape escapes characters that would otherwise corrupt the envelope.
func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
