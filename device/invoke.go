package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/soap"
)

// ActionFault is returned by Invoke when the device replies with a SOAP
// Fault rather than an action response. It is a normal, expected control
// outcome (the device rejected the arguments, or the action itself failed),
// not a cperr.Error: callers that care to distinguish "the network/protocol
// broke" from "the device said no" can type-assert for it.
type ActionFault struct {
	Code        string
	Description string
}

func (f *ActionFault) Error() string {
	return fmt.Sprintf("upnp action fault %s: %s", f.Code, f.Description)
}

// Invoke calls action (by name) on the Service owning this Action, POSTing
// a SOAP envelope to the Service's ControlURL exactly as described in
// spec.md §3.1: the SOAPACTION header carries "<serviceType>#<actionName>".
// The ActionFault/cperr distinction is documented on ActionFault.
func (a *Action) Invoke(ctx context.Context, client *http.Client, svc *Service, args map[string]string) (map[string]string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := soap.BuildUPnPRequest(svc.ServiceType, a.Name, args)
	if err != nil {
		return nil, cperr.Wrap(cperr.Protocol, "build SOAP request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.ControlURL, bytes.NewReader(body))
	if err != nil {
		return nil, cperr.Wrap(cperr.Network, "build control request", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, svc.ServiceType, a.Name))

	resp, err := client.Do(req)
	if err != nil {
		return nil, cperr.Wrap(cperr.Network, "POST control request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cperr.Wrap(cperr.Network, "read control response", err)
	}

	env, err := soap.ParseSOAPEnvelope(respBody)
	if err != nil {
		return nil, cperr.Wrap(cperr.Protocol, "parse SOAP envelope", err)
	}

	actionResp, fault, err := soap.ParseUPnPResponse(env)
	if err != nil {
		return nil, cperr.Wrap(cperr.Protocol, "parse SOAP body", err)
	}
	if fault != nil {
		return nil, &ActionFault{Code: fault.Code, Description: fault.Description}
	}
	return actionResp.Values, nil
}
