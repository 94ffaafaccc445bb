package device

import (
	"fmt"
	"net"
	"time"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/ssdp"
)

// The Raw* types are the plain, cycle-free structs the loader's XML parser
// fills in. Builder.Resolve links them into the Device/Service/Action graph
// in a single pass (spec.md §9): no partially-constructed object ever
// escapes this package.

type RawStateVariable struct {
	Name          string
	DataType      string
	AllowedValues []string
	Minimum       string
	Maximum       string
	Step          string
	Default       string
	SendEvents    bool
}

type RawArgument struct {
	Name                 string
	Direction            string
	RelatedStateVariable string
}

type RawAction struct {
	Name      string
	Arguments []RawArgument
}

type RawService struct {
	ServiceType    string
	ServiceID      string
	SCPDURL        string
	ControlURL     string
	EventSubURL    string
	Description    string
	Actions        []RawAction
	StateVariables []RawStateVariable
}

type RawDevice struct {
	UDN             string
	DeviceType      string
	FriendlyName    string
	Manufacturer    string
	ModelName       string
	PresentationURL string
	Icons           []Icon
	Services        []RawService
	Embedded        []RawDevice
}

// Builder accumulates a RawDevice tree while the loader downloads and
// parses descriptions, then produces the final Device graph with Resolve.
type Builder struct {
	UDN     string
	Raw     RawDevice
	ssdpMsg *ssdp.Message
}

// NewBuilder starts a builder for the device announced by msg.
func NewBuilder(msg *ssdp.Message) *Builder {
	return &Builder{UDN: msg.UUID, ssdpMsg: msg}
}

// NewBuilderForTest constructs a Builder around raw with a synthetic alive
// announcement, for other packages' tests that need a fully resolved Device
// without driving the loader's download/parse pipeline.
func NewBuilderForTest(raw RawDevice) *Builder {
	usn := raw.UDN + "::upnp:rootdevice"
	payload := []byte("NOTIFY * HTTP/1.1\r\nNT: upnp:rootdevice\r\nNTS: ssdp:alive\r\n" +
		"USN: " + usn + "\r\nCACHE-CONTROL: max-age=1800\r\n\r\n")
	msg, err := ssdp.Parse(payload, &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		// payload above is a constant well-formed message; only a change to
		// this helper itself could make Parse fail.
		panic(err)
	}
	msg.ReceivedAt = time.Now()
	return &Builder{UDN: raw.UDN, Raw: raw, ssdpMsg: msg}
}

// Touch updates the SSDP message backing an in-flight builder, used when a
// later announcement for the same UUID arrives mid-load (spec.md §4.3
// "In-flight lookup").
func (b *Builder) Touch(msg *ssdp.Message) { b.ssdpMsg = msg }

// Resolve links the accumulated RawDevice tree (and every embedded device)
// into Device objects, resolving each Argument's RelatedStateVariable index
// against its owning Service's StateVariables. Resolution fails with
// cperr.InvalidDescription if a relatedStateVariable name (after the
// single whitespace-trim retry of spec.md §4.3) cannot be found.
func (b *Builder) Resolve(baseURL, sourceIP string) (*Device, error) {
	return resolveDevice(b.Raw, b.ssdpMsg, baseURL, sourceIP)
}

func resolveDevice(raw RawDevice, msg *ssdp.Message, baseURL, sourceIP string) (*Device, error) {
	dev := &Device{
		UDN:             raw.UDN,
		DeviceType:      raw.DeviceType,
		FriendlyName:    raw.FriendlyName,
		Manufacturer:    raw.Manufacturer,
		ModelName:       raw.ModelName,
		PresentationURL: raw.PresentationURL,
		BaseURL:         baseURL,
		SourceIP:        sourceIP,
		Icons:           raw.Icons,
	}
	dev.Touch(msg)

	seenIDs := make(map[string]bool, len(raw.Services))
	for _, rs := range raw.Services {
		if seenIDs[rs.ServiceID] {
			return nil, cperr.New(cperr.InvalidDescription,
				fmt.Sprintf("duplicate serviceId %q in device %q", rs.ServiceID, raw.UDN))
		}
		seenIDs[rs.ServiceID] = true

		svc, err := resolveService(rs)
		if err != nil {
			return nil, err
		}
		svc.device = dev
		dev.Services = append(dev.Services, svc)
	}

	for _, re := range raw.Embedded {
		child, err := resolveDevice(re, msg, baseURL, sourceIP)
		if err != nil {
			return nil, err
		}
		dev.Embedded = append(dev.Embedded, child)
	}

	return dev, nil
}

func resolveService(rs RawService) (*Service, error) {
	svc := &Service{
		ServiceType: rs.ServiceType,
		ServiceID:   rs.ServiceID,
		SCPDURL:     rs.SCPDURL,
		ControlURL:  rs.ControlURL,
		EventSubURL: rs.EventSubURL,
		Description: rs.Description,
	}

	for _, rv := range rs.StateVariables {
		svc.StateVariables = append(svc.StateVariables, StateVariable{
			Name:          rv.Name,
			DataType:      rv.DataType,
			AllowedValues: rv.AllowedValues,
			Minimum:       rv.Minimum,
			Maximum:       rv.Maximum,
			Step:          rv.Step,
			Default:       rv.Default,
			SendEvents:    rv.SendEvents,
		})
	}

	for _, ra := range rs.Actions {
		action := Action{Name: ra.Name}
		for _, rarg := range ra.Arguments {
			idx, err := resolveRelatedStateVariable(svc, rarg.RelatedStateVariable)
			if err != nil {
				return nil, cperr.Wrap(cperr.InvalidDescription,
					fmt.Sprintf("action %s argument %s", ra.Name, rarg.Name), err)
			}
			action.Arguments = append(action.Arguments, Argument{
				Name:                  rarg.Name,
				Direction:             rarg.Direction,
				RelatedStateVariable:  idx,
				relatedStateVariable_: rarg.RelatedStateVariable,
			})
		}
		svc.Actions = append(svc.Actions, action)
	}

	return svc, nil
}

// resolveRelatedStateVariable implements spec.md §4.3's "Argument
// resolution policy": try the name as-is, then trimmed once, else fail.
func resolveRelatedStateVariable(svc *Service, name string) (int, error) {
	if idx := indexOfStateVariable(svc, name); idx >= 0 {
		return idx, nil
	}
	trimmed := trimRelatedName(name)
	if trimmed != name {
		if idx := indexOfStateVariable(svc, trimmed); idx >= 0 {
			return idx, nil
		}
	}
	return -1, fmt.Errorf("relatedStateVariable %q not found", name)
}

func indexOfStateVariable(svc *Service, name string) int {
	for i, v := range svc.StateVariables {
		if v.Name == name {
			return i
		}
	}
	return -1
}
