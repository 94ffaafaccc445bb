package loader

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/device"
)

// parseDeviceDescription parses a UPnP root device description document
// (the LOCATION target) into a device.RawDevice tree, following the same
// "parse into plain structs" approach as the device package's arena
// builder (spec.md §9). SCPD documents are parsed separately by
// parseSCPD and merged in afterward by the pipeline, since they require a
// second HTTP round trip per service.
func parseDeviceDescription(xmlBytes []byte) (device.RawDevice, string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return device.RawDevice{}, "", cperr.Wrap(cperr.InvalidDescription, "parse device description", err)
	}

	root := doc.SelectElement("root")
	if root == nil {
		return device.RawDevice{}, "", cperr.New(cperr.InvalidDescription, "missing <root> element")
	}

	urlBase := childText(root, "URLBase")

	devEl := root.SelectElement("device")
	if devEl == nil {
		return device.RawDevice{}, "", cperr.New(cperr.InvalidDescription, "missing <device> element")
	}

	raw, err := parseDeviceElement(devEl)
	return raw, urlBase, err
}

func parseDeviceElement(devEl *etree.Element) (device.RawDevice, error) {
	raw := device.RawDevice{
		DeviceType:      childText(devEl, "deviceType"),
		FriendlyName:    childText(devEl, "friendlyName"),
		Manufacturer:    childText(devEl, "manufacturer"),
		ModelName:       childText(devEl, "modelName"),
		PresentationURL: childText(devEl, "presentationURL"),
		UDN:             childText(devEl, "UDN"),
	}

	if iconList := devEl.SelectElement("iconList"); iconList != nil {
		for _, iconEl := range iconList.SelectElements("icon") {
			width, _ := strconv.Atoi(childText(iconEl, "width"))
			height, _ := strconv.Atoi(childText(iconEl, "height"))
			depth, _ := strconv.Atoi(childText(iconEl, "depth"))
			raw.Icons = append(raw.Icons, device.Icon{
				Mime:   childText(iconEl, "mimetype"),
				Width:  width,
				Height: height,
				Depth:  depth,
				URL:    childText(iconEl, "url"),
			})
		}
	}

	if svcList := devEl.SelectElement("serviceList"); svcList != nil {
		for _, svcEl := range svcList.SelectElements("service") {
			raw.Services = append(raw.Services, device.RawService{
				ServiceType: childText(svcEl, "serviceType"),
				ServiceID:   childText(svcEl, "serviceId"),
				SCPDURL:     childText(svcEl, "SCPDURL"),
				ControlURL:  childText(svcEl, "controlURL"),
				EventSubURL: childText(svcEl, "eventSubURL"),
			})
		}
	}

	if devList := devEl.SelectElement("deviceList"); devList != nil {
		for _, childEl := range devList.SelectElements("device") {
			childRaw, err := parseDeviceElement(childEl)
			if err != nil {
				return device.RawDevice{}, err
			}
			raw.Embedded = append(raw.Embedded, childRaw)
		}
	}

	if raw.UDN == "" {
		return device.RawDevice{}, cperr.New(cperr.InvalidDescription, "missing <UDN> element")
	}

	return raw, nil
}

// parseSCPD parses a Service Control Protocol Description document into
// the Actions and StateVariables of an existing device.RawService.
func parseSCPD(xmlBytes []byte, svc *device.RawService) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return cperr.Wrap(cperr.InvalidDescription, "parse SCPD", err)
	}

	root := doc.SelectElement("scpd")
	if root == nil {
		return cperr.New(cperr.InvalidDescription, "missing <scpd> element")
	}

	if svTable := root.SelectElement("serviceStateTable"); svTable != nil {
		for _, svEl := range svTable.SelectElements("stateVariable") {
			sendEvents := strings.EqualFold(svEl.SelectAttrValue("sendEvents", "no"), "yes")

			rv := device.RawStateVariable{
				Name:       childText(svEl, "name"),
				DataType:   childText(svEl, "dataType"),
				Default:    childText(svEl, "defaultValue"),
				SendEvents: sendEvents,
			}

			if allowed := svEl.SelectElement("allowedValueList"); allowed != nil {
				for _, v := range allowed.SelectElements("allowedValue") {
					rv.AllowedValues = append(rv.AllowedValues, strings.TrimSpace(v.Text()))
				}
			}

			if rng := svEl.SelectElement("allowedValueRange"); rng != nil {
				rv.Minimum = childText(rng, "minimum")
				rv.Maximum = childText(rng, "maximum")
				rv.Step = childText(rng, "step")
			}

			svc.StateVariables = append(svc.StateVariables, rv)
		}
	}

	if actionList := root.SelectElement("actionList"); actionList != nil {
		for _, acEl := range actionList.SelectElements("action") {
			ra := device.RawAction{Name: childText(acEl, "name")}

			if argList := acEl.SelectElement("argumentList"); argList != nil {
				for _, argEl := range argList.SelectElements("argument") {
					ra.Arguments = append(ra.Arguments, device.RawArgument{
						Name:                 childText(argEl, "name"),
						Direction:            childText(argEl, "direction"),
						RelatedStateVariable: childText(argEl, "relatedStateVariable"),
					})
				}
			}

			svc.Actions = append(svc.Actions, ra)
		}
	}

	return nil
}

func childText(el *etree.Element, tag string) string {
	child := el.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}
