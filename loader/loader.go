// Package loader implements the device loader pipeline of spec.md §4.3:
// concurrent ingestion of SSDP messages, de-duplication of in-flight loads,
// asynchronous description fetching, and construction of the Device graph.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/device"
	"github.com/ebouchut/upnpcp/ssdp"
)

// HTTPClient is the collaborator contract of spec.md §6: synchronous
// download, IO errors surfaced as cperr.Network. The default implementation
// wraps net/http directly (the raw HTTP client is an opaque collaborator
// per spec.md §1 scope).
type HTTPClient interface {
	DownloadString(ctx context.Context, rawURL string) (string, error)
	DownloadBinary(ctx context.Context, rawURL string) ([]byte, error)
}

// defaultHTTPClient is the net/http-backed HTTPClient used when the caller
// supplies none.
type defaultHTTPClient struct{ client *http.Client }

// NewDefaultHTTPClient wraps an *http.Client (http.DefaultClient if nil) as
// an HTTPClient.
func NewDefaultHTTPClient(c *http.Client) HTTPClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &defaultHTTPClient{client: c}
}

func (d *defaultHTTPClient) DownloadString(ctx context.Context, rawURL string) (string, error) {
	b, err := d.download(ctx, rawURL)
	return string(b), err
}

func (d *defaultHTTPClient) DownloadBinary(ctx context.Context, rawURL string) ([]byte, error) {
	return d.download(ctx, rawURL)
}

func (d *defaultHTTPClient) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, cperr.Wrap(cperr.Network, "build request", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, cperr.Wrap(cperr.Network, "download "+rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, cperr.New(cperr.Network, fmt.Sprintf("download %s: status %d", rawURL, resp.StatusCode))
	}
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				return nil, cperr.Wrap(cperr.Network, "read "+rawURL, err)
			}
			break
		}
	}
	return buf, nil
}

// IconFilter selects, from the icons declared in a device description,
// which ones to download the binary for. The default is to download none
// (spec.md §6).
type IconFilter func(icons []device.Icon) []device.Icon

// DefaultIconFilter downloads nothing.
func DefaultIconFilter(icons []device.Icon) []device.Icon { return nil }

// SSDPFilter is applied before device-loader admission. The default accepts
// every message (spec.md §6).
type SSDPFilter func(msg *ssdp.Message) bool

// DefaultSSDPFilter accepts all messages.
func DefaultSSDPFilter(msg *ssdp.Message) bool { return true }

// Registry is the subset of registry.Holder the loader needs: look up
// an existing device (to coalesce a re-announcement) and add a newly loaded
// one.
type Registry interface {
	Get(udn string) (*device.Device, bool)
	Add(d *device.Device)
}

// Pipeline runs the loader pipeline described in spec.md §4.3. At most one
// load is in flight per UUID (invariant v); a re-announcement arriving
// mid-load only refreshes the in-flight builder's SSDP message.
type Pipeline struct {
	Client     HTTPClient
	IconFilter IconFilter
	SSDPFilter SSDPFilter
	Registry   Registry
	// Concurrency bounds the number of simultaneous description
	// downloads (the "io" task pool of spec.md §5).
	Concurrency int
	// OnLoaded is invoked (on the load goroutine that Handle started, not
	// the callback executor — the controlpoint facade is responsible for
	// queueing onto the single-threaded dispatcher) once a device is fully
	// built and added to Registry.
	OnLoaded func(*device.Device)

	mu       sync.Mutex
	inFlight map[string]*device.Builder
	sem      chan struct{}
	once     sync.Once
}

func (p *Pipeline) init() {
	p.once.Do(func() {
		p.inFlight = make(map[string]*device.Builder)
		n := p.Concurrency
		if n <= 0 {
			n = 8
		}
		p.sem = make(chan struct{}, n)
		if p.Client == nil {
			p.Client = NewDefaultHTTPClient(nil)
		}
		if p.IconFilter == nil {
			p.IconFilter = DefaultIconFilter
		}
		if p.SSDPFilter == nil {
			p.SSDPFilter = DefaultSSDPFilter
		}
	})
}

// Handle admits one SSDP alive/update/response message into the pipeline,
// per spec.md §4.3 steps 1-3.
func (p *Pipeline) Handle(msg *ssdp.Message) {
	p.init()

	if !p.SSDPFilter(msg) {
		return
	}
	if msg.UUID == "" {
		log.Warnf("loader: SSDP message without a uuid USN, dropping: %s", msg)
		return
	}

	if existing, ok := p.Registry.Get(msg.UUID); ok {
		existing.Touch(msg)
		return
	}

	p.mu.Lock()
	if b, ok := p.inFlight[msg.UUID]; ok {
		b.Touch(msg)
		p.mu.Unlock()
		return
	}
	builder := device.NewBuilder(msg)
	p.inFlight[msg.UUID] = builder
	p.mu.Unlock()

	go p.load(builder, msg)
}

// CancelLoad removes an in-flight builder for uuid without publishing it,
// used when a byebye arrives mid-load (spec.md §8 scenario S2).
func (p *Pipeline) CancelLoad(uuid string) {
	p.mu.Lock()
	delete(p.inFlight, uuid)
	p.mu.Unlock()
}

func (p *Pipeline) load(b *device.Builder, msg *ssdp.Message) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	ctx := context.Background()

	xmlBody, err := p.Client.DownloadString(ctx, msg.Location)
	if err != nil {
		log.Warnf("loader: download %s: %v", msg.Location, err)
		p.abandon(msg.UUID)
		return
	}

	raw, urlBase, err := parseDeviceDescription([]byte(xmlBody))
	if err != nil {
		log.Warnf("loader: parse %s: %v", msg.Location, err)
		p.abandon(msg.UUID)
		return
	}
	raw.UDN = msg.UUID

	baseURL := urlBase
	if baseURL == "" {
		baseURL = locationBase(msg.Location)
	}

	if err := p.loadServices(ctx, &raw, baseURL); err != nil {
		log.Warnf("loader: load services for %s: %v", msg.UUID, err)
		p.abandon(msg.UUID)
		return
	}

	b.Raw = raw
	p.downloadIcons(ctx, &b.Raw, baseURL)

	dev, err := b.Resolve(baseURL, msg.Source.IP.String())
	if err != nil {
		log.Warnf("loader: resolve %s: %v", msg.UUID, err)
		p.abandon(msg.UUID)
		return
	}

	p.mu.Lock()
	current, stillLoading := p.inFlight[msg.UUID]
	if stillLoading && current == b {
		delete(p.inFlight, msg.UUID)
	}
	p.mu.Unlock()
	if !stillLoading || current != b {
		// CancelLoad removed this builder mid-load: do not publish it.
		return
	}

	p.Registry.Add(dev)
	if p.OnLoaded != nil {
		p.OnLoaded(dev)
	}
}

func (p *Pipeline) abandon(uuid string) {
	p.mu.Lock()
	delete(p.inFlight, uuid)
	p.mu.Unlock()
}

func (p *Pipeline) loadServices(ctx context.Context, raw *device.RawDevice, baseURL string) error {
	for i := range raw.Services {
		svc := &raw.Services[i]
		scpdURL := resolveURL(baseURL, svc.SCPDURL)
		svc.ControlURL = resolveURL(baseURL, svc.ControlURL)
		svc.EventSubURL = resolveURL(baseURL, svc.EventSubURL)

		body, err := p.Client.DownloadString(ctx, scpdURL)
		if err != nil {
			return fmt.Errorf("download SCPD %s: %w", scpdURL, err)
		}
		if err := parseSCPD([]byte(body), svc); err != nil {
			return fmt.Errorf("parse SCPD %s: %w", scpdURL, err)
		}
	}
	for i := range raw.Embedded {
		if err := p.loadServices(ctx, &raw.Embedded[i], baseURL); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) downloadIcons(ctx context.Context, raw *device.RawDevice, baseURL string) {
	selected := p.IconFilter(raw.Icons)
	for i := range raw.Icons {
		icon := &raw.Icons[i]
		for _, sel := range selected {
			if sel.URL == icon.URL {
				data, err := p.Client.DownloadBinary(ctx, resolveURL(baseURL, icon.URL))
				if err != nil {
					log.Warnf("loader: download icon %s: %v", icon.URL, err)
					break
				}
				icon.Binary = data
				break
			}
		}
	}
	for i := range raw.Embedded {
		p.downloadIcons(ctx, &raw.Embedded[i], baseURL)
	}
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func locationBase(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	u.Path = "/"
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/") + "/"
}
