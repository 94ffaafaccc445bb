package controlpoint

import (
	_ "embed"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ebouchut/upnpcp/cperr"
	"github.com/ebouchut/upnpcp/loader"
	"github.com/ebouchut/upnpcp/netutils"
)

// Protocol selects which IP families a ControlPoint binds sockets on
// (spec.md §6 "protocol" option).
type Protocol int

const (
	DualStack Protocol = iota
	IPv4Only
	IPv6Only
)

//go:embed defaults.yaml
var defaultOverlay []byte

// overlay is the subset of Config that is reasonably expressed in YAML;
// Interfaces and the filter collaborators are Go values supplied through
// functional options, not serialized settings (spec.md §6's "Persisted
// state: none" — this overlay is a convenience default, never written back).
type overlay struct {
	Protocol           string `yaml:"protocol"`
	NotifySegmentCheck bool   `yaml:"notify_segment_check"`
	EventCallbackHost  string `yaml:"event_callback_host"`
	EventPort          int    `yaml:"event_port"`
	LoaderConcurrency  int    `yaml:"loader_concurrency"`
	PollIntervalSec    int    `yaml:"poll_interval_seconds"`
	RenewMarginSec     int    `yaml:"renew_margin_seconds"`
	HTTPTimeoutSec     int    `yaml:"http_timeout_seconds"`
}

// Config holds ControlPoint construction options (spec.md §6 configuration
// table). Build one with NewConfig.
type Config struct {
	Interfaces         []*net.Interface
	Protocol           Protocol
	NotifySegmentCheck bool
	IconFilter         loader.IconFilter
	SSDPFilter         loader.SSDPFilter

	// EventCallbackHost, if empty, is resolved at Start via
	// netutils.GuessLocalIP.
	EventCallbackHost string
	// EventPort is the TCP port the GENA event receiver binds; 0 picks an
	// ephemeral port.
	EventPort int
	// LoaderConcurrency bounds simultaneous description downloads.
	LoaderConcurrency int

	// PollInterval, when non-zero, makes Start issue a periodic active
	// "ssdp:all" Search on this interval in addition to passive NOTIFY
	// receipt. Zero disables active polling (the spec.md §6 default).
	PollInterval time.Duration
	// RenewMargin overrides subscribe.DefaultRenewMargin when non-zero.
	RenewMargin time.Duration
	// HTTPTimeout bounds the loader's description/icon downloads and the
	// subscription manager's SUBSCRIBE/RENEW/UNSUBSCRIBE calls. Zero means
	// no client-side timeout (net/http's default).
	HTTPTimeout time.Duration
}

// Option configures a Config produced by NewConfig.
type Option func(*Config)

// WithInterfaces overrides the default "all multicast-capable interfaces"
// interface set.
func WithInterfaces(ifaces ...*net.Interface) Option {
	return func(c *Config) { c.Interfaces = ifaces }
}

// WithProtocol selects IPv4Only, IPv6Only, or DualStack (default).
func WithProtocol(p Protocol) Option {
	return func(c *Config) { c.Protocol = p }
}

// WithNotifySegmentCheck toggles the IPv4 source-prefix check of spec.md
// §4.1 step 2.
func WithNotifySegmentCheck(enabled bool) Option {
	return func(c *Config) { c.NotifySegmentCheck = enabled }
}

// WithIconFilter installs the IconFilter collaborator (default: download
// none).
func WithIconFilter(f loader.IconFilter) Option {
	return func(c *Config) { c.IconFilter = f }
}

// WithSSDPFilter installs the SsdpMessageFilter collaborator (default:
// accept all).
func WithSSDPFilter(f loader.SSDPFilter) Option {
	return func(c *Config) { c.SSDPFilter = f }
}

// WithEventCallback sets the host/port advertised in GENA CALLBACK headers.
// Leave host empty to auto-detect via netutils.GuessLocalIP at Start.
func WithEventCallback(host string, port int) Option {
	return func(c *Config) { c.EventCallbackHost = host; c.EventPort = port }
}

// WithYAMLOverlay merges an optional on-disk YAML document (falling back to
// an embedded default when doc is empty) onto the scalar fields of Config,
// the pattern this package's ambient config loading is grounded on: read a
// document, log what happened, never fail construction over it.
func WithYAMLOverlay(doc []byte) Option {
	return func(c *Config) {
		if len(doc) == 0 {
			doc = defaultOverlay
		}
		var ov overlay
		if err := yaml.Unmarshal(doc, &ov); err != nil {
			log.Warnf("controlpoint: invalid config overlay, ignoring: %v", err)
			return
		}
		switch ov.Protocol {
		case "IPv4Only":
			c.Protocol = IPv4Only
		case "IPv6Only":
			c.Protocol = IPv6Only
		case "DualStack", "":
		default:
			log.Warnf("controlpoint: unknown protocol %q in overlay, keeping default", ov.Protocol)
		}
		c.NotifySegmentCheck = ov.NotifySegmentCheck
		if ov.EventCallbackHost != "" {
			c.EventCallbackHost = ov.EventCallbackHost
		}
		if ov.EventPort != 0 {
			c.EventPort = ov.EventPort
		}
		if ov.LoaderConcurrency != 0 {
			c.LoaderConcurrency = ov.LoaderConcurrency
		}
		if ov.PollIntervalSec != 0 {
			c.PollInterval = time.Duration(ov.PollIntervalSec) * time.Second
		}
		if ov.RenewMarginSec != 0 {
			c.RenewMargin = time.Duration(ov.RenewMarginSec) * time.Second
		}
		if ov.HTTPTimeoutSec != 0 {
			c.HTTPTimeout = time.Duration(ov.HTTPTimeoutSec) * time.Second
		}
	}
}

// NewConfig builds a Config starting from spec.md §6's defaults (all
// non-loopback multicast-capable interfaces, DualStack, segment check off,
// download-no-icons, accept-all) and applies opts in order.
func NewConfig(opts ...Option) *Config {
	ifaces, err := netutils.MulticastInterfaces()
	if err != nil {
		log.Warnf("controlpoint: enumerate interfaces: %v", err)
	}

	c := &Config{
		Interfaces:         ifaces,
		Protocol:           DualStack,
		NotifySegmentCheck: false,
		IconFilter:         loader.DefaultIconFilter,
		SSDPFilter:         loader.DefaultSSDPFilter,
		LoaderConcurrency:  8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadConfig builds a Config from spec.md §6's defaults overlaid with the
// YAML document at path — poll interval, renewal safety margin, and HTTP
// timeouts (§6 "Persisted state" knobs), the same mechanism as the
// teacher's upnp.LoadConfig + upnp/pmomusic.yaml. An empty path, or one that
// does not exist, falls back to the embedded default document; any other
// read error, or a malformed document, is a hard error since the caller
// asked for a specific file.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	doc := defaultOverlay
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			doc = data
		case os.IsNotExist(err):
			log.Infof("controlpoint: config file %s not found, using embedded default", path)
		default:
			return nil, cperr.Wrap(cperr.InvalidDescription, "read config file "+path, err)
		}
	}

	var ov overlay
	if err := yaml.Unmarshal(doc, &ov); err != nil {
		return nil, cperr.Wrap(cperr.InvalidDescription, "parse config file "+path, err)
	}

	c := NewConfig(opts...)
	WithYAMLOverlay(doc)(c)
	return c, nil
}
