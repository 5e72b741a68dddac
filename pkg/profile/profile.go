// Package profile resolves named boot profiles into engine boot parameters.
package profile

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// Named profiles
const (
	Default = "default"
	Vanilla = "vanilla"
)

// DefaultRelayURL is the network relay used when no override is configured.
const DefaultRelayURL = "wss://relay.widgetry.org/"

// Query-string keys read by FromQuery.
const (
	QueryProfile  = "profile"
	QueryRelayURL = "network_relay_url"
)

const mib = 1024 * 1024

// Source locates a disk image and its exact size.
type Source struct {
	URL       string `json:"url" yaml:"url"`
	SizeBytes int64  `json:"size" yaml:"size"`
}

// BootProfile is a named bundle of boot parameters.
type BootProfile struct {
	Name               string `json:"name" yaml:"name"`
	MemorySizeBytes    int64  `json:"memory_size" yaml:"memory_size"`
	VGAMemorySizeBytes int64  `json:"vga_memory_size" yaml:"vga_memory_size"`
	CDROM              Source `json:"cdrom" yaml:"cdrom"`
	RelayURL           string `json:"network_relay_url,omitempty" yaml:"network_relay_url,omitempty"`
	Autostart          bool   `json:"autostart" yaml:"autostart"`
}

// Overrides are applied on top of a resolved profile. Zero values leave the
// profile untouched.
type Overrides struct {
	RelayURL  string
	Autostart *bool
}

// BootParams is everything the page passes to the engine constructor.
type BootParams struct {
	BootProfile     `yaml:",inline"`
	BIOS            Source `json:"bios" yaml:"bios"`
	VGABIOS         Source `json:"vga_bios" yaml:"vga_bios"`
	WasmPath        string `json:"wasm_path" yaml:"wasm_path"`
	ScreenContainer string `json:"screen_container" yaml:"screen_container"`
}

var builtin = map[string]BootProfile{
	Default: {
		Name:               Default,
		MemorySizeBytes:    64 * mib,
		VGAMemorySizeBytes: 8 * mib,
		CDROM:              Source{URL: "images/system.iso", SizeBytes: 23068672},
	},
	Vanilla: {
		Name:               Vanilla,
		MemorySizeBytes:    8 * mib,
		VGAMemorySizeBytes: 2 * mib,
		CDROM:              Source{URL: "images/vanilla.iso", SizeBytes: 8638464},
	},
}

// Resolver maps profile names to boot profiles.
type Resolver struct {
	assetBaseURL string
	relayURL     string
}

// NewResolver creates a resolver. Relative asset URLs are joined onto
// assetBaseURL; relayURL is the relay applied when no override is given.
func NewResolver(assetBaseURL, relayURL string) *Resolver {
	if relayURL == "" {
		relayURL = DefaultRelayURL
	}
	if assetBaseURL == "" {
		assetBaseURL = "./"
	}
	if !strings.HasSuffix(assetBaseURL, "/") {
		assetBaseURL += "/"
	}
	return &Resolver{assetBaseURL: assetBaseURL, relayURL: relayURL}
}

// Resolve returns the named profile with overrides applied. Unknown and empty
// names resolve to the default profile. The stored profiles are never mutated.
func (r *Resolver) Resolve(name string, o Overrides) BootProfile {
	p, ok := builtin[name]
	if !ok {
		if name != "" {
			slog.Debug("profile_unknown_using_default", "requested", name)
		}
		p = builtin[Default]
	}

	p.CDROM.URL = r.asset(p.CDROM.URL)
	p.RelayURL = r.relayURL
	if o.RelayURL != "" {
		p.RelayURL = o.RelayURL
	}
	if o.Autostart != nil {
		p.Autostart = *o.Autostart
	}
	return p
}

// FromQuery resolves a profile from page query parameters. A missing profile
// defaults in place; the page is never redirected.
func (r *Resolver) FromQuery(q url.Values) BootProfile {
	return r.Resolve(q.Get(QueryProfile), Overrides{RelayURL: q.Get(QueryRelayURL)})
}

// Params expands a profile into full boot parameters.
func (r *Resolver) Params(p BootProfile) BootParams {
	return BootParams{
		BootProfile:     p,
		BIOS:            Source{URL: r.asset("bios/seabios.bin")},
		VGABIOS:         Source{URL: r.asset("bios/vgabios.bin")},
		WasmPath:        r.asset("engine/v86.wasm"),
		ScreenContainer: "screen-container",
	}
}

// Names lists the known profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a built-in profile.
func Known(name string) bool {
	_, ok := builtin[name]
	return ok
}

func (r *Resolver) asset(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	return r.assetBaseURL + strings.TrimPrefix(path, "./")
}
