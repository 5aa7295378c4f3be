// internal/antidetect/fingerprint.go
package antidetect

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
)

// Viewport represents the browser content area.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Screen represents the physical display the viewport lives on.
type Screen struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	AvailHeight      int     `json:"avail_height"`
	ColorDepth       int     `json:"color_depth"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

// GeoPoint is an approximate geolocation.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Fingerprint is the client identity presented to a target site. It is a
// value type; callers never mutate a generated fingerprint.
type Fingerprint struct {
	UserAgent           string   `json:"user_agent"`
	Platform            string   `json:"platform"`
	Viewport            Viewport `json:"viewport"`
	Screen              Screen   `json:"screen"`
	Locale              string   `json:"locale"`
	AcceptLanguage      string   `json:"accept_language"`
	Timezone            string   `json:"timezone"`
	Geo                 GeoPoint `json:"geo"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
}

type deviceProfile struct {
	userAgent string
	platform  string
	cores     []int
}

type displayProfile struct {
	screen      Screen
	chromeWidth int
	chromeTop   int
}

type regionProfile struct {
	locale   string
	timezone string
	cities   []GeoPoint
}

func defaultDevices() []deviceProfile {
	return []deviceProfile{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36", "Win32", []int{4, 8, 12}},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Win32", []int{4, 8}},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0", "Win32", []int{8, 16}},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0", "Win32", []int{4, 8}},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36", "MacIntel", []int{8, 10}},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15", "MacIntel", []int{8}},
		{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Linux x86_64", []int{4, 8, 16}},
	}
}

func defaultDisplays() []displayProfile {
	return []displayProfile{
		{Screen{Width: 1920, Height: 1080, AvailHeight: 1040, ColorDepth: 24, DevicePixelRatio: 1}, 0, 120},
		{Screen{Width: 1366, Height: 768, AvailHeight: 728, ColorDepth: 24, DevicePixelRatio: 1}, 0, 110},
		{Screen{Width: 1440, Height: 900, AvailHeight: 875, ColorDepth: 30, DevicePixelRatio: 2}, 0, 95},
		{Screen{Width: 1536, Height: 864, AvailHeight: 824, ColorDepth: 24, DevicePixelRatio: 1.25}, 0, 115},
		{Screen{Width: 1600, Height: 900, AvailHeight: 860, ColorDepth: 24, DevicePixelRatio: 1}, 16, 110},
	}
}

func defaultRegions() []regionProfile {
	return []regionProfile{
		{"tr-TR", "Europe/Istanbul", []GeoPoint{
			{Latitude: 41.0082, Longitude: 28.9784},
			{Latitude: 39.9334, Longitude: 32.8597},
			{Latitude: 38.4237, Longitude: 27.1428},
		}},
		{"en-US", "America/New_York", []GeoPoint{
			{Latitude: 40.7128, Longitude: -74.0060},
			{Latitude: 42.3601, Longitude: -71.0589},
		}},
		{"en-GB", "Europe/London", []GeoPoint{
			{Latitude: 51.5072, Longitude: -0.1276},
			{Latitude: 53.4808, Longitude: -2.2426},
		}},
		{"de-DE", "Europe/Berlin", []GeoPoint{
			{Latitude: 52.5200, Longitude: 13.4050},
			{Latitude: 48.1351, Longitude: 11.5820},
		}},
		{"fr-FR", "Europe/Paris", []GeoPoint{
			{Latitude: 48.8566, Longitude: 2.3522},
			{Latitude: 45.7640, Longitude: 4.8357},
		}},
	}
}

// FingerprintConfig restricts the curated pools the generator draws from.
type FingerprintConfig struct {
	// Locales limits generated identities to these regions, e.g. ["tr-TR"].
	// Empty means every curated region.
	Locales []string `yaml:"locales,omitempty" json:"locales,omitempty"`
	// GeoJitter is the maximum offset in degrees applied to a city centre.
	GeoJitter float64 `yaml:"geo_jitter" json:"geo_jitter"`
}

// Generator produces internally consistent fingerprints from curated
// device, display and region profiles.
type Generator struct {
	devices  []deviceProfile
	displays []displayProfile
	regions  []regionProfile
	jitter   float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator. A nil config selects every region.
func NewGenerator(config *FingerprintConfig) (*Generator, error) {
	if config == nil {
		config = &FingerprintConfig{GeoJitter: 0.05}
	}

	regions := defaultRegions()
	if len(config.Locales) > 0 {
		filtered := make([]regionProfile, 0, len(config.Locales))
		for _, want := range config.Locales {
			tag, err := language.Parse(want)
			if err != nil {
				return nil, fmt.Errorf("invalid locale %q: %w", want, err)
			}
			found := false
			for _, r := range regions {
				if r.locale == tag.String() {
					filtered = append(filtered, r)
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("no curated region for locale %q", want)
			}
		}
		regions = filtered
	}

	return &Generator{
		devices:  defaultDevices(),
		displays: defaultDisplays(),
		regions:  regions,
		jitter:   config.GeoJitter,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Seed makes generation reproducible.
func (g *Generator) Seed(seed int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rng = rand.New(rand.NewSource(seed))
}

// New returns a fresh fingerprint.
func (g *Generator) New() Fingerprint {
	g.mu.Lock()
	device := g.devices[g.rng.Intn(len(g.devices))]
	display := g.displays[g.rng.Intn(len(g.displays))]
	region := g.regions[g.rng.Intn(len(g.regions))]
	city := region.cities[g.rng.Intn(len(region.cities))]
	cores := device.cores[g.rng.Intn(len(device.cores))]
	latJitter := (g.rng.Float64()*2 - 1) * g.jitter
	lonJitter := (g.rng.Float64()*2 - 1) * g.jitter
	g.mu.Unlock()

	screen := display.screen
	return Fingerprint{
		UserAgent: device.userAgent,
		Platform:  device.platform,
		Viewport: Viewport{
			Width:  screen.Width - display.chromeWidth,
			Height: screen.AvailHeight - display.chromeTop,
		},
		Screen:         screen,
		Locale:         region.locale,
		AcceptLanguage: AcceptLanguage(region.locale),
		Timezone:       region.timezone,
		Geo: GeoPoint{
			Latitude:  city.Latitude + latJitter,
			Longitude: city.Longitude + lonJitter,
			Accuracy:  100,
		},
		HardwareConcurrency: cores,
	}
}

// AcceptLanguage builds an Accept-Language header that prefers the locale,
// then its base language, then English.
func AcceptLanguage(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return "en-US,en;q=0.9"
	}
	base, _ := tag.Base()
	if base.String() == "en" {
		return fmt.Sprintf("%s,en;q=0.9", tag.String())
	}
	return fmt.Sprintf("%s,%s;q=0.9,en-US;q=0.8,en;q=0.7", tag.String(), base.String())
}

// Validate reports whether the fingerprint is internally consistent.
func (fp Fingerprint) Validate() error {
	if fp.UserAgent == "" {
		return fmt.Errorf("empty user agent")
	}
	if fp.Viewport.Width <= 0 || fp.Viewport.Height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", fp.Viewport.Width, fp.Viewport.Height)
	}
	if fp.Viewport.Width > fp.Screen.Width || fp.Viewport.Height > fp.Screen.AvailHeight {
		return fmt.Errorf("viewport %dx%d exceeds screen %dx%d",
			fp.Viewport.Width, fp.Viewport.Height, fp.Screen.Width, fp.Screen.AvailHeight)
	}

	switch {
	case strings.Contains(fp.UserAgent, "Windows") && fp.Platform != "Win32",
		strings.Contains(fp.UserAgent, "Macintosh") && fp.Platform != "MacIntel",
		strings.Contains(fp.UserAgent, "Linux") && !strings.HasPrefix(fp.Platform, "Linux"):
		return fmt.Errorf("platform %q does not match user agent", fp.Platform)
	}

	for _, r := range defaultRegions() {
		if r.locale == fp.Locale {
			if r.timezone != fp.Timezone {
				return fmt.Errorf("timezone %q does not match locale %q", fp.Timezone, fp.Locale)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown locale %q", fp.Locale)
}

// LanguageList returns the navigator.languages value for the fingerprint.
func (fp Fingerprint) LanguageList() []string {
	tag, err := language.Parse(fp.Locale)
	if err != nil {
		return []string{"en-US", "en"}
	}
	base, _ := tag.Base()
	return []string{tag.String(), base.String()}
}
