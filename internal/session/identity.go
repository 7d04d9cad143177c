// Package session builds HTTP clients that look like real browsers: a
// synthesized navigator-level identity, an impersonated TLS ClientHello and
// a per-session cookie jar.
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

// Screen describes the display portion of an identity.
type Screen struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	AvailWidth       int     `json:"availWidth"`
	AvailHeight      int     `json:"availHeight"`
	ColorDepth       int     `json:"colorDepth"`
	PixelDepth       int     `json:"pixelDepth"`
	DevicePixelRatio float64 `json:"devicePixelRatio"`
}

// Identity is a synthesized browser fingerprint. The same seed always
// yields the same identity so a task keeps one face across retries.
type Identity struct {
	UserAgent           string   `json:"userAgent"`
	Platform            string   `json:"platform"`
	Vendor              string   `json:"vendor"`
	Language            string   `json:"language"`
	Languages           []string `json:"languages"`
	Timezone            string   `json:"timezone"`
	TimezoneOffset      int      `json:"timezoneOffset"`
	Screen              Screen   `json:"screen"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`
	MaxTouchPoints      int      `json:"maxTouchPoints"`
	WebGLVendor         string   `json:"webglVendor"`
	WebGLRenderer       string   `json:"webglRenderer"`
	CanvasNoiseSeed     int      `json:"canvasNoiseSeed"`
}

var resolutions = [][2]int{
	{1920, 1080}, {2560, 1440}, {1366, 768}, {1536, 864},
	{1440, 900}, {1280, 720}, {1600, 900}, {3840, 2160},
}

const (
	uaChromeWin = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36"
	uaChromeMac = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36"
	uaFirefoxWin = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:%s) Gecko/20100101 Firefox/%s"
	uaSafariMac  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%s Safari/605.1.15"
)

var (
	chromeVersions  = []string{"120.0.0.0", "121.0.0.0", "122.0.0.0", "123.0.0.0", "124.0.0.0"}
	firefoxVersions = []string{"121.0", "122.0", "123.0", "124.0"}
	safariVersions  = []string{"17.0", "17.1", "17.2", "17.3"}
)

var webglRenderers = map[string][]string{
	"nvidia": {
		"ANGLE (NVIDIA, NVIDIA GeForce GTX 1080 Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (NVIDIA, NVIDIA GeForce RTX 3070 Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Ti Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (NVIDIA, NVIDIA GeForce RTX 2080 Direct3D11 vs_5_0 ps_5_0)",
	},
	"amd": {
		"ANGLE (AMD, AMD Radeon RX 580 Series Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (AMD, AMD Radeon RX 5700 XT Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (AMD, AMD Radeon RX 6800 XT Direct3D11 vs_5_0 ps_5_0)",
	},
	"intel": {
		"ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (Intel, Intel(R) Iris(R) Xe Graphics Direct3D11 vs_5_0 ps_5_0)",
	},
	"apple": {"Apple GPU", "Apple M1", "Apple M2"},
}

var timezones = []struct {
	name   string
	offset int
}{
	{"America/New_York", 300},
	{"America/Chicago", 360},
	{"America/Denver", 420},
	{"America/Los_Angeles", 480},
	{"America/Phoenix", 420},
}

// IdentityGenerator synthesizes identities and caches them per seed.
type IdentityGenerator struct {
	mu    sync.Mutex
	cache map[string]Identity
}

// NewIdentityGenerator returns an empty generator.
func NewIdentityGenerator() *IdentityGenerator {
	return &IdentityGenerator{cache: make(map[string]Identity)}
}

// Generate builds an identity for the given browser/os. A non-empty seed
// makes the result deterministic and cached; an empty seed draws fresh
// randomness each call.
func (g *IdentityGenerator) Generate(browser, osType, seed string) Identity {
	if seed != "" {
		g.mu.Lock()
		if id, ok := g.cache[seed]; ok {
			g.mu.Unlock()
			return id
		}
		g.mu.Unlock()
	}

	rng := newRNG(seed)
	id := Identity{
		Platform:  "Win32",
		Vendor:    "Google Inc.",
		Language:  "en-US",
		Languages: []string{"en-US", "en"},
	}

	switch browser {
	case "firefox":
		v := pick(rng, firefoxVersions)
		id.UserAgent = fmt.Sprintf(uaFirefoxWin, v, v)
		id.Vendor = ""
	case "safari":
		id.UserAgent = fmt.Sprintf(uaSafariMac, pick(rng, safariVersions))
		id.Platform = "MacIntel"
		id.Vendor = "Apple Computer, Inc."
	default: // chrome
		tpl := uaChromeWin
		if osType == "mac" {
			tpl = uaChromeMac
			id.Platform = "MacIntel"
		}
		id.UserAgent = fmt.Sprintf(tpl, pick(rng, chromeVersions))
	}

	res := resolutions[rng.Intn(len(resolutions))]
	id.Screen = Screen{
		Width:            res[0],
		Height:           res[1],
		AvailWidth:       res[0],
		AvailHeight:      res[1] - (30 + rng.Intn(21)),
		ColorDepth:       24,
		PixelDepth:       24,
		DevicePixelRatio: pick(rng, []float64{1.0, 1.25, 1.5, 2.0}),
	}
	id.HardwareConcurrency = pick(rng, []int{4, 6, 8, 12, 16})
	id.DeviceMemory = pick(rng, []int{4, 8, 16, 32})

	if osType == "mac" {
		id.WebGLVendor = "Apple Inc."
		id.WebGLRenderer = pick(rng, webglRenderers["apple"])
	} else {
		brand := pick(rng, []string{"nvidia", "amd", "intel"})
		id.WebGLVendor = fmt.Sprintf("Google Inc. (%s)", strings.ToUpper(brand))
		id.WebGLRenderer = pick(rng, webglRenderers[brand])
	}

	tz := timezones[rng.Intn(len(timezones))]
	id.Timezone = tz.name
	id.TimezoneOffset = tz.offset
	id.CanvasNoiseSeed = 1 + rng.Intn(1000000)

	if seed != "" {
		g.mu.Lock()
		g.cache[seed] = id
		g.mu.Unlock()
	}
	return id
}

// newRNG derives a PRNG from the seed string; without one it falls back to
// the shared global source.
func newRNG(seed string) *rand.Rand {
	if seed == "" {
		return rand.New(rand.NewSource(rand.Int63()))
	}
	sum := sha256.Sum256([]byte(seed))
	return rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
}

func pick[T any](rng *rand.Rand, xs []T) T { return xs[rng.Intn(len(xs))] }
