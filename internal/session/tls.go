package session

import (
	"math/rand"

	utls "github.com/refraction-networking/utls"
)

// Impersonation names a browser TLS profile (JA3/JA4 surface).
type Impersonation string

const (
	Chrome116 Impersonation = "chrome_116"
	Chrome119 Impersonation = "chrome_119"
	Chrome120 Impersonation = "chrome_120"
	Safari155 Impersonation = "safari_15_5"
	Safari170 Impersonation = "safari_17_0"
	Edge101   Impersonation = "edge_101"
)

// helloIDs maps each profile onto the nearest uTLS ClientHello preset.
var helloIDs = map[Impersonation]utls.ClientHelloID{
	Chrome116: utls.HelloChrome_102,
	Chrome119: utls.HelloChrome_106_Shuffle,
	Chrome120: utls.HelloChrome_120,
	Safari155: utls.HelloSafari_16_0,
	Safari170: utls.HelloSafari_16_0,
	Edge101:   utls.HelloEdge_106,
}

var (
	chromeImpersonations = []Impersonation{Chrome119, Chrome120, Chrome116}
	safariImpersonations = []Impersonation{Safari170, Safari155}
	allImpersonations    = []Impersonation{Chrome116, Chrome119, Chrome120, Safari155, Safari170, Edge101}
)

// pickImpersonation chooses a TLS profile for the browser family.
func pickImpersonation(rng *rand.Rand, browser string) Impersonation {
	switch browser {
	case "chrome":
		return pick(rng, chromeImpersonations)
	case "safari":
		return pick(rng, safariImpersonations)
	default:
		return pick(rng, allImpersonations)
	}
}

// secCHUA returns the client-hint header trio for Chromium profiles,
// nil for everything else.
func secCHUA(imp Impersonation) map[string]string {
	versions := map[Impersonation]string{
		Chrome116: "116",
		Chrome119: "119",
		Chrome120: "120",
	}
	major, ok := versions[imp]
	if !ok {
		return nil
	}
	return map[string]string{
		"sec-ch-ua":          `"Not_A Brand";v="8", "Chromium";v="` + major + `", "Google Chrome";v="` + major + `"`,
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": `"Windows"`,
	}
}
