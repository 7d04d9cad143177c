package footsites

import "strings"

// SiteConfig holds the endpoint set for one Footsites brand.
type SiteConfig struct {
	Domain      string
	APIBase     string
	CartAPI     string
	CheckoutAPI string
}

// BaseURL is the storefront origin for landing and checkout pages.
func (c SiteConfig) BaseURL() string {
	if strings.HasPrefix(c.Domain, "http") {
		return c.Domain
	}
	return "https://" + c.Domain
}

// Sites maps brand names to their production endpoints.
var Sites = map[string]SiteConfig{
	"footlocker": {
		Domain:      "www.footlocker.com",
		APIBase:     "https://www.footlocker.com/api",
		CartAPI:     "https://www.footlocker.com/api/v3/cart",
		CheckoutAPI: "https://www.footlocker.com/api/checkout",
	},
	"champs": {
		Domain:      "www.champssports.com",
		APIBase:     "https://www.champssports.com/api",
		CartAPI:     "https://www.champssports.com/api/v3/cart",
		CheckoutAPI: "https://www.champssports.com/api/checkout",
	},
	"eastbay": {
		Domain:      "www.eastbay.com",
		APIBase:     "https://www.eastbay.com/api",
		CartAPI:     "https://www.eastbay.com/api/v3/cart",
		CheckoutAPI: "https://www.eastbay.com/api/checkout",
	},
	"finishline": {
		Domain:      "www.finishline.com",
		APIBase:     "https://www.finishline.com/api",
		CartAPI:     "https://www.finishline.com/api/v3/cart",
		CheckoutAPI: "https://www.finishline.com/api/checkout",
	},
}
