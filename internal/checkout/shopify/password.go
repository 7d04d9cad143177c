package shopify

import (
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/phantomlabs/phantom/internal/domain"
)

var reAuthenticityToken = regexp.MustCompile(`name="authenticity_token"[^>]*value="([^"]+)"`)

// passwordShortlist holds passwords stores commonly reuse for launch gates.
var passwordShortlist = []string{
	"",
	"password",
	"shop",
	"preview",
	"sneakers",
	"launch",
	"drop",
	"exclusive",
}

// passwordProtected reports whether the storefront sits behind a launch
// password gate.
func (m *Module) passwordProtected(ctx domain.Context, client *http.Client, baseURL string) bool {
	status, finalURL, body, err := fetch(ctx, client, baseURL)
	if err != nil {
		slog.Warn("password check failed", slog.Any("error", err))
		return false
	}
	if strings.Contains(strings.ToLower(finalURL), "password") {
		return true
	}
	if status == http.StatusOK {
		lower := strings.ToLower(string(body))
		if strings.Contains(lower, "enter store using password") {
			return true
		}
		if strings.Contains(lower, `id="password"`) || strings.Contains(lower, `name="password"`) {
			return true
		}
	}
	return false
}

// bypassPassword tries, in order: direct API endpoints that skip the gate,
// a shortlist of common passwords, and the theme-preview backdoor.
func (m *Module) bypassPassword(ctx domain.Context, client *http.Client, baseURL string) bool {
	for _, path := range []string{"/products.json", "/collections.json", "/cart.js"} {
		status, _, _, err := fetch(ctx, client, baseURL+path)
		if err == nil && status == http.StatusOK {
			slog.Info("password bypass via direct api", slog.String("path", path))
			return true
		}
	}

	passwordURL := baseURL + "/password"
	for _, password := range passwordShortlist {
		status, _, body, err := fetch(ctx, client, passwordURL)
		if err != nil || status != http.StatusOK {
			continue
		}
		token := ""
		if match := reAuthenticityToken.FindSubmatch(body); match != nil {
			token = string(match[1])
		}
		form := url.Values{
			"password":           {password},
			"authenticity_token": {token},
		}
		_, finalURL, _, err := postForm(ctx, client, passwordURL, form)
		if err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(finalURL), "password") {
			slog.Info("password bypass accepted")
			return true
		}
	}

	status, _, body, err := fetch(ctx, client, baseURL+"?preview_theme_id=current")
	if err == nil && status == http.StatusOK && !strings.Contains(strings.ToLower(string(body)), "password") {
		slog.Info("password bypass via theme preview")
		return true
	}

	slog.Warn("password bypass exhausted")
	return false
}
