// Package shopify drives the Shopify checkout state machine: variant
// search, cart, checkout creation with checkpoint handling, customer info,
// shipping-rate selection, card vaulting and payment submission.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/phantomlabs/phantom/internal/checkout"
	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/session"
)

const (
	defaultVaultURL           = "https://deposit.shopifycs.com/sessions"
	defaultCheckpointRetries  = 3
	defaultProcessingInterval = 2 * time.Second
	defaultProcessingPolls    = 20
)

var (
	reCheckoutToken = regexp.MustCompile(`/checkouts/([a-z0-9]+)`)
	reShopID        = regexp.MustCompile(`/(\d+)/checkouts/`)
	reShippingRate  = regexp.MustCompile(`data-shipping-method="([^"]+)"`)
	reGateway       = regexp.MustCompile(`data-select-gateway="([^"]+)"`)
	reSiteKey       = regexp.MustCompile(`data-sitekey="([^"]+)"`)
	reOrderNumber   = regexp.MustCompile(`Order\s*#?\s*(\d+)`)
	reNoticeError   = regexp.MustCompile(`class="notice--error"[^>]*>([^<]+)`)
)

// Config tunes the state machine. Zero values take production defaults;
// tests shrink the waits.
type Config struct {
	VaultURL           string
	CheckpointRetries  int
	CheckpointWait     func(attempt int) time.Duration
	ProcessingInterval time.Duration
	ProcessingPolls    int
	Cookies            *session.CookieStore // nil disables cross-attempt cookie resume
}

func (c Config) withDefaults() Config {
	if c.VaultURL == "" {
		c.VaultURL = defaultVaultURL
	}
	if c.CheckpointRetries <= 0 {
		c.CheckpointRetries = defaultCheckpointRetries
	}
	if c.CheckpointWait == nil {
		c.CheckpointWait = func(attempt int) time.Duration {
			return time.Duration(2+3*attempt) * time.Second
		}
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = defaultProcessingInterval
	}
	if c.ProcessingPolls <= 0 {
		c.ProcessingPolls = defaultProcessingPolls
	}
	return c
}

// Module is the Shopify checkout engine.
type Module struct {
	cfg      Config
	sessions *session.Factory
}

// New builds the module around a session factory.
func New(cfg Config, sessions *session.Factory) *Module {
	return &Module{cfg: cfg.withDefaults(), sessions: sessions}
}

// Site implements checkout.Module.
func (m *Module) Site() domain.SiteType { return domain.SiteShopify }

// checkoutState carries what later steps need from earlier ones.
type checkoutState struct {
	checkoutURL string
	token       string
	shopID      string
}

// Checkout implements checkout.Module. One session, one jar, one identity
// for the whole attempt.
func (m *Module) Checkout(ctx domain.Context, in checkout.Input) (result domain.TaskResult) {
	start := time.Now()
	log := slog.With(slog.String("task_id", in.Task.ShortID()), slog.String("site", in.Task.Config.SiteName))

	sess, err := m.sessions.New(session.Options{Proxy: in.Proxy, Seed: in.Task.ID})
	if err != nil {
		return checkout.Failure("Session setup failed: "+err.Error(), "", time.Since(start))
	}
	defer sess.Close()
	client := sess.Client

	baseURL := strings.TrimRight(in.Task.Config.SiteURL, "/")

	// Resume the storefront session from an earlier attempt; a checkpoint
	// clearance lives in these cookies. Failed attempts save the jar back
	// for the retry, a success retires it.
	if m.cfg.Cookies != nil {
		restoreJar(sess.Jar, baseURL, m.cfg.Cookies.Load(in.Task.ID, hostOf(baseURL)))
		defer func() {
			if result.Success {
				m.cfg.Cookies.Clear(in.Task.ID)
				return
			}
			m.cfg.Cookies.Save(in.Task.ID, hostOf(baseURL), jarCookies(sess.Jar, baseURL), true)
		}()
	}

	in.Report(domain.StatusMonitoring, "Finding product...")

	if m.passwordProtected(ctx, client, baseURL) {
		in.Report(domain.StatusMonitoring, "Bypassing password page...")
		if !m.bypassPassword(ctx, client, baseURL) {
			return checkout.Failure("Site is password protected - bypass failed", "", time.Since(start))
		}
	}

	variant, err := m.findVariant(ctx, client, baseURL, in.Task.Config.MonitorInput, in.Task.Config.Sizes)
	if err != nil {
		return checkout.Failure("Product not found or out of stock", "", time.Since(start))
	}
	log.Debug("variant selected", slog.Int64("variant_id", variant.ID), slog.String("size", variant.Size))

	if err := m.addToCart(ctx, client, baseURL, variant.ID); err != nil {
		return checkout.Failure("Failed to add to cart", "", time.Since(start))
	}
	in.Report(domain.StatusCarted, "Added to cart!")

	state, err := m.createCheckout(ctx, client, baseURL)
	if err != nil {
		return checkout.Failure(err.Error(), baseURL+"/cart", time.Since(start))
	}

	in.Report(domain.StatusSubmittingInfo, "Submitting info...")
	if err := m.submitInfo(ctx, client, state, in.Profile); err != nil {
		return checkout.Failure("Failed to submit customer info", state.checkoutURL, time.Since(start))
	}
	if err := m.submitShipping(ctx, client, state); err != nil {
		return checkout.Failure("Failed to select shipping", state.checkoutURL, time.Since(start))
	}

	gateway, captchaKey, needsCaptcha := m.inspectPaymentPage(ctx, client, state)

	captchaToken := ""
	if needsCaptcha && in.Captcha != nil {
		in.Report(domain.StatusSolvingCaptcha, "Solving captcha...")
		res, err := in.Captcha.Solve(ctx, domain.CaptchaRequest{
			Type:    domain.CaptchaRecaptchaV2,
			PageURL: state.checkoutURL,
			SiteKey: captchaKey,
		})
		if err != nil || !res.Success {
			return checkout.Failure("Failed to solve captcha", state.checkoutURL, time.Since(start))
		}
		captchaToken = res.Token
	}

	in.Report(domain.StatusSubmittingPayment, "Submitting payment...")
	vaultID, err := vaultCard(ctx, client, m.cfg.VaultURL, in.Profile)
	if err != nil {
		log.Warn("card vault failed", slog.Any("error", err))
		return checkout.Failure("Failed to get payment token", state.checkoutURL, time.Since(start))
	}

	result := m.submitPayment(ctx, client, state, in.Profile, gateway, vaultID, captchaToken)
	result.ProductTitle = variant.Title
	result.Size = variant.Size
	result.Elapsed = time.Since(start)
	result.Timestamp = time.Now()
	if result.CheckoutURL == "" {
		result.CheckoutURL = state.checkoutURL
	}
	return result
}

type variantPick struct {
	ID    int64
	Title string
	Size  string
}

type productJSON struct {
	Title    string `json:"title"`
	Variants []struct {
		ID        int64  `json:"id"`
		Option1   string `json:"option1"`
		Available bool   `json:"available"`
	} `json:"variants"`
}

// findVariant resolves the monitor input (product URL or keywords) to the
// first available variant in a wanted size.
func (m *Module) findVariant(ctx domain.Context, client *http.Client, baseURL, input string, sizes []string) (variantPick, error) {
	feedURL := baseURL + "/products.json?limit=250"
	if strings.HasPrefix(input, "http") {
		handle := input
		if i := strings.LastIndex(handle, "/products/"); i >= 0 {
			handle = handle[i+len("/products/"):]
		}
		if i := strings.IndexByte(handle, '?'); i >= 0 {
			handle = handle[:i]
		}
		feedURL = baseURL + "/products/" + handle + ".json"
	}

	status, _, body, err := fetch(ctx, client, feedURL)
	if err != nil {
		return variantPick{}, err
	}
	if status != http.StatusOK {
		return variantPick{}, fmt.Errorf("product feed: status %d", status)
	}

	var feed struct {
		Product  *productJSON  `json:"product"`
		Products []productJSON `json:"products"`
	}
	if err := json.Unmarshal(body, &feed); err != nil {
		return variantPick{}, fmt.Errorf("product feed: %w", err)
	}
	products := feed.Products
	if feed.Product != nil {
		products = []productJSON{*feed.Product}
	}

	keywords := strings.Fields(strings.ToLower(input))
	for _, p := range products {
		if !titleMatches(strings.ToLower(p.Title), keywords) {
			continue
		}
		for _, v := range p.Variants {
			if !v.Available {
				continue
			}
			size := strings.TrimSpace(v.Option1)
			if !sizeWanted(size, sizes) {
				continue
			}
			return variantPick{ID: v.ID, Title: p.Title, Size: size}, nil
		}
	}
	return variantPick{}, domain.ErrOutOfStock
}

func titleMatches(title string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.HasPrefix(kw, "http") {
			continue
		}
		if strings.HasPrefix(kw, "-") {
			if len(kw) > 1 && strings.Contains(title, kw[1:]) {
				return false
			}
			continue
		}
		if !strings.Contains(title, kw) {
			return false
		}
	}
	return true
}

func sizeWanted(size string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if size == w || strings.Contains(size, w) {
			return true
		}
	}
	return false
}

func (m *Module) addToCart(ctx domain.Context, client *http.Client, baseURL string, variantID int64) error {
	payload, err := json.Marshal(map[string]any{
		"items": []map[string]any{{"id": variantID, "quantity": 1}},
	})
	if err != nil {
		return fmt.Errorf("cart payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/cart/add.js", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("cart request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cart add: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cart add: status %d", resp.StatusCode)
	}
	return nil
}

// createCheckout opens /checkout and follows it to the tokenised checkout
// URL, waiting out bot checkpoints along the way.
func (m *Module) createCheckout(ctx domain.Context, client *http.Client, baseURL string) (checkoutState, error) {
	for attempt := 0; attempt < m.cfg.CheckpointRetries; attempt++ {
		status, finalURL, body, err := fetch(ctx, client, baseURL+"/checkout")
		if err != nil {
			return checkoutState{}, fmt.Errorf("failed to create checkout: %w", err)
		}
		if status != http.StatusOK {
			return checkoutState{}, fmt.Errorf("failed to create checkout: status %d", status)
		}

		if strings.Contains(strings.ToLower(string(body)), "checkpoint") {
			slog.Debug("checkpoint page", slog.Int("attempt", attempt+1))
			if err := sleep(ctx, m.cfg.CheckpointWait(attempt)); err != nil {
				return checkoutState{}, err
			}
			continue
		}

		match := reCheckoutToken.FindStringSubmatch(finalURL)
		if match == nil {
			return checkoutState{}, fmt.Errorf("failed to create checkout: no token in %s", finalURL)
		}
		state := checkoutState{checkoutURL: finalURL, token: match[1]}
		if shop := reShopID.FindStringSubmatch(finalURL); shop != nil {
			state.shopID = shop[1]
		}
		return state, nil
	}
	return checkoutState{}, fmt.Errorf("checkpoint not cleared after %d attempts", m.cfg.CheckpointRetries)
}

func (m *Module) submitInfo(ctx domain.Context, client *http.Client, state checkoutState, profile domain.Profile) error {
	ship := profile.Shipping
	form := url.Values{
		"checkout[email]":                          {profile.Email},
		"checkout[shipping_address][first_name]":   {ship.FirstName},
		"checkout[shipping_address][last_name]":    {ship.LastName},
		"checkout[shipping_address][address1]":     {ship.Address1},
		"checkout[shipping_address][address2]":     {ship.Address2},
		"checkout[shipping_address][city]":         {ship.City},
		"checkout[shipping_address][province]":     {ship.State},
		"checkout[shipping_address][zip]":          {ship.Zip},
		"checkout[shipping_address][country]":      {ship.Country},
		"checkout[shipping_address][phone]":        {profile.Phone},
	}
	status, _, _, err := postForm(ctx, client, state.checkoutURL, form)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("customer info: status %d", status)
	}
	return nil
}

func (m *Module) submitShipping(ctx domain.Context, client *http.Client, state checkoutState) error {
	shippingURL := state.checkoutURL + "?step=shipping_method"
	status, _, body, err := fetch(ctx, client, shippingURL)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("shipping page: status %d", status)
	}

	match := reShippingRate.FindSubmatch(body)
	if match == nil {
		// Some stores skip rate selection entirely.
		return nil
	}
	form := url.Values{"checkout[shipping_rate][id]": {string(match[1])}}
	if _, _, _, err := postForm(ctx, client, shippingURL, form); err != nil {
		return err
	}
	return nil
}

// inspectPaymentPage scrapes the gateway id and captcha site key in one
// round trip.
func (m *Module) inspectPaymentPage(ctx domain.Context, client *http.Client, state checkoutState) (gateway, siteKey string, needsCaptcha bool) {
	gateway = "credit_card"
	_, _, body, err := fetch(ctx, client, state.checkoutURL+"?step=payment_method")
	if err != nil {
		return gateway, "", false
	}
	if match := reGateway.FindSubmatch(body); match != nil {
		gateway = string(match[1])
	}
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "captcha") {
		needsCaptcha = true
		if match := reSiteKey.FindSubmatch(body); match != nil {
			siteKey = string(match[1])
		}
	}
	return gateway, siteKey, needsCaptcha
}

func (m *Module) submitPayment(ctx domain.Context, client *http.Client, state checkoutState, profile domain.Profile, gateway, vaultID, captchaToken string) domain.TaskResult {
	form := url.Values{
		"checkout[payment_gateway]":                  {gateway},
		"checkout[credit_card][vault]":               {"false"},
		"checkout[different_billing_address]":        {boolField(!profile.BillingSameAsShipping)},
		"complete":                                   {"1"},
		"s":                                          {vaultID},
		"checkout[client_details][browser_width]":    {"1920"},
		"checkout[client_details][browser_height]":   {"1080"},
		"checkout[client_details][javascript_enabled]": {"1"},
	}
	if !profile.BillingSameAsShipping {
		bill := profile.BillingAddress()
		form.Set("checkout[billing_address][first_name]", bill.FirstName)
		form.Set("checkout[billing_address][last_name]", bill.LastName)
		form.Set("checkout[billing_address][address1]", bill.Address1)
		form.Set("checkout[billing_address][address2]", bill.Address2)
		form.Set("checkout[billing_address][city]", bill.City)
		form.Set("checkout[billing_address][province]", bill.State)
		form.Set("checkout[billing_address][zip]", bill.Zip)
		form.Set("checkout[billing_address][country]", bill.Country)
	}
	if captchaToken != "" {
		form.Set("g-recaptcha-response", captchaToken)
	}

	_, finalURL, body, err := postForm(ctx, client, state.checkoutURL+"?step=payment_method", form)
	if err != nil {
		return domain.TaskResult{ErrorMessage: "Payment submit failed: " + err.Error()}
	}
	return m.interpretPayment(ctx, client, finalURL, body)
}

// interpretPayment classifies the post-payment response, polling the
// processing page when the order is still settling.
func (m *Module) interpretPayment(ctx domain.Context, client *http.Client, finalURL string, body []byte) domain.TaskResult {
	if strings.Contains(finalURL, "thank_you") || strings.Contains(finalURL, "orders/") {
		return successResult(body)
	}

	if strings.Contains(finalURL, "processing") {
		for i := 0; i < m.cfg.ProcessingPolls; i++ {
			if err := sleep(ctx, m.cfg.ProcessingInterval); err != nil {
				return domain.TaskResult{ErrorMessage: "Cancelled while processing"}
			}
			_, pollURL, pollBody, err := fetch(ctx, client, finalURL)
			if err != nil {
				continue
			}
			if strings.Contains(pollURL, "thank_you") || strings.Contains(pollURL, "orders/") {
				return successResult(pollBody)
			}
			lower := strings.ToLower(string(pollBody))
			if strings.Contains(pollURL, "stock_problems") || strings.Contains(lower, "declined") {
				return domain.TaskResult{Declined: true, ErrorMessage: "Card declined"}
			}
		}
		return domain.TaskResult{ErrorMessage: "Payment processing timed out"}
	}

	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "declined") {
		return domain.TaskResult{Declined: true, ErrorMessage: "Card declined"}
	}
	if strings.Contains(lower, "error") {
		msg := "Payment error"
		if match := reNoticeError.FindSubmatch(body); match != nil {
			msg = strings.TrimSpace(string(match[1]))
		}
		return domain.TaskResult{ErrorMessage: msg}
	}
	return domain.TaskResult{ErrorMessage: "Unknown payment result"}
}

func successResult(body []byte) domain.TaskResult {
	order := "Unknown"
	if match := reOrderNumber.FindSubmatch(body); match != nil {
		order = string(match[1])
	}
	return domain.TaskResult{Success: true, OrderNumber: order}
}

func boolField(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// fetch GETs a URL and returns the status, the post-redirect URL and body.
func fetch(ctx domain.Context, client *http.Client, rawURL string) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return resp.StatusCode, resp.Request.URL.String(), body, nil
}

func postForm(ctx domain.Context, client *http.Client, rawURL string, form url.Values) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, fmt.Errorf("post %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return resp.StatusCode, resp.Request.URL.String(), body, nil
}

func hostOf(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return baseURL
}

// restoreJar preloads stored name/value cookies into a fresh jar.
func restoreJar(jar http.CookieJar, baseURL string, cookies map[string]string) {
	if len(cookies) == 0 {
		return
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return
	}
	set := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		set = append(set, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	jar.SetCookies(u, set)
}

// jarCookies dumps the jar's cookies for the store domain as name/value
// pairs the CookieStore understands.
func jarCookies(jar http.CookieJar, baseURL string) map[string]string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	out := make(map[string]string)
	for _, c := range jar.Cookies(u) {
		out[c.Name] = c.Value
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
