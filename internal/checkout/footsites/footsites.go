// Package footsites drives checkout for the Footsites family (Foot Locker,
// Champs, Eastbay, Finish Line): JSON cart and checkout APIs, waiting-room
// handling and Adyen client-side encrypted payments.
package footsites

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
	"strconv"
	"strings"
	"time"

	"github.com/phantomlabs/phantom/internal/checkout"
	"github.com/phantomlabs/phantom/internal/checkout/adyen"
	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/session"
)

// recaptchaSiteKey is the key the Footsites checkout pages serve.
const recaptchaSiteKey = "6LccSjEUAAAAANCPhaM2c-WiRxCZ5CzsjR_4MVst"

const (
	defaultQueueInterval = 3 * time.Second
	defaultQueuePolls    = 60
	searchLimit          = 24
)

var adyenKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`["']adyenKey["']\s*[:=]\s*["']([0-9A-Fa-f]+\|[0-9A-Fa-f]+)["']`),
	regexp.MustCompile(`publicKey["']?\s*[:=]\s*["']([0-9A-Fa-f]+\|[0-9A-Fa-f]+)["']`),
}

// Config tunes the state machine.
type Config struct {
	Sites         map[string]SiteConfig // nil uses the production set
	QueueInterval time.Duration
	QueuePolls    int
}

func (c Config) withDefaults() Config {
	if c.Sites == nil {
		c.Sites = Sites
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = defaultQueueInterval
	}
	if c.QueuePolls <= 0 {
		c.QueuePolls = defaultQueuePolls
	}
	return c
}

// Module is the Footsites checkout engine.
type Module struct {
	cfg      Config
	sessions *session.Factory
}

// New builds the module around a session factory.
func New(cfg Config, sessions *session.Factory) *Module {
	return &Module{cfg: cfg.withDefaults(), sessions: sessions}
}

// Site implements checkout.Module.
func (m *Module) Site() domain.SiteType { return domain.SiteFootsites }

type checkoutSession struct {
	cartID       string
	sessionToken string
	csrfToken    string
}

// Checkout implements checkout.Module.
func (m *Module) Checkout(ctx domain.Context, in checkout.Input) domain.TaskResult {
	start := time.Now()
	siteName := strings.ToLower(in.Task.Config.SiteName)
	site, ok := m.cfg.Sites[siteName]
	if !ok {
		return checkout.Failure("Unsupported site: "+siteName, "", time.Since(start))
	}
	log := slog.With(slog.String("task_id", in.Task.ShortID()), slog.String("site", siteName))

	sess, err := m.sessions.New(session.Options{
		Proxy: in.Proxy,
		Seed:  in.Task.ID,
		ExtraHeaders: map[string]string{
			"Accept":  "application/json",
			"Origin":  site.BaseURL(),
			"Referer": site.BaseURL() + "/",
		},
	})
	if err != nil {
		return checkout.Failure("Session setup failed: "+err.Error(), "", time.Since(start))
	}
	defer sess.Close()
	client := sess.Client

	in.Report(domain.StatusMonitoring, "Finding product...")

	if err := m.waitForQueue(ctx, client, site, in); err != nil {
		return checkout.Failure(err.Error(), site.BaseURL(), time.Since(start))
	}

	pick, err := m.findProduct(ctx, client, site, in.Task.Config.MonitorInput, in.Task.Config.Sizes)
	if err != nil {
		return checkout.Failure("Product not found or out of stock", "", time.Since(start))
	}
	log.Debug("variant selected", slog.String("product_id", pick.ProductID), slog.String("size", pick.Size))

	cartID, err := m.addToCart(ctx, client, site, pick)
	if err != nil {
		return checkout.Failure("Failed to add to cart", "", time.Since(start))
	}
	in.Report(domain.StatusCarted, "Added to cart!")

	cs, err := m.createSession(ctx, client, site, cartID)
	if err != nil {
		return checkout.Failure("Failed to create checkout session", "", time.Since(start))
	}

	in.Report(domain.StatusSubmittingInfo, "Submitting info...")
	if err := m.submitShipping(ctx, client, site, cs, in.Profile); err != nil {
		return checkout.Failure("Failed to submit shipping info", "", time.Since(start))
	}

	result := m.submitPayment(ctx, client, site, cs, in)
	result.ProductTitle = pick.Name
	result.Size = pick.Size
	result.Elapsed = time.Since(start)
	result.Timestamp = time.Now()
	return result
}

// waitForQueue polls the landing page while the waiting room is active.
func (m *Module) waitForQueue(ctx domain.Context, client *http.Client, site SiteConfig, in checkout.Input) error {
	queued := func() (bool, error) {
		_, _, body, err := get(ctx, client, site.BaseURL()+"/")
		if err != nil {
			return true, err
		}
		lower := strings.ToLower(string(body))
		return strings.Contains(lower, "queue") || strings.Contains(lower, "waiting room"), nil
	}

	inQueue, err := queued()
	if err != nil {
		return fmt.Errorf("landing page: %w", err)
	}
	if !inQueue {
		return nil
	}

	in.Report(domain.StatusCheckoutQueue, "Waiting in queue...")
	for i := 0; i < m.cfg.QueuePolls; i++ {
		if err := sleep(ctx, m.cfg.QueueInterval); err != nil {
			return err
		}
		inQueue, err = queued()
		if err != nil {
			continue
		}
		if !inQueue {
			slog.Info("queue cleared", slog.Int("polls", i+1))
			return nil
		}
	}
	return fmt.Errorf("queue wait timed out")
}

type productPick struct {
	ProductID string
	VariantID string
	Name      string
	Size      string
}

func (m *Module) findProduct(ctx domain.Context, client *http.Client, site SiteConfig, input string, sizes []string) (productPick, error) {
	searchURL := site.APIBase + "/products/search?query=" + url.QueryEscape(input) + "&limit=" + strconv.Itoa(searchLimit)
	status, _, body, err := get(ctx, client, searchURL)
	if err != nil {
		return productPick{}, err
	}
	if status != http.StatusOK {
		return productPick{}, fmt.Errorf("search: status %d", status)
	}

	var search struct {
		Products []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"products"`
	}
	if err := json.Unmarshal(body, &search); err != nil {
		return productPick{}, fmt.Errorf("search: %w", err)
	}

	for _, p := range search.Products {
		status, _, body, err := get(ctx, client, site.APIBase+"/products/"+p.ID)
		if err != nil || status != http.StatusOK {
			continue
		}
		var detail struct {
			Variants []struct {
				ID        string `json:"id"`
				Size      string `json:"size"`
				Available bool   `json:"available"`
			} `json:"variants"`
		}
		if err := json.Unmarshal(body, &detail); err != nil {
			continue
		}
		for _, v := range detail.Variants {
			if !v.Available {
				continue
			}
			size := strings.TrimSpace(v.Size)
			if !sizeWanted(size, sizes) {
				continue
			}
			return productPick{ProductID: p.ID, VariantID: v.ID, Name: p.Name, Size: size}, nil
		}
	}
	return productPick{}, domain.ErrOutOfStock
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

func (m *Module) addToCart(ctx domain.Context, client *http.Client, site SiteConfig, pick productPick) (string, error) {
	payload := map[string]any{
		"productId": pick.ProductID,
		"variantId": pick.VariantID,
		"quantity":  1,
	}
	status, body, err := postJSON(ctx, client, site.CartAPI, payload, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("cart: status %d", status)
	}
	var cart struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &cart); err != nil {
		return "", fmt.Errorf("cart: %w", err)
	}
	return cart.ID, nil
}

func (m *Module) createSession(ctx domain.Context, client *http.Client, site SiteConfig, cartID string) (checkoutSession, error) {
	status, body, err := postJSON(ctx, client, site.CheckoutAPI+"/session", nil, nil)
	if err != nil {
		return checkoutSession{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return checkoutSession{}, fmt.Errorf("checkout session: status %d", status)
	}
	var out struct {
		SessionToken string `json:"sessionToken"`
		CSRFToken    string `json:"csrfToken"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return checkoutSession{}, fmt.Errorf("checkout session: %w", err)
	}
	return checkoutSession{cartID: cartID, sessionToken: out.SessionToken, csrfToken: out.CSRFToken}, nil
}

func (m *Module) submitShipping(ctx domain.Context, client *http.Client, site SiteConfig, cs checkoutSession, profile domain.Profile) error {
	ship := profile.Shipping
	payload := map[string]any{
		"email": profile.Email,
		"phone": profile.Phone,
		"shippingAddress": map[string]any{
			"firstName":  ship.FirstName,
			"lastName":   ship.LastName,
			"address1":   ship.Address1,
			"address2":   ship.Address2,
			"city":       ship.City,
			"state":      ship.State,
			"postalCode": ship.Zip,
			"country":    countryOrDefault(ship.Country),
		},
		"shippingMethod": "standard",
	}
	status, _, err := postJSON(ctx, client, site.CheckoutAPI+"/shipping", payload, cs.headers())
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("shipping: status %d", status)
	}
	return nil
}

// countryOrDefault falls back to US for profiles that leave the field
// blank, matching the storefront default.
func countryOrDefault(country string) string {
	if country == "" {
		return "US"
	}
	return country
}

func (cs checkoutSession) headers() map[string]string {
	return map[string]string{
		"X-Session-Token": cs.sessionToken,
		"X-CSRF-Token":    cs.csrfToken,
	}
}

func (m *Module) submitPayment(ctx domain.Context, client *http.Client, site SiteConfig, cs checkoutSession, in checkout.Input) domain.TaskResult {
	key, err := m.fetchAdyenKey(ctx, client, site)
	if err != nil {
		return domain.TaskResult{ErrorMessage: "Failed to get Adyen public key"}
	}
	enc, err := adyen.NewEncryptor(key)
	if err != nil {
		return domain.TaskResult{ErrorMessage: "Failed to get Adyen public key"}
	}

	card := in.Profile.Card
	encrypted := map[string]string{}
	for field, value := range map[string]string{
		"number":      card.Number,
		"expiryMonth": card.ExpMonth,
		"expiryYear":  card.ExpYear,
		"cvc":         card.CVV,
	} {
		out, err := enc.EncryptField(field, value)
		if err != nil {
			return domain.TaskResult{ErrorMessage: "Card encryption failed"}
		}
		encrypted[field] = out
	}

	captchaToken := ""
	if in.Captcha != nil {
		in.Report(domain.StatusSolvingCaptcha, "Solving captcha...")
		res, err := in.Captcha.Solve(ctx, domain.CaptchaRequest{
			Type:    domain.CaptchaRecaptchaV2,
			PageURL: site.BaseURL() + "/checkout",
			SiteKey: recaptchaSiteKey,
		})
		if err != nil {
			slog.Warn("captcha solve failed", slog.Any("error", err))
		} else if res.Success {
			captchaToken = res.Token
		}
	}

	in.Report(domain.StatusSubmittingPayment, "Submitting payment...")
	bill := in.Profile.BillingAddress()
	payload := map[string]any{
		"billingAddress": map[string]any{
			"firstName":  bill.FirstName,
			"lastName":   bill.LastName,
			"address1":   bill.Address1,
			"address2":   bill.Address2,
			"city":       bill.City,
			"state":      bill.State,
			"postalCode": bill.Zip,
			"country":    countryOrDefault(bill.Country),
		},
		"payment": map[string]any{
			"method":               "card",
			"encryptedCardNumber":  encrypted["number"],
			"encryptedExpiryMonth": encrypted["expiryMonth"],
			"encryptedExpiryYear":  encrypted["expiryYear"],
			"encryptedSecurityCode": encrypted["cvc"],
		},
	}
	if captchaToken != "" {
		payload["captchaToken"] = captchaToken
	}

	status, body, err := postJSON(ctx, client, site.CheckoutAPI+"/payment", payload, cs.headers())
	if err != nil {
		return domain.TaskResult{ErrorMessage: "Payment submit failed: " + err.Error()}
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return domain.TaskResult{ErrorMessage: fmt.Sprintf("HTTP %d", status)}
	}

	var out struct {
		Status      string  `json:"status"`
		OrderNumber string  `json:"orderNumber"`
		Total       float64 `json:"total"`
		Message     string  `json:"message"`
		Action      *struct {
			Type string `json:"type"`
		} `json:"action"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.TaskResult{ErrorMessage: "Unreadable payment response"}
	}

	switch {
	case out.Status == "success":
		return domain.TaskResult{Success: true, OrderNumber: out.OrderNumber, TotalPrice: out.Total}
	case out.Action != nil && out.Action.Type == "redirect":
		return domain.TaskResult{ErrorMessage: "3DS authentication required (not yet supported)"}
	default:
		msg := out.Message
		if msg == "" {
			msg = "Payment failed"
		}
		return domain.TaskResult{
			Declined:     strings.Contains(strings.ToLower(msg), "declined"),
			ErrorMessage: msg,
		}
	}
}

// fetchAdyenKey scrapes the merchant public key from the checkout page JS.
func (m *Module) fetchAdyenKey(ctx domain.Context, client *http.Client, site SiteConfig) (string, error) {
	_, _, body, err := get(ctx, client, site.BaseURL()+"/checkout")
	if err != nil {
		return "", err
	}
	for _, re := range adyenKeyPatterns {
		if match := re.FindSubmatch(body); match != nil {
			return string(match[1]), nil
		}
	}
	return "", fmt.Errorf("adyen key not found on payment page")
}

func get(ctx domain.Context, client *http.Client, rawURL string) (int, string, []byte, error) {
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

func postJSON(ctx domain.Context, client *http.Client, rawURL string, payload any, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s: %w", rawURL, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return resp.StatusCode, body, nil
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
