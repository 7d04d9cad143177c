package footsites

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomlabs/phantom/internal/checkout"
	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/session"
)

type apiOpts struct {
	queuePages     int
	paymentOutcome string // success, declined, 3ds
}

type apiState struct {
	mu             sync.Mutex
	landingHits    int
	shippingBody   []byte
	paymentHeaders http.Header
	paymentBody    []byte
}

func newFakeAPI(t *testing.T, opts apiOpts) (*httptest.Server, *apiState) {
	t.Helper()
	state := &apiState{}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	adyenKey := fmt.Sprintf("%x|%x", priv.E, priv.N)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		state.mu.Lock()
		state.landingHits++
		hits := state.landingHits
		state.mu.Unlock()
		if hits <= opts.queuePages {
			_, _ = w.Write([]byte("<html>You are in the waiting room</html>"))
			return
		}
		_, _ = w.Write([]byte("<html>welcome</html>"))
	})
	mux.HandleFunc("/checkout", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<script>var config = {"adyenKey": "%s"};</script>`, adyenKey)
	})
	mux.HandleFunc("/api/products/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "24", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"products":[{"id":"p1","name":"Air Jordan 4 Retro"}]}`))
	})
	mux.HandleFunc("/api/products/p1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"variants":[
		  {"id":"v1","size":"9.5","available":false},
		  {"id":"v2","size":"10","available":true}
		]}`))
	})
	mux.HandleFunc("/api/v3/cart", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "p1", payload["productId"])
		assert.Equal(t, "v2", payload["variantId"])
		assert.Equal(t, float64(1), payload["quantity"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cart1"}`))
	})
	mux.HandleFunc("/api/checkout/session", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sessionToken":"st-1","csrfToken":"ct-1"}`))
	})
	mux.HandleFunc("/api/checkout/shipping", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "st-1", r.Header.Get("X-Session-Token"))
		assert.Equal(t, "ct-1", r.Header.Get("X-CSRF-Token"))
		body, _ := io.ReadAll(r.Body)
		state.mu.Lock()
		state.shippingBody = body
		state.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/checkout/payment", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		state.mu.Lock()
		state.paymentHeaders = r.Header.Clone()
		state.paymentBody = body
		state.mu.Unlock()
		switch opts.paymentOutcome {
		case "declined":
			_, _ = w.Write([]byte(`{"status":"failed","message":"Payment declined by issuer"}`))
		case "3ds":
			_, _ = w.Write([]byte(`{"status":"pending","action":{"type":"redirect","url":"https://3ds"}}`))
		default:
			_, _ = w.Write([]byte(`{"status":"success","orderNumber":"FL-998877","total":215.0}`))
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, state
}

func testModule(srvURL string) *Module {
	factory := session.NewFactory(session.FactoryConfig{Timeout: 5 * time.Second})
	return New(Config{
		Sites: map[string]SiteConfig{
			"footlocker": {
				Domain:      srvURL,
				APIBase:     srvURL + "/api",
				CartAPI:     srvURL + "/api/v3/cart",
				CheckoutAPI: srvURL + "/api/checkout",
			},
		},
		QueueInterval: time.Millisecond,
		QueuePolls:    3,
	}, factory)
}

func testInput(statuses *[]domain.TaskStatus) checkout.Input {
	var mu sync.Mutex
	return checkout.Input{
		Task: domain.Task{
			ID: "task-ft-0001",
			Config: domain.TaskConfig{
				SiteType:     domain.SiteFootsites,
				SiteName:     "footlocker",
				SiteURL:      "https://www.footlocker.com",
				MonitorInput: "jordan 4",
				Sizes:        []string{"10"},
				ProfileID:    "p1",
			},
		},
		Profile: domain.Profile{
			ID:    "p1",
			Name:  "main",
			Email: "jane@example.com",
			Phone: "5551112222",
			Shipping: domain.Address{
				FirstName: "Jane", LastName: "Buyer", Address1: "1 Main St",
				City: "Boston", State: "MA", Zip: "02101", Country: "US",
			},
			BillingSameAsShipping: true,
			Card: domain.Card{
				Holder: "Jane Buyer", Number: "4111111111111111",
				ExpMonth: "03", ExpYear: "2030", CVV: "737",
			},
		},
		Status: func(s domain.TaskStatus, _ string) {
			if statuses != nil {
				mu.Lock()
				*statuses = append(*statuses, s)
				mu.Unlock()
			}
		},
	}
}

func TestFootsitesCheckoutSuccess(t *testing.T) {
	srv, _ := newFakeAPI(t, apiOpts{})
	m := testModule(srv.URL)

	var statuses []domain.TaskStatus
	res := m.Checkout(context.Background(), testInput(&statuses))

	assert.True(t, res.Success)
	assert.Equal(t, "FL-998877", res.OrderNumber)
	assert.Equal(t, 215.0, res.TotalPrice)
	assert.Equal(t, "Air Jordan 4 Retro", res.ProductTitle)
	assert.Equal(t, "10", res.Size)
	assert.Contains(t, statuses, domain.StatusCarted)
	assert.Contains(t, statuses, domain.StatusSubmittingPayment)
}

func TestFootsitesQueueClears(t *testing.T) {
	srv, state := newFakeAPI(t, apiOpts{queuePages: 2})
	m := testModule(srv.URL)

	var statuses []domain.TaskStatus
	res := m.Checkout(context.Background(), testInput(&statuses))

	assert.True(t, res.Success)
	assert.Contains(t, statuses, domain.StatusCheckoutQueue)
	state.mu.Lock()
	defer state.mu.Unlock()
	assert.GreaterOrEqual(t, state.landingHits, 3)
}

func TestFootsitesQueueTimeout(t *testing.T) {
	srv, _ := newFakeAPI(t, apiOpts{queuePages: 100})
	m := testModule(srv.URL)

	res := m.Checkout(context.Background(), testInput(nil))

	assert.False(t, res.Success)
	assert.Contains(t, strings.ToLower(res.ErrorMessage), "queue")
}

func TestFootsitesDeclined(t *testing.T) {
	srv, _ := newFakeAPI(t, apiOpts{paymentOutcome: "declined"})
	m := testModule(srv.URL)

	res := m.Checkout(context.Background(), testInput(nil))

	assert.False(t, res.Success)
	assert.True(t, res.Declined)
	assert.Equal(t, "Payment declined by issuer", res.ErrorMessage)
}

func TestFootsites3DSRedirectFails(t *testing.T) {
	srv, _ := newFakeAPI(t, apiOpts{paymentOutcome: "3ds"})
	m := testModule(srv.URL)

	res := m.Checkout(context.Background(), testInput(nil))

	assert.False(t, res.Success)
	assert.False(t, res.Declined)
	assert.Contains(t, res.ErrorMessage, "3DS")
}

func TestFootsitesUnsupportedSite(t *testing.T) {
	m := testModule("http://unused")
	in := testInput(nil)
	in.Task.Config.SiteName = "snipes"

	res := m.Checkout(context.Background(), in)

	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "Unsupported site")
}

func TestFootsitesPaymentPayloadIsEncrypted(t *testing.T) {
	srv, state := newFakeAPI(t, apiOpts{})
	m := testModule(srv.URL)

	res := m.Checkout(context.Background(), testInput(nil))
	require.True(t, res.Success)

	state.mu.Lock()
	defer state.mu.Unlock()

	assert.Equal(t, "st-1", state.paymentHeaders.Get("X-Session-Token"))
	assert.Equal(t, "ct-1", state.paymentHeaders.Get("X-CSRF-Token"))

	var payload struct {
		BillingAddress map[string]string `json:"billingAddress"`
		Payment        map[string]string `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(state.paymentBody, &payload))
	assert.Equal(t, "Jane", payload.BillingAddress["firstName"])
	assert.Equal(t, "02101", payload.BillingAddress["postalCode"])
	assert.Equal(t, "card", payload.Payment["method"])
	for _, field := range []string{
		"encryptedCardNumber", "encryptedExpiryMonth", "encryptedExpiryYear", "encryptedSecurityCode",
	} {
		value := payload.Payment[field]
		parts := strings.Split(value, "$")
		assert.Len(t, parts, 3, field)
		assert.Equal(t, "adyenjs_0_1_25", parts[0], field)
	}
	assert.NotContains(t, string(state.paymentBody), "4111111111111111", "pan never travels in clear")
}

func TestFootsitesAddressCountryTravels(t *testing.T) {
	srv, state := newFakeAPI(t, apiOpts{})
	m := testModule(srv.URL)

	in := testInput(nil)
	in.Profile.Shipping.Country = "CA"

	res := m.Checkout(context.Background(), in)
	require.True(t, res.Success)

	state.mu.Lock()
	defer state.mu.Unlock()

	var shipping struct {
		ShippingAddress map[string]string `json:"shippingAddress"`
	}
	require.NoError(t, json.Unmarshal(state.shippingBody, &shipping))
	assert.Equal(t, "CA", shipping.ShippingAddress["country"])

	// Billing mirrors shipping here, so its country rides along too.
	var payment struct {
		BillingAddress map[string]string `json:"billingAddress"`
	}
	require.NoError(t, json.Unmarshal(state.paymentBody, &payment))
	assert.Equal(t, "CA", payment.BillingAddress["country"])
}

func TestFootsitesBlankCountryDefaultsToUS(t *testing.T) {
	srv, state := newFakeAPI(t, apiOpts{})
	m := testModule(srv.URL)

	in := testInput(nil)
	in.Profile.Shipping.Country = ""

	res := m.Checkout(context.Background(), in)
	require.True(t, res.Success)

	state.mu.Lock()
	defer state.mu.Unlock()

	var shipping struct {
		ShippingAddress map[string]string `json:"shippingAddress"`
	}
	require.NoError(t, json.Unmarshal(state.shippingBody, &shipping))
	assert.Equal(t, "US", shipping.ShippingAddress["country"])
}

func TestSiteConfigBaseURL(t *testing.T) {
	assert.Equal(t, "https://www.footlocker.com", Sites["footlocker"].BaseURL())
	assert.Equal(t, "http://127.0.0.1:1", SiteConfig{Domain: "http://127.0.0.1:1"}.BaseURL())
	assert.Len(t, Sites, 4)
}
