package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phantomlabs/phantom/internal/domain"
)

// ShopifySource polls a Shopify storefront's public products.json feed.
type ShopifySource struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewShopifySource polls baseURL (scheme + host, no trailing slash).
func NewShopifySource(name, baseURL string, client *http.Client) *ShopifySource {
	return &ShopifySource{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *ShopifySource) Name() string { return s.name }

type shopifyVariant struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Option1   string `json:"option1"`
	Available bool   `json:"available"`
	Price     string `json:"price"`
}

type shopifyProduct struct {
	ID       int64            `json:"id"`
	Title    string           `json:"title"`
	Handle   string           `json:"handle"`
	Variants []shopifyVariant `json:"variants"`
	Images   []struct {
		Src string `json:"src"`
	} `json:"images"`
}

// Check fetches up to 250 products and normalizes availability per variant.
// Shopify signals throttling with 429 or its custom 430 status.
func (s *ShopifySource) Check(ctx domain.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/products.json?limit=250", nil)
	if err != nil {
		return Result{}, fmt.Errorf("shopify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("shopify check %s: %w", s.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 430 {
		return Result{RateLimited: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("shopify check %s: status %d", s.name, resp.StatusCode)
	}

	var body struct {
		Products []shopifyProduct `json:"products"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("shopify decode: %w", err)
	}

	now := time.Now()
	products := make([]domain.Product, 0, len(body.Products))
	for _, sp := range body.Products {
		p := domain.Product{
			URL:        s.baseURL + "/products/" + sp.Handle,
			Title:      sp.Title,
			Variants:   make(map[string]string, len(sp.Variants)),
			ObservedAt: now,
		}
		if len(sp.Images) > 0 {
			p.ImageURL = sp.Images[0].Src
		}
		for _, v := range sp.Variants {
			size := v.Option1
			if size == "" {
				size = v.Title
			}
			if p.Price == 0 {
				if price, err := strconv.ParseFloat(v.Price, 64); err == nil {
					p.Price = price
				}
			}
			if !v.Available {
				continue
			}
			p.Available = true
			p.Sizes = append(p.Sizes, size)
			p.Variants[strconv.FormatInt(v.ID, 10)] = size
		}
		products = append(products, p)
	}
	return Result{Products: products}, nil
}
