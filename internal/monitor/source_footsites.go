package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phantomlabs/phantom/internal/domain"
)

// footsiteDetailLimit caps per-tick detail fetches so one poll does not
// hammer the API.
const footsiteDetailLimit = 8

// FootsitesSource polls a Footsites-family search API (Foot Locker, Champs,
// Eastbay, Finish Line) for a query, resolving sizes via product details.
type FootsitesSource struct {
	name    string
	apiBase string
	query   string
	client  *http.Client
}

// NewFootsitesSource polls apiBase (".../api") for query.
func NewFootsitesSource(name, apiBase, query string, client *http.Client) *FootsitesSource {
	return &FootsitesSource{
		name:    name,
		apiBase: strings.TrimRight(apiBase, "/"),
		query:   query,
		client:  client,
	}
}

func (s *FootsitesSource) Name() string { return s.name }

type footsiteSearchProduct struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	SKU   string  `json:"sku"`
	Price float64 `json:"price"`
	Image string  `json:"image"`
	URL   string  `json:"url"`
}

type footsiteVariant struct {
	ID        string `json:"id"`
	Size      string `json:"size"`
	Available bool   `json:"available"`
}

// Check searches and then resolves variants for the first few hits.
func (s *FootsitesSource) Check(ctx domain.Context) (Result, error) {
	searchURL := fmt.Sprintf("%s/products/search?query=%s&limit=24", s.apiBase, url.QueryEscape(s.query))
	var body struct {
		Products []footsiteSearchProduct `json:"products"`
	}
	rateLimited, err := s.getJSON(ctx, searchURL, &body)
	if err != nil {
		return Result{}, err
	}
	if rateLimited {
		return Result{RateLimited: true}, nil
	}

	now := time.Now()
	products := make([]domain.Product, 0, len(body.Products))
	for i, sp := range body.Products {
		p := domain.Product{
			URL:        sp.URL,
			Title:      sp.Name,
			SKU:        sp.SKU,
			Price:      sp.Price,
			ImageURL:   sp.Image,
			Variants:   make(map[string]string),
			ObservedAt: now,
		}
		if p.URL == "" {
			p.URL = s.apiBase + "/products/" + sp.ID
		}
		if i < footsiteDetailLimit {
			var detail struct {
				Variants []footsiteVariant `json:"variants"`
			}
			limited, err := s.getJSON(ctx, s.apiBase+"/products/"+sp.ID, &detail)
			if err == nil && !limited {
				for _, v := range detail.Variants {
					if !v.Available {
						continue
					}
					p.Available = true
					p.Sizes = append(p.Sizes, v.Size)
					p.Variants[v.ID] = v.Size
				}
			}
		}
		products = append(products, p)
	}
	return Result{Products: products}, nil
}

func (s *FootsitesSource) getJSON(ctx domain.Context, u string, out any) (rateLimited bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("footsites request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("footsites check %s: %w", s.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("footsites check %s: status %d", s.name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("footsites decode: %w", err)
	}
	return false, nil
}
