package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopifyFeed = `{
  "products": [
    {
      "id": 101,
      "title": "Air Jordan 4 Retro Military Blue",
      "handle": "air-jordan-4-retro-military-blue",
      "variants": [
        {"id": 1, "title": "8", "option1": "8", "available": true, "price": "210.00"},
        {"id": 2, "title": "9", "option1": "9", "available": false, "price": "210.00"},
        {"id": 3, "title": "10", "option1": "10", "available": true, "price": "210.00"}
      ],
      "images": [{"src": "https://cdn/img.jpg"}]
    },
    {
      "id": 102,
      "title": "Sold Out Tee",
      "handle": "sold-out-tee",
      "variants": [
        {"id": 4, "title": "M", "option1": "M", "available": false, "price": "40.00"}
      ],
      "images": []
    }
  ]
}`

func TestShopifySourceCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products.json", r.URL.Path)
		assert.Equal(t, "250", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(shopifyFeed))
	}))
	defer srv.Close()

	src := NewShopifySource("kith", srv.URL, srv.Client())
	res, err := src.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Products, 2)

	p := res.Products[0]
	assert.Equal(t, srv.URL+"/products/air-jordan-4-retro-military-blue", p.URL)
	assert.True(t, p.Available)
	assert.Equal(t, []string{"8", "10"}, p.Sizes)
	assert.Equal(t, map[string]string{"1": "8", "3": "10"}, p.Variants)
	assert.Equal(t, 210.0, p.Price)
	assert.Equal(t, "https://cdn/img.jpg", p.ImageURL)

	assert.False(t, res.Products[1].Available)
	assert.Empty(t, res.Products[1].Sizes)
}

func TestShopifySourceRateLimited(t *testing.T) {
	for _, code := range []int{429, 430} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		src := NewShopifySource("kith", srv.URL, srv.Client())
		res, err := src.Check(context.Background())
		srv.Close()
		require.NoError(t, err)
		assert.True(t, res.RateLimited, "status %d should signal throttling", code)
	}
}

func TestShopifySourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewShopifySource("kith", srv.URL, srv.Client())
	_, err := src.Check(context.Background())
	require.Error(t, err)
}

func TestFootsitesSourceCheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/products/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "jordan 4", r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"products":[{"id":"p1","name":"Air Jordan 4","sku":"DH6927-111","price":215.0,"image":"img"}]}`))
	})
	mux.HandleFunc("/api/products/p1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"variants":[{"id":"v1","size":"9.5","available":true},{"id":"v2","size":"10","available":false}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewFootsitesSource("footlocker", srv.URL+"/api", "jordan 4", srv.Client())
	res, err := src.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Products, 1)

	p := res.Products[0]
	assert.Equal(t, "DH6927-111", p.SKU)
	assert.True(t, p.Available)
	assert.Equal(t, []string{"9.5"}, p.Sizes)
	assert.Equal(t, map[string]string{"v1": "9.5"}, p.Variants)
}

func TestFootsitesSourceRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewFootsitesSource("footlocker", srv.URL+"/api", "jordan", srv.Client())
	res, err := src.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.RateLimited)
}
