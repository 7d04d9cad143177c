package captcha

import (
	"net/url"
	"sync"
	"time"
)

// tokenLifetime is how long a pre-solved recaptcha token stays usable.
const tokenLifetime = 110 * time.Second

// TokenBank pools pre-solved tokens per (domain, site key) so checkout can
// skip the provider round trip. An external harvester feeds it.
type TokenBank struct {
	maxPerSite int

	mu     sync.Mutex
	tokens map[string][]bankedToken
	now    func() time.Time
}

type bankedToken struct {
	token    string
	storedAt time.Time
}

// NewTokenBank returns a bank keeping up to maxPerSite tokens per site.
func NewTokenBank(maxPerSite int) *TokenBank {
	if maxPerSite <= 0 {
		maxPerSite = 5
	}
	return &TokenBank{
		maxPerSite: maxPerSite,
		tokens:     make(map[string][]bankedToken),
		now:        time.Now,
	}
}

func bankKey(pageURL, siteKey string) string {
	host := pageURL
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return host + ":" + siteKey
}

// Add stores a harvested token.
func (b *TokenBank) Add(pageURL, siteKey, token string) {
	key := bankKey(pageURL, siteKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.tokens[key], bankedToken{token: token, storedAt: b.now()})
	if len(list) > b.maxPerSite {
		list = list[len(list)-b.maxPerSite:]
	}
	b.tokens[key] = list
}

// Take pops the oldest still-valid token for a site, if any.
func (b *TokenBank) Take(pageURL, siteKey string) (string, bool) {
	key := bankKey(pageURL, siteKey)
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.tokens[key]
	for len(list) > 0 {
		t := list[0]
		list = list[1:]
		if b.now().Sub(t.storedAt) < tokenLifetime {
			b.tokens[key] = list
			return t.token, true
		}
	}
	b.tokens[key] = list
	return "", false
}

// Stats returns the count of valid tokens per site key.
func (b *TokenBank) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.tokens))
	for key, list := range b.tokens {
		n := 0
		for _, t := range list {
			if b.now().Sub(t.storedAt) < tokenLifetime {
				n++
			}
		}
		out[key] = n
	}
	return out
}
