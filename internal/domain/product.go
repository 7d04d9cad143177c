package domain

import (
	"sort"
	"strings"
	"time"
)

// Product is a normalized observation of a store product.
type Product struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	SKU       string            `json:"sku,omitempty"`
	Price     float64           `json:"price"`
	ImageURL  string            `json:"image_url,omitempty"`
	Available bool              `json:"available"`
	Sizes     []string          `json:"sizes"`
	Variants  map[string]string `json:"variants,omitempty"` // variant id -> size label
	ObservedAt time.Time        `json:"observed_at"`
}

// Fingerprint collapses an observation to the string compared between polls:
// the url plus the sorted in-stock size set. Title or price edits alone do
// not change it unless the size set moved.
func (p Product) Fingerprint() string {
	sizes := make([]string, len(p.Sizes))
	copy(sizes, p.Sizes)
	sort.Strings(sizes)
	return p.URL + ":" + strings.Join(sizes, ",")
}

// EventType classifies what changed between two observations of a product.
type EventType string

const (
	EventNewProduct  EventType = "new_product"
	EventRestock     EventType = "restock"
	EventSizeChange  EventType = "size_change"
	EventPriceChange EventType = "price_change"
)

// EventPriority buckets events for downstream consumers.
type EventPriority string

const (
	PriorityHigh   EventPriority = "high"
	PriorityMedium EventPriority = "medium"
	PriorityLow    EventPriority = "low"
)

// AtLeast reports whether p ranks at or above min.
func (p EventPriority) AtLeast(min EventPriority) bool {
	rank := map[EventPriority]int{PriorityLow: 0, PriorityMedium: 1, PriorityHigh: 2}
	return rank[p] >= rank[min]
}

// MatchResult carries the keyword-matcher verdict attached to an event.
type MatchResult struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
}

// ProductEvent is emitted by the monitor engine when a watched product
// changes in a way that matched the monitor's keywords.
type ProductEvent struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Source    string        `json:"source"`
	StoreName string        `json:"store_name"`
	StoreURL  string        `json:"store_url"`
	Product   Product       `json:"product"`
	Match     MatchResult   `json:"match"`
	Priority  EventPriority `json:"priority"`
	Timestamp time.Time     `json:"timestamp"`
}

// WebhookReceived is the normalized form of an accepted inbound webhook.
type WebhookReceived struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	ReceivedAt time.Time     `json:"received_at"`
}
