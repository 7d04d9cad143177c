package shopify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/phantomlabs/phantom/internal/domain"
)

// vaultCard tokenises the card against the platform vault and returns the
// session id referenced by the payment form. Raw card data goes only to
// the vault request; errors never echo it.
func vaultCard(ctx domain.Context, client *http.Client, vaultURL string, profile domain.Profile) (string, error) {
	card := profile.Card
	month, err := strconv.Atoi(card.ExpMonth)
	if err != nil {
		return "", fmt.Errorf("card expiry month: %w", domain.ErrInvalidArgument)
	}
	year, err := strconv.Atoi(card.ExpYear)
	if err != nil {
		return "", fmt.Errorf("card expiry year: %w", domain.ErrInvalidArgument)
	}

	payload, err := json.Marshal(map[string]any{
		"credit_card": map[string]any{
			"number":             card.Number,
			"name":               card.Holder,
			"month":              month,
			"year":               year,
			"verification_value": card.CVV,
		},
	})
	if err != nil {
		return "", fmt.Errorf("vault payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, vaultURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("vault read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault: status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("vault response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("vault response missing id")
	}
	return out.ID, nil
}
