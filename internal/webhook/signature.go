package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/phantomlabs/phantom/internal/domain"
)

// CanonicalBody serializes a payload to the form that gets signed: compact
// JSON with object keys sorted, no HTML escaping and every non-ASCII rune
// written as a \uXXXX escape. A sender emitting sorted compact ASCII JSON
// in any language reproduces these bytes exactly.
func CanonicalBody(payload map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("canonical body: %w", err)
	}
	return escapeNonASCII(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// escapeNonASCII rewrites runes above 0x7F as lowercase \uXXXX escapes,
// using surrogate pairs beyond the basic plane. Non-ASCII bytes only occur
// inside string literals, so a blanket pass over the document is safe.
func escapeNonASCII(in []byte) []byte {
	ascii := true
	for _, b := range in {
		if b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return in
	}
	var out bytes.Buffer
	out.Grow(len(in) + 16)
	for _, r := range string(in) {
		switch {
		case r < 0x80:
			out.WriteByte(byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}

// Signature computes the signature header value for a payload.
func Signature(secret string, payload map[string]any) (string, error) {
	body, err := CanonicalBody(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// verifySignature checks a presented signature in constant time.
func verifySignature(secret string, payload map[string]any, presented string) error {
	if presented == "" || !strings.HasPrefix(presented, "sha256=") {
		return fmt.Errorf("webhook signature missing or malformed: %w", domain.ErrUnauthorized)
	}
	expected, err := Signature(secret, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return fmt.Errorf("webhook signature mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}
