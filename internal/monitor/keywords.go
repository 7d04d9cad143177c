// Package monitor implements the product monitoring engine: polling loops
// over store sources, keyword matching, change classification and the
// product-event bus.
package monitor

import (
	"log/slog"
	"regexp"
	"strings"
)

// KeywordSet is the parsed form of a keyword expression:
//
//	+keyword   positive (at least one must hit)
//	-keyword   negative (any hit rejects)
//	*keyword   required (all must hit)
//	SKU:AB123  style-code match
//	/regex/    case-insensitive pattern
//
// Bare tokens count as positive keywords.
type KeywordSet struct {
	Positive []string
	Negative []string
	Required []string
	SKUs     []string
	Regexps  []*regexp.Regexp
}

// ParseKeywords splits a comma-separated keyword expression.
// Invalid regex patterns are logged and dropped.
func ParseKeywords(s string) KeywordSet {
	var ks KeywordSet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case strings.HasPrefix(part, "+"):
			ks.Positive = append(ks.Positive, strings.TrimSpace(strings.ToLower(part[1:])))
		case strings.HasPrefix(part, "-"):
			ks.Negative = append(ks.Negative, strings.TrimSpace(strings.ToLower(part[1:])))
		case strings.HasPrefix(part, "*"):
			ks.Required = append(ks.Required, strings.TrimSpace(strings.ToLower(part[1:])))
		case strings.HasPrefix(strings.ToUpper(part), "SKU:"):
			ks.SKUs = append(ks.SKUs, strings.ToUpper(strings.TrimSpace(part[4:])))
		case strings.HasPrefix(part, "/") && strings.HasSuffix(part, "/") && len(part) > 1:
			re, err := regexp.Compile("(?i)" + part[1:len(part)-1])
			if err != nil {
				slog.Warn("invalid regex pattern", slog.String("pattern", part))
				continue
			}
			ks.Regexps = append(ks.Regexps, re)
		default:
			ks.Positive = append(ks.Positive, strings.ToLower(part))
		}
	}
	return ks
}

// Match evaluates a product against the set. Order matters: style codes win
// outright, negatives and missing requireds reject, regex hits score 0.9,
// positives score on coverage, and an empty set matches everything at 0.5.
func (ks KeywordSet) Match(title, sku, description string) (bool, float64) {
	text := strings.ToLower(title)
	if description != "" {
		text += " " + strings.ToLower(description)
	}

	if sku != "" && len(ks.SKUs) > 0 {
		skuUpper := strings.ToUpper(sku)
		for _, pattern := range ks.SKUs {
			if strings.Contains(skuUpper, pattern) || strings.Contains(pattern, skuUpper) {
				return true, 1.0
			}
		}
	}

	for _, neg := range ks.Negative {
		if strings.Contains(text, neg) {
			return false, 0
		}
	}
	for _, req := range ks.Required {
		if !strings.Contains(text, req) {
			return false, 0
		}
	}
	for _, re := range ks.Regexps {
		if re.MatchString(text) {
			return true, 0.9
		}
	}

	if len(ks.Positive) > 0 {
		matched := 0
		for _, pos := range ks.Positive {
			if strings.Contains(text, pos) {
				matched++
			}
		}
		if matched == 0 {
			return false, 0
		}
		confidence := 0.5 + float64(matched)/float64(len(ks.Positive))*0.5
		if confidence > 1.0 {
			confidence = 1.0
		}
		return true, confidence
	}

	// No positives and no style codes: match-everything monitor mode.
	if len(ks.SKUs) == 0 {
		return true, 0.5
	}
	return false, 0
}
