package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"unicode/utf8"
)

const (
	// charsPerToken is the rough size of one token in characters.
	charsPerToken = 3.0

	// safetyMargin inflates estimates to cover output tokens.
	safetyMargin = 1.5

	// UnknownModelPrice is the per-million-token price assumed for models
	// missing from the table.
	UnknownModelPrice = 1.0

	fingerprintLen = 24
)

// Pricing maps model names to USD per million tokens.
type Pricing map[string]float64

// DefaultPricing returns a fresh copy of the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-3-5-sonnet-latest": 3.0,
		"claude-3-5-haiku-latest":  0.80,
		"gemini-1.5-pro":           1.25,
		"gemini-1.5-flash":         0.15,
		"gpt-4o-mini":              0.15,
		"gpt-4o":                   5.0,
	}
}

// With returns a copy of p with the given overrides applied. Non-positive
// overrides are ignored.
func (p Pricing) With(overrides map[string]float64) Pricing {
	out := maps.Clone(p)
	if out == nil {
		out = Pricing{}
	}
	for model, price := range overrides {
		if price > 0 {
			out[model] = price
		}
	}
	return out
}

// Price returns the per-million-token price of model.
func (p Pricing) Price(model string) float64 {
	if price, ok := p[model]; ok {
		return price
	}
	return UnknownModelPrice
}

// Estimate returns the expected USD cost of sending instruction and text to
// model: about three characters per token, with a 1.5× margin for output.
func (p Pricing) Estimate(model, instruction, text string) float64 {
	tokens := float64(utf8.RuneCountInString(instruction)+utf8.RuneCountInString(text)) / charsPerToken
	return tokens / 1_000_000 * p.Price(model) * safetyMargin
}

// Fingerprint returns the cache key of a request: the first 24 hex digits of
// SHA-256 over instruction, a "|" separator, and content.
func Fingerprint(instruction, content string) string {
	h := sha256.New()
	h.Write([]byte(instruction))
	h.Write([]byte("|"))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}
