// Package lnurl implements the bech32 text encoding used to carry
// Lightning withdraw links on NFC tags, plus the helpers the agent
// needs to classify and display them.
package lnurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// HRP is the human-readable part of every bech32-encoded LNURL.
const HRP = "lnurl"

const lightningScheme = "lightning:"

// ErrInvalidLNURL marks text that claims to be bech32 LNURL but does
// not decode to one.
var ErrInvalidLNURL = errors.New("invalid lnurl")

// Link types reported by Inspect.
const (
	TypeWithdraw = "withdraw"
	TypeUnknown  = "unknown"
)

// Codec encodes and decodes LNURL strings. With Bech32 false the codec
// passes plain URLs through untouched, for services that hand out bare
// withdraw links.
type Codec struct {
	Bech32 bool
}

// NewCodec returns a Codec with bech32 encoding enabled.
func NewCodec() Codec {
	return Codec{Bech32: true}
}

// Encode turns a plain URL into its on-tag form: bech32 with the lnurl
// prefix, upper-cased for denser NFC/QR payloads.
func (c Codec) Encode(rawURL string) (string, error) {
	if !c.Bech32 {
		return rawURL, nil
	}

	grouped, err := bech32.ConvertBits([]byte(rawURL), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidLNURL, err)
	}
	encoded, err := bech32.Encode(HRP, grouped)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidLNURL, err)
	}
	return strings.ToUpper(encoded), nil
}

// Decode turns tag text back into a plain URL. Plain http(s) URLs pass
// through, a lightning: prefix is stripped, and anything beginning
// with lnurl is bech32-decoded. Other text is assumed to already be a
// URL and returned unchanged.
func (c Codec) Decode(text string) (string, error) {
	if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
		return text, nil
	}

	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, lightningScheme) {
		text = text[len(lightningScheme):]
		lower = lower[len(lightningScheme):]
	}

	if !strings.HasPrefix(lower, HRP) {
		return text, nil
	}

	// LNURLs routinely exceed the 90-character BIP-173 cap, hence
	// DecodeNoLimit. The decoder wants uniform case.
	hrp, grouped, err := bech32.DecodeNoLimit(lower)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidLNURL, err)
	}
	if hrp != HRP {
		return "", fmt.Errorf("%w: unexpected prefix %q", ErrInvalidLNURL, hrp)
	}

	decoded, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidLNURL, err)
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidLNURL)
	}
	return string(decoded), nil
}

// Validate reports whether text decodes to a structurally sound URL
// with both a scheme and a host.
func (c Codec) Validate(text string) bool {
	decoded, err := c.Decode(text)
	if err != nil {
		return false
	}
	parsed, err := url.Parse(decoded)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}

// Withdraw-link URL shapes seen in the wild. LNbits serves
// /withdraw/api/v1/lnurl/..., other services publish tag=withdrawRequest.
var withdrawPathPatterns = []string{
	"/withdraw/",
	"/lnurl/withdraw",
	"/api/v1/lnurl",
}

// IsWithdrawURL reports whether a URL looks like an LNURL-withdraw
// endpoint. Best effort: it matches known path shapes and the
// tag=withdrawRequest query parameter, nothing more.
func (c Codec) IsWithdrawURL(text string) bool {
	if strings.HasPrefix(strings.ToLower(text), HRP) {
		decoded, err := c.Decode(text)
		if err != nil {
			return false
		}
		text = decoded
	}

	parsed, err := url.Parse(text)
	if err != nil {
		return false
	}

	path := strings.ToLower(parsed.Path)
	for _, pattern := range withdrawPathPatterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return parsed.Query().Get("tag") == "withdrawRequest"
}

// Params describes a decoded LNURL for display.
type Params struct {
	URL    string
	Type   string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
}

// Inspect decodes text and reports the pieces a caller needs to show
// or classify it.
func (c Codec) Inspect(text string) (Params, error) {
	decoded, err := c.Decode(text)
	if err != nil {
		return Params{}, err
	}

	parsed, err := url.Parse(decoded)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %w", ErrInvalidLNURL, err)
	}

	p := Params{
		URL:    decoded,
		Type:   TypeUnknown,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}
	if c.IsWithdrawURL(decoded) {
		p.Type = TypeWithdraw
	}
	return p, nil
}

// LightningURI renders text as a lightning: URI, encoding plain URLs
// first.
func (c Codec) LightningURI(text string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(text), HRP) {
		encoded, err := c.Encode(text)
		if err != nil {
			return "", err
		}
		text = encoded
	}
	return lightningScheme + text, nil
}

// ExtractFromURI pulls the LNURL out of a lightning: URI. The second
// return is false when the text is not a lightning: URI.
func ExtractFromURI(uri string) (string, bool) {
	if strings.HasPrefix(strings.ToLower(uri), lightningScheme) {
		return uri[len(lightningScheme):], true
	}
	return "", false
}

// FormatForDisplay truncates long LNURL strings around an ellipsis so
// logs and terminal output stay readable. The result never exceeds
// maxLen.
func FormatForDisplay(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	half := (maxLen - 3) / 2
	if half < 1 {
		return text[:maxLen]
	}
	return text[:half] + "..." + text[len(text)-half:]
}
