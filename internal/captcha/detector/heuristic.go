// Package detector recognises captcha and bot-challenge pages from raw
// responses and exposes the equivalent in-page probe for browser sessions.
package detector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Marker ties a page fingerprint to the challenge it reveals.
type Marker struct {
	Type     string
	Needle   string
	Selector string
}

// DefaultMarkers covers the widget vendors seen in practice. Order matters:
// the first match wins.
var DefaultMarkers = []Marker{
	{Type: "recaptcha", Needle: "g-recaptcha", Selector: ".g-recaptcha"},
	{Type: "recaptcha", Needle: "www.google.com/recaptcha", Selector: "iframe[src*='recaptcha']"},
	{Type: "hcaptcha", Needle: "h-captcha", Selector: ".h-captcha"},
	{Type: "turnstile", Needle: "cf-turnstile", Selector: ".cf-turnstile"},
	{Type: "cloudflare", Needle: "cf-challenge", Selector: "#challenge-form"},
	{Type: "perimeterx", Needle: "px-captcha", Selector: "#px-captcha"},
	{Type: "generic", Needle: "verify you are human", Selector: "body"},
}

// Heuristic matches markers case-insensitively and flags script-heavy
// interstitials served with blocking status codes.
type Heuristic struct {
	Markers             []Marker
	BodyLengthThreshold int
}

// NewHeuristic creates a detector using DefaultMarkers when markers is empty.
func NewHeuristic(threshold int, markers ...Marker) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return &Heuristic{Markers: markers, BodyLengthThreshold: threshold}
}

// Detect inspects a response and reports the first challenge found.
func (h *Heuristic) Detect(statusCode int, body []byte) (scrape.Challenge, bool) {
	lower := bytes.ToLower(body)
	for _, m := range h.Markers {
		if bytes.Contains(lower, []byte(strings.ToLower(m.Needle))) {
			return scrape.Challenge{Type: m.Type, Element: m.Selector}, true
		}
	}
	if blockingStatus(statusCode) && len(body) > 0 && len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return scrape.Challenge{Type: "interstitial", Element: "body"}, true
	}
	return scrape.Challenge{}, false
}

// ProbeScript returns a JavaScript expression that evaluates to
// {type, element} for the first marker present in the live DOM, or null.
func (h *Heuristic) ProbeScript() string {
	type probe struct {
		Type     string `json:"type"`
		Selector string `json:"selector"`
		Needle   string `json:"needle"`
	}
	probes := make([]probe, 0, len(h.Markers))
	for _, m := range h.Markers {
		probes = append(probes, probe{Type: m.Type, Selector: m.Selector, Needle: strings.ToLower(m.Needle)})
	}
	encoded, _ := json.Marshal(probes)
	return fmt.Sprintf(`(() => {
	const probes = %s;
	const html = document.documentElement ? document.documentElement.outerHTML.toLowerCase() : "";
	for (const p of probes) {
		if (p.selector !== "body" && document.querySelector(p.selector)) {
			return {type: p.type, element: p.selector};
		}
		if (html.includes(p.needle)) {
			return {type: p.type, element: p.selector};
		}
	}
	return null;
})()`, encoded)
}

func blockingStatus(code int) bool {
	return code == 403 || code == 429 || code == 503
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}
	return scriptCoverage*100/total >= 25
}
