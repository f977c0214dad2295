package scrape

import (
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
)

// ValidateSubmission checks the target url and compiles every selector.
func ValidateSubmission(rawURL string, spec ExtractionSpec) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return &ValidationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Reason: "host is required"}
	}
	if strings.TrimSpace(spec.Container) == "" {
		return &ValidationError{Field: "selectors.container", Reason: "required"}
	}
	if _, err := cascadia.Compile(spec.Container); err != nil {
		return &ValidationError{Field: "selectors.container", Reason: err.Error()}
	}
	if len(spec.Fields) == 0 {
		return &ValidationError{Field: "selectors.fields", Reason: "at least one field is required"}
	}
	for name, sel := range spec.Fields {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "selectors.fields", Reason: "field name is empty"}
		}
		if strings.TrimSpace(sel) == "" {
			return &ValidationError{Field: "selectors.fields." + name, Reason: "required"}
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return &ValidationError{Field: "selectors.fields." + name, Reason: err.Error()}
		}
	}
	return nil
}
