package security

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL       = errors.New("url is required")
	ErrMalformedURL   = errors.New("url is malformed")
	ErrRelativeURL    = errors.New("url must be absolute")
	ErrURLScheme      = errors.New("url scheme must be http or https")
	ErrURLMissingHost = errors.New("url must have a host")
)

// ValidateTargetURL checks that rawURL is a syntactically valid absolute
// http(s) URL. The target is fetched by the extraction service, never by
// this process, so no DNS resolution is done here.
func ValidateTargetURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrMalformedURL
	}
	if !u.IsAbs() {
		return ErrRelativeURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrURLScheme
	}
	if u.Hostname() == "" {
		return ErrURLMissingHost
	}
	return nil
}
