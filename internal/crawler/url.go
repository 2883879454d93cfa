package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseHTTPURL parses rawURL and rejects anything that is not an absolute
// http or https URL with a host.
func ParseHTTPURL(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, &Error{Kind: ErrInvalidURL, URL: rawURL, Detail: "empty url"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, NewError(ErrInvalidURL, rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &Error{Kind: ErrInvalidURL, URL: rawURL, Detail: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &Error{Kind: ErrInvalidURL, URL: rawURL, Detail: "missing host"}
	}
	return u, nil
}

// NormalizeURL standardizes a URL so the queue keys on one spelling.
// It lowercases the scheme and host, removes default ports and drops the fragment.
// Query parameter order is preserved since servers may depend on it.
func NormalizeURL(rawURL string) (string, error) {
	u, err := ParseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	return u.String(), nil
}

// Origin returns scheme://host for rawURL.
func Origin(rawURL string) (string, error) {
	u, err := ParseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// HostOf returns the lowercase host (with port) of rawURL, or "" when unparseable.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
