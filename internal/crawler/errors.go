package crawler

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidURL             = errors.New("invalid url")
	ErrRobotsBlocked          = errors.New("blocked by robots.txt")
	ErrNetwork                = errors.New("network error")
	ErrHTTPStatus             = errors.New("http status")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrExtraction             = errors.New("extraction failed")
	ErrStore                  = errors.New("store failed")
	ErrTooManyRedirects       = errors.New("too many redirects")
)

// Error carries the kind of a crawl failure plus the URL and status involved.
type Error struct {
	Kind   error
	URL    string
	Status int
	Detail string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Kind == ErrHTTPStatus && e.Status > 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is lets errors.Is match on the kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind.
func NewError(kind error, rawURL string, err error) *Error {
	return &Error{Kind: kind, URL: rawURL, Err: err}
}

// StatusError reports a non-success HTTP status.
func StatusError(rawURL string, status int) *Error {
	return &Error{Kind: ErrHTTPStatus, URL: rawURL, Status: status}
}

// ContentTypeError reports a response that is not HTML.
func ContentTypeError(rawURL string, status int, contentType string) *Error {
	if contentType == "" {
		contentType = "unknown"
	}
	return &Error{Kind: ErrUnsupportedContentType, URL: rawURL, Status: status, Detail: contentType}
}

// Reason returns the short reason recorded on the queue row for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var crawlErr *Error
	if errors.As(err, &crawlErr) {
		switch crawlErr.Kind {
		case ErrRobotsBlocked:
			return "robots_blocked"
		case ErrHTTPStatus:
			return fmt.Sprintf("http status %d", crawlErr.Status)
		}
	}
	msg := err.Error()
	if len(msg) > maxReasonLen {
		msg = strings.ToValidUTF8(msg[:maxReasonLen], "")
	}
	return msg
}

// StatusOf returns the HTTP status carried by err, if any.
func StatusOf(err error) *int {
	var crawlErr *Error
	if errors.As(err, &crawlErr) && crawlErr.Status > 0 {
		status := crawlErr.Status
		return &status
	}
	return nil
}

// KindOf maps err to a short metric label.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrRobotsBlocked):
		return "robots_blocked"
	case errors.Is(err, ErrHTTPStatus):
		return "http_status"
	case errors.Is(err, ErrUnsupportedContentType):
		return "unsupported_content_type"
	case errors.Is(err, ErrExtraction):
		return "extraction"
	case errors.Is(err, ErrStore):
		return "store"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "error"
	}
}

const maxReasonLen = 512
