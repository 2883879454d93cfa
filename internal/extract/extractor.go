// Package extract turns fetched HTML into document fields and crawlable links.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// Defaults for Config.
const (
	DefaultMaxBodyChars = 200_000
	DefaultMaxLinks     = 100
)

// skippedElements never contribute body text.
var skippedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
}

// Config bounds extraction output.
type Config struct {
	MaxBodyChars int
	MaxLinks     int
}

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	maxBodyChars int
	maxLinks     int
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = DefaultMaxBodyChars
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = DefaultMaxLinks
	}
	return &Extractor{maxBodyChars: cfg.MaxBodyChars, maxLinks: cfg.MaxLinks}
}

// Extract parses page and pulls out title, description, body text, html lang
// and same-host links resolved against baseURL.
func (e *Extractor) Extract(page []byte, baseURL string) (crawler.Extraction, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	lang, _ := doc.Find("html").First().Attr("lang")
	return crawler.Extraction{
		Title:       nonEmpty(doc.Find("title").First().Text()),
		Description: description(doc),
		BodyText:    truncateRunes(bodyText(doc), e.maxBodyChars),
		Links:       e.links(doc, base),
		HTMLLang:    strings.TrimSpace(lang),
	}, nil
}

func description(doc *goquery.Document) *string {
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		if v := nonEmpty(desc); v != nil {
			return v
		}
	}
	if desc, ok := doc.Find(`meta[property="og:description"]`).First().Attr("content"); ok {
		return nonEmpty(desc)
	}
	return nil
}

// bodyText joins every visible text node under <body>, one per line.
func bodyText(doc *goquery.Document) string {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return ""
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, text)
			}
			return
		case html.ElementNode:
			if _, skip := skippedElements[strings.ToLower(n.Data)]; skip {
				return
			}
		case html.CommentNode:
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, n := range body.Nodes {
		walk(n)
	}
	return strings.Join(parts, "\n")
}

// links resolves anchors against base and keeps unique same-host http(s) targets.
func (e *Extractor) links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		if !strings.EqualFold(abs.Host, base.Host) {
			return true
		}
		abs.Fragment = ""
		abs.RawFragment = ""
		key := abs.EscapedPath() + "?" + abs.RawQuery
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		out = append(out, abs.String())
		return len(out) < e.maxLinks
	})
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
