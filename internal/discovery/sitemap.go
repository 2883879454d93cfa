package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

const dateOnlyFormat = "2006-01-02"

type xmlURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type xmlSitemap struct {
	Loc string `xml:"loc"`
}

var errLimitReached = errors.New("sitemap url limit reached")

// DiscoverSitemap reads origin/sitemap.xml. A sitemap index is followed one
// level deep. Output is capped at MaxSitemapURLs.
func (d *Discoverer) DiscoverSitemap(ctx context.Context, origin string) []crawler.Candidate {
	sitemapURL := strings.TrimRight(origin, "/") + "/sitemap.xml"
	resp, ok := d.fetchBody(ctx, sitemapURL)
	if !ok {
		return nil
	}

	var out []crawler.Candidate
	base, _ := url.Parse(finalURL(resp, sitemapURL))
	children, err := d.scan(resp.Body, base, &out)
	if err != nil && !errors.Is(err, errLimitReached) {
		d.logger.Debug("sitemap parse failed", zap.String("url", sitemapURL), zap.Error(err))
		return out
	}

	for i, child := range children {
		if i >= d.cfg.MaxSitemaps || len(out) >= d.cfg.MaxSitemapURLs || ctx.Err() != nil {
			break
		}
		childResp, ok := d.fetchBody(ctx, child)
		if !ok {
			continue
		}
		childBase, _ := url.Parse(finalURL(childResp, child))
		// Nested indexes are not followed.
		if _, err := d.scan(childResp.Body, childBase, &out); err != nil && !errors.Is(err, errLimitReached) {
			d.logger.Debug("child sitemap parse failed", zap.String("url", child), zap.Error(err))
		}
	}
	d.logger.Debug("sitemap discovered", zap.String("url", sitemapURL), zap.Int("urls", len(out)))
	return out
}

// scan streams body, appending <url><loc> entries to out and returning the
// child sitemap locations if body is a sitemap index.
func (d *Discoverer) scan(body []byte, base *url.URL, out *[]crawler.Candidate) ([]string, error) {
	reader, err := maybeGunzip(body)
	if err != nil {
		return nil, err
	}
	dec := xml.NewDecoder(reader)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false

	var children []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return children, nil
		}
		if err != nil {
			return children, fmt.Errorf("decode sitemap: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "url":
			var entry xmlURL
			if err := dec.DecodeElement(&entry, &start); err != nil {
				return children, fmt.Errorf("decode url entry: %w", err)
			}
			loc := resolveHTTP(base, entry.Loc)
			if loc == "" {
				continue
			}
			*out = append(*out, crawler.Candidate{URL: loc, LastMod: parseLastMod(entry.LastMod)})
			if len(*out) >= d.cfg.MaxSitemapURLs {
				return children, errLimitReached
			}
		case "sitemap":
			var entry xmlSitemap
			if err := dec.DecodeElement(&entry, &start); err != nil {
				return children, fmt.Errorf("decode sitemap entry: %w", err)
			}
			if loc := resolveHTTP(base, entry.Loc); loc != "" && len(children) < d.cfg.MaxSitemaps {
				children = append(children, loc)
			}
		}
	}
}

// maybeGunzip unwraps sitemap.xml.gz bodies served without Content-Encoding.
func maybeGunzip(body []byte) (io.Reader, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return bytes.NewReader(body), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gunzip sitemap: %w", err)
	}
	return zr, nil
}

func parseLastMod(raw string) *time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, dateOnlyFormat} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
