package discovery

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// DiscoverFeeds probes origin for an RSS or Atom feed and returns the entry
// links of the first one that parses. Feeds advertised by the origin page's
// <link rel="alternate"> tags are tried before the well-known paths.
func (d *Discoverer) DiscoverFeeds(ctx context.Context, origin string) []crawler.Candidate {
	origin = strings.TrimRight(origin, "/")
	tried := make(map[string]struct{})
	parser := gofeed.NewParser()

	try := func(feedURL string) ([]crawler.Candidate, bool, crawler.FetchResponse) {
		if _, done := tried[feedURL]; done {
			return nil, false, crawler.FetchResponse{}
		}
		tried[feedURL] = struct{}{}
		resp, ok := d.fetchBody(ctx, feedURL)
		if !ok {
			return nil, false, resp
		}
		feed, err := parser.Parse(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, false, resp
		}
		return feedCandidates(feed, finalURL(resp, feedURL)), true, resp
	}

	candidates, ok, originResp := try(origin + "/")
	if ok {
		d.logFound(origin+"/", candidates)
		return candidates
	}

	probes := alternateFeeds(originResp, origin+"/")
	for _, path := range feedPaths {
		probes = append(probes, origin+path)
	}
	for _, feedURL := range probes {
		if ctx.Err() != nil {
			return nil
		}
		if candidates, ok, _ := try(feedURL); ok {
			d.logFound(feedURL, candidates)
			return candidates
		}
	}
	return nil
}

func (d *Discoverer) logFound(feedURL string, candidates []crawler.Candidate) {
	d.logger.Debug("feed discovered", zap.String("feed", feedURL), zap.Int("entries", len(candidates)))
}

// feedCandidates takes the first usable link of each entry.
func feedCandidates(feed *gofeed.Feed, feedURL string) []crawler.Candidate {
	base, _ := url.Parse(feedURL)
	out := make([]crawler.Candidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		link := resolveHTTP(base, itemLink(item))
		if link == "" {
			continue
		}
		candidate := crawler.Candidate{URL: link}
		switch {
		case item.UpdatedParsed != nil:
			candidate.LastMod = item.UpdatedParsed
		case item.PublishedParsed != nil:
			candidate.LastMod = item.PublishedParsed
		}
		out = append(out, candidate)
	}
	return out
}

func itemLink(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	for _, l := range item.Links {
		if strings.TrimSpace(l) != "" {
			return l
		}
	}
	guid := strings.ToLower(item.GUID)
	if strings.HasPrefix(guid, "http://") || strings.HasPrefix(guid, "https://") {
		return item.GUID
	}
	return ""
}

// alternateFeeds lists feeds advertised by an HTML page.
func alternateFeeds(resp crawler.FetchResponse, pageURL string) []string {
	if len(resp.Body) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(finalURL(resp, pageURL))
	var out []string
	doc.Find(`link[rel="alternate"][href]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		kind := strings.ToLower(s.AttrOr("type", ""))
		if !strings.Contains(kind, "rss") && !strings.Contains(kind, "atom") {
			return true
		}
		if link := resolveHTTP(base, s.AttrOr("href", "")); link != "" {
			out = append(out, link)
		}
		return len(out) < maxAlternateFeeds
	})
	return out
}

func finalURL(resp crawler.FetchResponse, requested string) string {
	if resp.FinalURL != "" {
		return resp.FinalURL
	}
	return requested
}
