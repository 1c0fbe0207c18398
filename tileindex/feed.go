package tileindex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
)

const urnPathPrefix = "urn:path:"

type atomFeed struct {
	Links   []atomLink  `xml:"link"`
	Entries []atomEntry `xml:"entry"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type atomEntry struct {
	Title string `xml:"title"`
	ID    string `xml:"id"`
}

// Build fills the index, from the shared cache when it holds an index and otherwise by
// following the feed page by page. A page that fails twice fails the build.
func (ix *Index) Build(ctx context.Context) error {
	if ix.cache != nil {
		paths, err := ix.cache.Load(ctx)
		switch {
		case err != nil:
			log.Printf("tile index cache unavailable, crawling feed: %v", err)
		case len(paths) > 0:
			ix.set(paths)
			ix.metrics.IndexCacheHits.Inc()
			log.Printf("loaded %d tiles from tile index cache", len(paths))
			return nil
		}
	}

	first, err := url.Parse(ix.opts.FeedURL)
	if err != nil {
		return fmt.Errorf("feed url: %w", err)
	}
	q := first.Query()
	q.Set("format", tileFormat)
	first.RawQuery = q.Encode()
	ix.withAPIKey(first)

	paths := make(map[string]string)
	pages := 0
	for next := first; next != nil; pages++ {
		var page *url.URL
		page, err = ix.fetchPage(ctx, next, paths)
		if err != nil {
			log.Printf("fetching %s failed, retrying once: %v", redact(next.String()), err)
			page, err = ix.fetchPage(ctx, next, paths)
			if err != nil {
				return fmt.Errorf("tile index page %s: %w", redact(next.String()), err)
			}
		}
		next = page
	}
	ix.set(paths)
	log.Printf("crawled %d tiles from %d feed pages", len(paths), pages)

	if ix.cache != nil && len(paths) > 0 {
		if err = ix.cache.Store(ctx, paths); err != nil {
			log.Printf("could not store tile index in cache: %v", err)
		}
	}
	return nil
}

// fetchPage adds the entries of one feed page to paths and returns the next page, if any.
func (ix *Index) fetchPage(ctx context.Context, pageURL *url.URL, paths map[string]string) (*url.URL, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, redactErr(err)
	}
	req.Header.Set("Accept", "application/atom+xml")
	resp, err := ix.client.Do(req)
	if err != nil {
		return nil, redactErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var feed atomFeed
	if err = xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decoding feed: %w", err)
	}
	ix.metrics.FeedPages.Inc()

	for _, e := range feed.Entries {
		id, remote, ok := parseEntry(e)
		if !ok {
			log.Printf("skipping feed entry %q (%q)", e.Title, e.ID)
			continue
		}
		paths[id] = remote
	}

	for _, l := range feed.Links {
		if l.Rel != "next" || l.Href == "" {
			continue
		}
		next, err := pageURL.Parse(l.Href)
		if err != nil {
			return nil, fmt.Errorf("next link %q: %w", l.Href, err)
		}
		return ix.withAPIKey(next), nil
	}
	return nil, nil
}

func parseEntry(e atomEntry) (id, remote string, ok bool) {
	title := strings.TrimSpace(e.Title)
	urn := strings.TrimSpace(e.ID)
	if !strings.HasSuffix(title, tileSuffix) || !strings.HasPrefix(urn, urnPathPrefix) {
		return "", "", false
	}
	id = strings.TrimSuffix(title, tileSuffix)
	remote = strings.TrimPrefix(urn, urnPathPrefix)
	return id, remote, id != "" && remote != "" && validRemote(remote)
}
