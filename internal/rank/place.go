package rank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// PlaceSelectors locates the local-business result list.
type PlaceSelectors struct {
	// Frame is the sub-frame hosting the list; empty when the list is inline.
	Frame         string
	ListContainer string
	// Item is relative to ListContainer.
	Item      string
	Name      []string
	Link      string
	AdMarkers []string
	NextPage  string
}

// DefaultPlaceSelectors returns the selectors for the current map search markup.
func DefaultPlaceSelectors() PlaceSelectors {
	return PlaceSelectors{
		Frame:         "iframe#searchIframe",
		ListContainer: "#_pcmap_list_scroll_container",
		Item:          "ul > li",
		Name:          []string{".place_bluelink", ".TYaxT", ".YwYLL", "span.name"},
		Link:          "a[href]",
		AdMarkers: []string{
			".place_ad_label_text",
			".gU6bV",
			"[data-ad='true']",
			"[data-laim-exp-id$='*e']",
		},
		NextPage: ".zRM9F > a.eUTV2[aria-disabled='false']:last-child",
	}
}

// PlaceItem is one parsed entry of the place result list.
type PlaceItem struct {
	Name       string
	ExternalID string
	Sponsored  bool
}

var placeIDPattern = regexp.MustCompile(`/(?:place|restaurant|cafe|hairshop|hospital|accommodation|nailshop)/(\d+)`)

// CheckPlace runs the map/local-business algorithm for one keyword. A result
// whose structure could not be found comes back not-found with an error
// wrapping ErrStructureNotFound; any other error means the check failed.
func (e *Extractor) CheckPlace(ctx context.Context, page Page, target tracker.KeywordTarget) (tracker.RankingResult, Evidence, error) {
	notFound := tracker.RankingResult{TopN: []tracker.RankEntry{}, CheckedAt: e.now()}
	if strings.TrimSpace(target.PlaceName) == "" && strings.TrimSpace(target.PlaceID) == "" {
		return notFound, Evidence{}, fmt.Errorf("keyword %s: %w", target.KeywordID, tracker.ErrNoTarget)
	}

	searchURL := SearchURL(e.opts.PlaceURL, target.Keyword)
	ev := Evidence{URL: searchURL}
	if err := page.Navigate(ctx, searchURL); err != nil {
		return notFound, ev, err
	}
	if err := e.enterPlaceFrame(ctx, page); err != nil {
		return notFound, ev, err
	}

	sel := e.opts.Place
	if err := page.WaitFor(ctx, sel.ListContainer, e.opts.WaitTimeout); err != nil {
		if ctx.Err() != nil {
			return notFound, ev, ctx.Err()
		}
		return notFound, ev, structureMissing("place result list", err)
	}

	items, pages, html, err := e.collectPlaceItems(ctx, page)
	ev.PagesScanned = pages
	ev.HTML = html
	if err != nil {
		return notFound, ev, err
	}

	result := ScorePlaces(items, target, e.opts.TopN)
	result.CheckedAt = notFound.CheckedAt
	return result, ev, nil
}

// enterPlaceFrame follows the list sub-frame when the page embeds one.
func (e *Extractor) enterPlaceFrame(ctx context.Context, page Page) error {
	frame := e.opts.Place.Frame
	if frame == "" {
		return nil
	}
	var src string
	script := fmt.Sprintf(`(() => { const f = document.querySelector(%s); return f ? f.src : ""; })()`, jsString(frame))
	if err := page.Evaluate(ctx, script, &src); err != nil {
		return err
	}
	if src == "" {
		return nil
	}
	return page.Navigate(ctx, src)
}

// collectPlaceItems walks up to MaxPages pages. A page with fewer than
// PageSize items is the last one.
func (e *Extractor) collectPlaceItems(ctx context.Context, page Page) ([]PlaceItem, int, string, error) {
	var (
		all      []PlaceItem
		lastHTML string
		pages    int
	)
	sel := e.opts.Place
	for pageNo := 1; pageNo <= e.opts.MaxPages; pageNo++ {
		if err := e.loadFullPage(ctx, page); err != nil {
			return nil, pages, lastHTML, err
		}
		html, err := page.OuterHTML(ctx, sel.ListContainer)
		if err != nil {
			return nil, pages, lastHTML, err
		}
		lastHTML = html
		items, err := ParsePlaceItems(html, sel)
		if err != nil {
			return nil, pages, lastHTML, err
		}
		if len(items) > e.opts.PageSize {
			items = items[:e.opts.PageSize]
		}
		all = append(all, items...)
		pages++

		if len(items) < e.opts.PageSize || pageNo == e.opts.MaxPages {
			break
		}
		advanced, err := e.nextPlacePage(ctx, page)
		if err != nil {
			return nil, pages, lastHTML, err
		}
		if !advanced {
			break
		}
	}
	return all, pages, lastHTML, nil
}

// loadFullPage scrolls the list until the item count stops growing or
// reaches PageSize.
func (e *Extractor) loadFullPage(ctx context.Context, page Page) error {
	sel := e.opts.Place
	countScript := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(sel.ListContainer+" "+sel.Item))
	scrollScript := fmt.Sprintf(
		`(() => { const el = document.querySelector(%s); if (!el) return false; el.scrollTop = el.scrollHeight; return true; })()`,
		jsString(sel.ListContainer),
	)

	var prev int
	if err := page.Evaluate(ctx, countScript, &prev); err != nil {
		return err
	}
	for round := 0; round < e.opts.MaxScrollRounds && prev < e.opts.PageSize; round++ {
		var scrolled bool
		if err := page.Evaluate(ctx, scrollScript, &scrolled); err != nil {
			return err
		}
		if !scrolled {
			return nil
		}
		if err := page.Pause(ctx, e.opts.ScrollPause); err != nil {
			return err
		}
		var count int
		if err := page.Evaluate(ctx, countScript, &count); err != nil {
			return err
		}
		if count <= prev {
			return nil
		}
		prev = count
	}
	return nil
}

func (e *Extractor) nextPlacePage(ctx context.Context, page Page) (bool, error) {
	sel := e.opts.Place
	var present bool
	script := fmt.Sprintf(`!!document.querySelector(%s)`, jsString(sel.NextPage))
	if err := page.Evaluate(ctx, script, &present); err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	if err := page.Click(ctx, sel.NextPage); err != nil {
		return false, err
	}
	if err := page.Pause(ctx, e.opts.ScrollPause); err != nil {
		return false, err
	}
	if err := page.WaitFor(ctx, sel.ListContainer+" "+sel.Item, e.opts.WaitTimeout); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// ParsePlaceItems extracts list entries, in DOM order, from the list HTML.
func ParsePlaceItems(html string, sel PlaceSelectors) ([]PlaceItem, error) {
	if strings.TrimSpace(html) == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse place list: %w", err)
	}
	adMarker := strings.Join(sel.AdMarkers, ", ")

	var items []PlaceItem
	doc.Find(sel.Item).Each(func(_ int, li *goquery.Selection) {
		name := placeName(li, sel.Name)
		if name == "" {
			return
		}
		items = append(items, PlaceItem{
			Name:       name,
			ExternalID: placeID(li, sel.Link),
			Sponsored:  adMarker != "" && (li.Is(adMarker) || li.Find(adMarker).Length() > 0),
		})
	})
	return items, nil
}

func placeName(li *goquery.Selection, selectors []string) string {
	for _, s := range selectors {
		if node := li.Find(s).First(); node.Length() > 0 {
			if text := strings.TrimSpace(node.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

func placeID(li *goquery.Selection, linkSel string) string {
	var id string
	li.Find(linkSel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if m := placeIDPattern.FindStringSubmatch(href); m != nil {
			id = m[1]
			return false
		}
		return true
	})
	if id != "" {
		return id
	}
	for _, attr := range []string{"data-id", "data-cid", "data-place-id"} {
		if v, ok := li.Attr(attr); ok && v != "" {
			return v
		}
	}
	return ""
}

// ScorePlaces assigns separate 1-based counters to sponsored and organic
// items in order, records the first hit in each stream, and snapshots the
// first topN organic items. Matching is by normalized name; a target with no
// registered name falls back to its place id.
func ScorePlaces(items []PlaceItem, target tracker.KeywordTarget, topN int) tracker.RankingResult {
	result := tracker.RankingResult{TopN: make([]tracker.RankEntry, 0, topN)}
	targetName := NormalizeName(target.PlaceName)
	var organic, sponsored int
	for _, item := range items {
		var pos int
		if item.Sponsored {
			sponsored++
			pos = sponsored
		} else {
			organic++
			pos = organic
			if len(result.TopN) < topN {
				result.TopN = append(result.TopN, tracker.RankEntry{
					Rank:       pos,
					Name:       item.Name,
					ExternalID: item.ExternalID,
				})
			}
		}

		if !placeMatches(item, targetName, target.PlaceID) {
			continue
		}
		if item.Sponsored && result.AdRank == nil {
			result.AdRank = tracker.IntPtr(pos)
		}
		if !item.Sponsored && result.OrganicRank == nil {
			result.OrganicRank = tracker.IntPtr(pos)
		}
	}
	result.TotalScanned = len(items)
	result.Found = result.OrganicRank != nil || result.AdRank != nil
	return result
}

func placeMatches(item PlaceItem, targetName, targetID string) bool {
	if targetName != "" {
		return NormalizeName(item.Name) == targetName
	}
	return targetID != "" && item.ExternalID == targetID
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// IsStructureMiss reports whether err only signals missing result structure.
func IsStructureMiss(err error) bool {
	return errors.Is(err, ErrStructureNotFound)
}
