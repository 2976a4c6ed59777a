package rank

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// BlogSelectors locates the unified results tab and the blog-only tab.
type BlogSelectors struct {
	MainRoot string
	// AdContainers and Verticals are sections of the unified tab whose links
	// do not count as blog exposure.
	AdContainers []string
	Verticals    []string
	BlogRoot     string
	// BlogItems lists the boosted container first, then the regular list.
	BlogItems  []string
	AdItem     []string
	AuthorLink []string
	TitleLink  []string
}

// DefaultBlogSelectors returns the selectors for the current search markup.
func DefaultBlogSelectors() BlogSelectors {
	return BlogSelectors{
		MainRoot: "#main_pack",
		AdContainers: []string{
			".sp_power", ".ad_section", ".api_ad", ".sp_nad",
			"[data-cr-area^='ad']", "[data-ad]",
		},
		Verticals: []string{
			".sp_video", ".sp_nvideo", ".sp_shop", ".sp_nshop",
			".sp_news", ".sp_nnews", ".sp_image", ".sp_nimage",
		},
		BlogRoot:   "#main_pack",
		BlogItems:  []string{".api_subject_bx.top_bx li.bx", "ul.lst_view > li.bx"},
		AdItem:     []string{".link_ad", ".ico_ad", "[data-ad]", ".spblog.ico_ad"},
		AuthorLink: []string{"a.name", ".user_info a", "a.sub_name", ".user_box_inner a.name"},
		TitleLink:  []string{"a.title_link", "a.api_txt_lines.total_tit"},
	}
}

// CheckBlog runs both blog sub-checks for one keyword: exposure on the
// unified tab and numeric rank on the blog-only tab. Each tab degrades to "no
// rank" on its own when its structure is missing.
func (e *Extractor) CheckBlog(ctx context.Context, page Page, target tracker.KeywordTarget) (tracker.BlogRankingResult, Evidence, error) {
	result := tracker.BlogRankingResult{CheckedAt: e.now()}
	blogID := TargetBlogID(target)
	if blogID == "" {
		return result, Evidence{}, fmt.Errorf("keyword %s: %w", target.KeywordID, tracker.ErrNoTarget)
	}
	sel := e.opts.Blog
	var misses []error

	mainURL := SearchURL(e.opts.MainURL, target.Keyword)
	mainHTML, err := e.loadRoot(ctx, page, mainURL, sel.MainRoot)
	switch {
	case errors.Is(err, ErrStructureNotFound):
		misses = append(misses, fmt.Errorf("main tab: %w", err))
	case err != nil:
		return result, Evidence{URL: mainURL}, err
	default:
		exposed, perr := MainTabExposed(mainHTML, sel, blogID, target.BlogURL)
		if perr != nil {
			return result, Evidence{URL: mainURL}, perr
		}
		result.MainTabExposed = exposed
	}

	blogURL := SearchURL(e.opts.BlogURL, target.Keyword)
	ev := Evidence{URL: blogURL, PagesScanned: 1}
	blogHTML, err := e.loadRoot(ctx, page, blogURL, sel.BlogRoot)
	switch {
	case errors.Is(err, ErrStructureNotFound):
		misses = append(misses, fmt.Errorf("blog tab: %w", err))
	case err != nil:
		return result, ev, err
	default:
		ev.HTML = blogHTML
		pos, postURL, perr := BlogTabRank(blogHTML, sel, blogID)
		if perr != nil {
			return result, ev, perr
		}
		if pos > 0 {
			result.BlogTabRank = tracker.IntPtr(pos)
			result.URL = postURL
		}
	}

	return result, ev, errors.Join(misses...)
}

func (e *Extractor) loadRoot(ctx context.Context, page Page, target, root string) (string, error) {
	if err := page.Navigate(ctx, target); err != nil {
		return "", err
	}
	if err := page.WaitFor(ctx, root, e.opts.WaitTimeout); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", structureMissing(root, err)
	}
	html, err := page.OuterHTML(ctx, root)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(html) == "" {
		return "", structureMissing(root, nil)
	}
	return html, nil
}

// MainTabExposed reports whether any link on the unified tab points at the
// target blog outside ad containers and non-blog verticals.
func MainTabExposed(html string, sel BlogSelectors, blogID, blogURL string) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, fmt.Errorf("parse main tab: %w", err)
	}
	excluded := strings.Join(append(append([]string{}, sel.AdContainers...), sel.Verticals...), ", ")
	urlKey := blogURLKey(blogURL)

	exposed := false
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if !strings.EqualFold(ExtractBlogID(href), blogID) && !underURL(href, urlKey) {
			return true
		}
		if excluded != "" && a.Closest(excluded).Length() > 0 {
			return true
		}
		exposed = true
		return false
	})
	return exposed, nil
}

// BlogTabRank counts non-ad list items in document order across the boosted
// and regular lists, each item once, and returns the 1-based position and post
// URL of the first item owned by blogID. Zero means not found.
func BlogTabRank(html string, sel BlogSelectors, blogID string) (int, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, "", fmt.Errorf("parse blog tab: %w", err)
	}
	adItem := strings.Join(sel.AdItem, ", ")
	seenPosts := make(map[string]struct{})

	var (
		counter int
		rank    int
		postURL string
	)
	// A selector group walks the tree once, so nodes come back in document
	// order and nested matches appear once.
	doc.Find(strings.Join(sel.BlogItems, ", ")).EachWithBreak(func(_ int, li *goquery.Selection) bool {
		if adItem != "" && (li.Is(adItem) || li.Find(adItem).Length() > 0) {
			return true
		}
		title := firstHref(li, sel.TitleLink)
		if title != "" {
			if _, dup := seenPosts[title]; dup {
				return true
			}
			seenPosts[title] = struct{}{}
		}
		counter++

		owner := ExtractBlogID(firstHref(li, sel.AuthorLink))
		if owner == "" {
			owner = ExtractBlogID(title)
		}
		if owner != "" && strings.EqualFold(owner, blogID) {
			rank = counter
			postURL = title
			return false
		}
		return true
	})
	return rank, postURL, nil
}

func firstHref(s *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if href, ok := s.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			return strings.TrimSpace(href)
		}
	}
	return ""
}

// TargetBlogID returns the keyword's blog id, deriving it from the blog URL
// when only the URL was registered.
func TargetBlogID(target tracker.KeywordTarget) string {
	if id := strings.TrimSpace(target.BlogID); id != "" {
		return id
	}
	return ExtractBlogID(target.BlogURL)
}

// ExtractBlogID pulls the owner id out of a blog or post URL. It understands
// blog.naver.com/<id>/<post>, m.blog.naver.com/<id>, PostView links carrying
// blogId, and <id>.blog.me hosts.
func ExtractBlogID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, ".blog.me"):
		return strings.TrimSuffix(host, ".blog.me")
	case host == "blog.naver.com" || host == "m.blog.naver.com":
		if id := u.Query().Get("blogId"); id != "" {
			return id
		}
		segment := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)[0]
		if segment == "" || strings.Contains(segment, ".") {
			return ""
		}
		return segment
	default:
		return ""
	}
}

// blogURLKey reduces a URL to host+path without scheme, "www." or trailing slash.
func blogURLKey(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	raw = strings.TrimPrefix(raw, "www.")
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSuffix(raw, "/")
}

func underURL(href, key string) bool {
	if key == "" {
		return false
	}
	got := blogURLKey(href)
	return got == key || strings.HasPrefix(got, key+"/")
}
