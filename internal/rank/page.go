// Package rank holds the rank extraction algorithms for the place (map) search
// and the blog search. All result-page markup knowledge lives here; callers
// only see tracker.RankingResult and tracker.BlogRankingResult.
package rank

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrStructureNotFound marks a result page whose expected DOM structure was
// missing. The accompanying result is valid and reports "no rank".
var ErrStructureNotFound = errors.New("expected result structure not found")

// Page is the slice of a browser session the algorithms drive.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	OuterHTML(ctx context.Context, selector string) (string, error)
	Evaluate(ctx context.Context, script string, out any) error
	Click(ctx context.Context, selector string) error
	Pause(ctx context.Context, d time.Duration) error
}

// Evidence carries what the algorithm saw, for snapshots and logs.
type Evidence struct {
	URL          string
	HTML         string
	PagesScanned int
}

// SearchURL fills a template's single %s with the escaped keyword.
func SearchURL(template, keyword string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(strings.TrimSpace(keyword)), "+", "%20")
	return fmt.Sprintf(template, escaped)
}

func structureMissing(what string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrStructureNotFound, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrStructureNotFound, what, cause)
}
