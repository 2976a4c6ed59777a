package rank

import (
	"time"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// Options tunes both algorithms.
type Options struct {
	PlaceURL        string
	BlogURL         string
	MainURL         string
	MaxPages        int
	PageSize        int
	TopN            int
	ScrollPause     time.Duration
	MaxScrollRounds int
	WaitTimeout     time.Duration
	Place           PlaceSelectors
	Blog            BlogSelectors
}

// Extractor runs the place and blog rank checks against a Page.
type Extractor struct {
	opts  Options
	clock tracker.Clock
}

// NewExtractor fills unset options with the production defaults.
func NewExtractor(opts Options, clock tracker.Clock) *Extractor {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 3
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 70
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.MaxScrollRounds <= 0 {
		opts.MaxScrollRounds = 15
	}
	if opts.ScrollPause < 0 {
		opts.ScrollPause = 0
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	if opts.Place.ListContainer == "" {
		opts.Place = DefaultPlaceSelectors()
	}
	if opts.Blog.MainRoot == "" {
		opts.Blog = DefaultBlogSelectors()
	}
	return &Extractor{opts: opts, clock: clock}
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}
