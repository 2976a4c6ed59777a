package tracker

import (
	"context"
	"io"
	"time"
)

// TargetStore is the external keyword/target store. Reads only return keywords
// whose active flag is set; writes append history rather than overwrite.
type TargetStore interface {
	ListActiveTenants(ctx context.Context, jobType JobType) ([]TenantRef, error)
	ListActiveKeywords(ctx context.Context, tenantID string, jobType JobType) ([]KeywordTarget, error)
	SavePlaceResult(ctx context.Context, keywordID string, result RankingResult) error
	SaveBlogResult(ctx context.Context, keywordID string, result BlogRankingResult) error
	TouchLastChecked(ctx context.Context, keywordID string, at time.Time) error
}

// CredentialStore exposes per-tenant advertising credentials.
type CredentialStore interface {
	ListAdsCredentials(ctx context.Context) ([]AdsCredential, error)
}

// AdsRefresher runs the advertising spend refresh after tracking completes.
type AdsRefresher interface {
	Refresh(ctx context.Context) error
}

// BlobStore writes raw artifacts (result page snapshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
